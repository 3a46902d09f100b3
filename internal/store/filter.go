package store

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"

	"github.com/seantiz/geoexec/internal/model"
)

// Field names a queryable attribute of an execution status.
type Field string

// Queryable fields.
const (
	FieldExecutionID Field = "executionId"
	FieldIdentifier  Field = "identifier"
	FieldNamespace   Field = "namespace"
	FieldProcessName Field = "processName"
	FieldPhase       Field = "phase"
	FieldProgress    Field = "progress"
	FieldOwner       Field = "owner"
	FieldTask        Field = "task"
	FieldIsolated    Field = "isolated"
	FieldParentID    Field = "parentId"
	FieldMode        Field = "mode"
	FieldCreatedAt   Field = "createdAt"
	FieldCompletedAt Field = "completedAt"
)

// Op is a comparison operator.
type Op string

// Comparison operators. Like uses % and _ wildcards and folds ASCII case.
const (
	OpEq   Op = "="
	OpNe   Op = "<>"
	OpLt   Op = "<"
	OpLe   Op = "<="
	OpGt   Op = ">"
	OpGe   Op = ">="
	OpLike Op = "LIKE"
)

type kind int

const (
	kindString kind = iota
	kindFloat
	kindBool
	kindTime
)

var fieldKinds = map[Field]kind{
	FieldExecutionID: kindString,
	FieldIdentifier:  kindString,
	FieldNamespace:   kindString,
	FieldProcessName: kindString,
	FieldPhase:       kindString,
	FieldProgress:    kindFloat,
	FieldOwner:       kindString,
	FieldTask:        kindString,
	FieldIsolated:    kindBool,
	FieldParentID:    kindString,
	FieldMode:        kindString,
	FieldCreatedAt:   kindTime,
	FieldCompletedAt: kindTime,
}

// Filter is a predicate over execution statuses.
type Filter interface {
	Match(s *model.ExecutionStatus) bool
}

// Compare tests one field against a constant. It is the only filter the
// SQLite store can evaluate natively.
type Compare struct {
	Field Field
	Op    Op
	Value any
}

// Eq is shorthand for Compare{Field: f, Op: OpEq, Value: v}.
func Eq(f Field, v any) Compare { return Compare{Field: f, Op: OpEq, Value: v} }

// Terminal matches statuses that can no longer change.
var Terminal = Or{
	Eq(FieldPhase, model.PhaseSucceeded),
	Eq(FieldPhase, model.PhaseFailed),
	Eq(FieldPhase, model.PhaseDismissed),
}

// Match implements Filter.
func (c Compare) Match(s *model.ExecutionStatus) bool { return eval(c, s) == triTrue }

// Func names a function applied to a string field before comparison.
type Func struct {
	Name  string
	Field Field
	Op    Op
	Value any
}

// Supported Func names.
const (
	FuncUpper = "upper"
	FuncLower = "lower"
)

// Match implements Filter.
func (f Func) Match(s *model.ExecutionStatus) bool { return eval(f, s) == triTrue }

// Where wraps an arbitrary predicate. It is always evaluated in memory.
type Where func(s *model.ExecutionStatus) bool

// Match implements Filter.
func (w Where) Match(s *model.ExecutionStatus) bool { return w(s) }

// And matches when every child matches. An empty And matches everything.
type And []Filter

// Match implements Filter.
func (a And) Match(s *model.ExecutionStatus) bool { return eval(a, s) == triTrue }

// Or matches when any child matches. An empty Or matches nothing.
type Or []Filter

// Match implements Filter.
func (o Or) Match(s *model.ExecutionStatus) bool { return eval(o, s) == triTrue }

// Not negates a filter. A comparison against a null field stays unmatched
// under negation, as in SQL.
type Not struct {
	Filter Filter
}

// Match implements Filter.
func (n Not) Match(s *model.ExecutionStatus) bool { return eval(n, s) == triTrue }

type tri int

const (
	triFalse tri = iota
	triTrue
	triUnknown
)

func triOf(b bool) tri {
	if b {
		return triTrue
	}
	return triFalse
}

// eval evaluates f with SQL three-valued logic so that in-memory and native
// evaluation agree on null fields.
func eval(f Filter, s *model.ExecutionStatus) tri {
	switch f := f.(type) {
	case nil:
		return triTrue
	case Compare:
		fv, ok := fieldValue(s, f.Field)
		if !ok {
			return triUnknown
		}
		target, err := coerce(f.Field, f.Value)
		if err != nil {
			return triFalse
		}
		return triOf(compareValues(fv, f.Op, target))
	case Func:
		fv, ok := fieldValue(s, f.Field)
		if !ok {
			return triUnknown
		}
		str, isStr := fv.(string)
		if !isStr {
			return triFalse
		}
		switch f.Name {
		case FuncUpper:
			str = strings.ToUpper(str)
		case FuncLower:
			str = strings.ToLower(str)
		}
		target, err := coerce(f.Field, f.Value)
		if err != nil {
			return triFalse
		}
		return triOf(compareValues(str, f.Op, target))
	case And:
		out := triTrue
		for _, c := range f {
			switch eval(c, s) {
			case triFalse:
				return triFalse
			case triUnknown:
				out = triUnknown
			}
		}
		return out
	case Or:
		out := triFalse
		for _, c := range f {
			switch eval(c, s) {
			case triTrue:
				return triTrue
			case triUnknown:
				out = triUnknown
			}
		}
		return out
	case Not:
		switch eval(f.Filter, s) {
		case triTrue:
			return triFalse
		case triFalse:
			return triTrue
		default:
			return triUnknown
		}
	default:
		return triOf(f.Match(s))
	}
}

// fieldValue returns the normalized value of field for s. The second result
// is false when the field is null.
func fieldValue(s *model.ExecutionStatus, f Field) (any, bool) {
	switch f {
	case FieldExecutionID:
		return s.ExecutionID, true
	case FieldIdentifier:
		return s.Name.String(), true
	case FieldNamespace:
		return s.Name.Namespace, true
	case FieldProcessName:
		return s.Name.Local, true
	case FieldPhase:
		return string(s.Phase), true
	case FieldProgress:
		return s.Progress, true
	case FieldOwner:
		return s.Owner, true
	case FieldTask:
		return s.Task, true
	case FieldIsolated:
		return s.Isolated, true
	case FieldParentID:
		return s.ParentID, true
	case FieldMode:
		return string(s.Mode), true
	case FieldCreatedAt:
		return s.CreatedAt.UnixNano(), true
	case FieldCompletedAt:
		if s.CompletedAt == nil {
			return nil, false
		}
		return s.CompletedAt.UnixNano(), true
	}
	return nil, false
}

// coerce converts a filter constant to the normalized representation of
// field: string, float64, bool or unix nanoseconds.
func coerce(f Field, v any) (any, error) {
	k, ok := fieldKinds[f]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidFilter, "unknown field %q", f)
	}
	switch k {
	case kindString:
		switch v := v.(type) {
		case string:
			return v, nil
		case model.Phase:
			return string(v), nil
		case model.Mode:
			return string(v), nil
		case model.Name:
			return v.String(), nil
		}
	case kindFloat:
		var x float64
		switch v := v.(type) {
		case float64:
			x = v
		case float32:
			x = float64(v)
		case int:
			x = float64(v)
		case int64:
			x = float64(v)
		default:
			return nil, errors.Wrapf(ErrInvalidFilter, "field %q needs a number, got %T", f, v)
		}
		if math.IsNaN(x) {
			return nil, errors.Wrapf(ErrInvalidFilter, "field %q compared to NaN", f)
		}
		return x, nil
	case kindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case kindTime:
		if t, ok := v.(time.Time); ok {
			return t.UnixNano(), nil
		}
	}
	return nil, errors.Wrapf(ErrInvalidFilter, "field %q cannot be compared to %T", f, v)
}

func compareValues(a any, op Op, b any) bool {
	var c int
	switch a := a.(type) {
	case string:
		bs := b.(string)
		if op == OpLike {
			return likeMatch(a, bs)
		}
		c = strings.Compare(a, bs)
	case float64:
		bf := b.(float64)
		c = cmpOrdered(a, bf)
	case int64:
		bi := b.(int64)
		c = cmpOrdered(a, bi)
	case bool:
		bb := b.(bool)
		c = cmpOrdered(boolInt(a), boolInt(bb))
	}
	switch op {
	case OpEq:
		return c == 0
	case OpNe:
		return c != 0
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	}
	return false
}

func cmpOrdered[T float64 | int64 | int](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// likeMatch implements SQLite LIKE: % matches any run of characters, _ one
// character, and ASCII letters compare case-insensitively.
func likeMatch(s, pattern string) bool {
	if pattern == "" {
		return s == ""
	}
	p, rest := utf8.DecodeRuneInString(pattern)
	pattern = pattern[rest:]
	switch p {
	case '%':
		for pattern != "" && pattern[0] == '%' {
			pattern = pattern[1:]
		}
		if pattern == "" {
			return true
		}
		for i := 0; i <= len(s); {
			if likeMatch(s[i:], pattern) {
				return true
			}
			if i == len(s) {
				break
			}
			_, w := utf8.DecodeRuneInString(s[i:])
			i += w
		}
		return false
	case '_':
		if s == "" {
			return false
		}
		_, w := utf8.DecodeRuneInString(s)
		return likeMatch(s[w:], pattern)
	default:
		if s == "" {
			return false
		}
		r, w := utf8.DecodeRuneInString(s)
		if foldASCII(r) != foldASCII(p) {
			return false
		}
		return likeMatch(s[w:], pattern)
	}
}

func foldASCII(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

// Validate checks that every comparison in f names a known field, uses an
// operator the field supports and carries a value of the field's type.
func Validate(f Filter) error {
	switch f := f.(type) {
	case nil, Where:
		return nil
	case Compare:
		return validateComparison(f.Field, f.Op, f.Value)
	case Func:
		if f.Name != FuncUpper && f.Name != FuncLower {
			return errors.Wrapf(ErrInvalidFilter, "unknown function %q", f.Name)
		}
		if fieldKinds[f.Field] != kindString {
			return errors.Wrapf(ErrInvalidFilter, "function %s needs a text field, got %q", f.Name, f.Field)
		}
		return validateComparison(f.Field, f.Op, f.Value)
	case And:
		for _, c := range f {
			if err := Validate(c); err != nil {
				return err
			}
		}
	case Or:
		for _, c := range f {
			if err := Validate(c); err != nil {
				return err
			}
		}
	case Not:
		return Validate(f.Filter)
	}
	return nil
}

func validateComparison(field Field, op Op, v any) error {
	k, ok := fieldKinds[field]
	if !ok {
		return errors.Wrapf(ErrInvalidFilter, "unknown field %q", field)
	}
	switch op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
	case OpLike:
		if k != kindString {
			return errors.Wrapf(ErrInvalidFilter, "LIKE needs a text field, got %q", field)
		}
	default:
		return errors.Wrapf(ErrInvalidFilter, "unknown operator %q", op)
	}
	if k == kindBool && op != OpEq && op != OpNe {
		return errors.Wrapf(ErrInvalidFilter, "field %q supports only = and <>", field)
	}
	_, err := coerce(field, v)
	return err
}

// Split partitions f into a part the store can evaluate natively and a part
// that must be applied in memory afterwards. A record matches f exactly when
// it matches both parts; a nil part matches everything.
func Split(f Filter) (native, post Filter) {
	if f == nil {
		return nil, nil
	}
	if isNative(f) {
		return f, nil
	}
	and, ok := f.(And)
	if !ok {
		return nil, f
	}
	var n, p And
	for _, c := range and {
		if isNative(c) {
			n = append(n, c)
		} else {
			p = append(p, c)
		}
	}
	if len(n) > 0 {
		native = n
	}
	if len(p) > 0 {
		post = p
	}
	return native, post
}

func isNative(f Filter) bool {
	switch f := f.(type) {
	case Compare:
		return true
	case And:
		for _, c := range f {
			if !isNative(c) {
				return false
			}
		}
		return true
	case Or:
		for _, c := range f {
			if !isNative(c) {
				return false
			}
		}
		return true
	case Not:
		return isNative(f.Filter)
	}
	return false
}

// less orders a before b according to sorts, then by executionId. Null
// values sort first ascending and last descending, as in SQLite.
func less(a, b *model.ExecutionStatus, sorts []SortBy) bool {
	for _, sb := range sorts {
		av, aok := fieldValue(a, sb.Field)
		bv, bok := fieldValue(b, sb.Field)
		var c int
		switch {
		case !aok && !bok:
			c = 0
		case !aok:
			c = -1
		case !bok:
			c = 1
		default:
			c = compareSame(av, bv)
		}
		if sb.Desc {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
	}
	return a.ExecutionID < b.ExecutionID
}

func compareSame(a, b any) int {
	switch a := a.(type) {
	case string:
		return strings.Compare(a, b.(string))
	case float64:
		return cmpOrdered(a, b.(float64))
	case int64:
		return cmpOrdered(a, b.(int64))
	case bool:
		return cmpOrdered(boolInt(a), boolInt(b.(bool)))
	}
	return 0
}

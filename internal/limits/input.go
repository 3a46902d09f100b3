package limits

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/seantiz/geoexec/internal/model"
)

// InputKind distinguishes why an input was rejected.
type InputKind int

const (
	// InputInvalid marks a value that is out of range, of the wrong type or
	// of the wrong multiplicity.
	InputInvalid InputKind = iota
	// InputTooLarge marks a complex input above MaxComplexInputSize.
	InputTooLarge
)

// InputError rejects one named input. Locator is the input name exactly as
// the client sent it.
type InputError struct {
	Locator string
	Kind    InputKind
	Reason  string
}

func (e *InputError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid input %q", e.Locator)
	}
	return fmt.Sprintf("invalid input %q: %s", e.Locator, e.Reason)
}

// Code maps the error to the failure code stored on the status.
func (e *InputError) Code() string {
	if e.Kind == InputTooLarge {
		return model.CodeFileSizeExceeded
	}
	return model.CodeInvalidParameterValue
}

// Invalid builds an InputInvalid error for locator.
func Invalid(locator, format string, args ...any) error {
	return &InputError{Locator: locator, Kind: InputInvalid, Reason: fmt.Sprintf(format, args...)}
}

// AsInputError extracts an InputError from err's chain.
func AsInputError(err error) (*InputError, bool) {
	var ie *InputError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

const megabyte = 1 << 20

// SizeValidator rejects complex inputs larger than MaxComplexInputSize,
// re-reading the limit on every call.
type SizeValidator struct {
	Source Source
}

// Validate checks every input in name order so the reported locator is
// deterministic.
func (v SizeValidator) Validate(inputs map[string]any) error {
	max := v.Source.Limits().MaxComplexInputSize
	if max <= 0 {
		return nil
	}
	names := make([]string, 0, len(inputs))
	for k := range inputs {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, name := range names {
		n, err := inputSize(inputs[name])
		if err != nil {
			return &InputError{Locator: name, Kind: InputInvalid, Reason: err.Error()}
		}
		if n > int64(max)*megabyte {
			return &InputError{
				Locator: name,
				Kind:    InputTooLarge,
				Reason:  fmt.Sprintf("input is %d bytes, the limit is %d megabytes", n, max),
			}
		}
	}
	return nil
}

func inputSize(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case string:
		return int64(len(x)), nil
	case []byte:
		return int64(len(x)), nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return 0, errors.Wrap(err, "measure input")
		}
		return int64(len(b)), nil
	}
}

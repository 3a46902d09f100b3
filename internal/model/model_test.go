package model

import (
	"math"
	"regexp"
	"testing"
	"time"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhaseQueued, PhaseRunning, true},
		{PhaseQueued, PhaseDismissed, true},
		{PhaseQueued, PhaseFailed, true},
		{PhaseQueued, PhaseSucceeded, false},
		{PhaseRunning, PhaseSucceeded, true},
		{PhaseRunning, PhaseFailed, true},
		{PhaseRunning, PhaseDismissed, true},
		{PhaseRunning, PhaseQueued, false},
		{PhaseSucceeded, PhaseFailed, false},
		{PhaseFailed, PhaseDismissed, false},
		{PhaseDismissed, PhaseRunning, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestPhaseTerminal(t *testing.T) {
	for _, p := range []Phase{PhaseSucceeded, PhaseFailed, PhaseDismissed} {
		if !p.Terminal() {
			t.Errorf("%s should be terminal", p)
		}
	}
	for _, p := range []Phase{PhaseQueued, PhaseRunning} {
		if p.Terminal() {
			t.Errorf("%s should not be terminal", p)
		}
	}
}

func TestParseName(t *testing.T) {
	tests := []struct {
		in   string
		want Name
	}{
		{"gs:Buffer", Name{Namespace: "gs", Local: "Buffer"}},
		{"test1", Name{Local: "test1"}},
		{"vec:a:b", Name{Namespace: "vec", Local: "a:b"}},
	}
	for _, tt := range tests {
		got := ParseName(tt.in)
		if got != tt.want {
			t.Errorf("ParseName(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
		if got.String() != tt.in {
			t.Errorf("ParseName(%q).String() = %q", tt.in, got.String())
		}
	}
}

func TestStatusMutatorsReturnCopies(t *testing.T) {
	s := NewExecutionStatus(Name{Namespace: "gs", Local: "Echo"}, "alice", ModeAsync, map[string]any{"geom": "POINT(0 0)"})
	if s.Phase != PhaseQueued {
		t.Fatalf("initial phase = %s, want QUEUED", s.Phase)
	}

	now := time.Now().UTC()
	running := s.Start(now)
	if s.Phase != PhaseQueued {
		t.Errorf("Start mutated receiver: phase = %s", s.Phase)
	}
	if running.StartedAt == nil || !running.StartedAt.Equal(now) {
		t.Errorf("StartedAt = %v, want %v", running.StartedAt, now)
	}

	progressed := running.WithProgress(150, "buffering")
	if progressed.Progress != 100 {
		t.Errorf("Progress = %v, want clamp to 100", progressed.Progress)
	}
	if running.Task != "" {
		t.Errorf("WithProgress mutated receiver task = %q", running.Task)
	}

	failed := progressed.Fail(now, Failure{Code: CodeNoApplicableCode, Message: "boom"})
	if failed.Exception == nil || failed.CompletedAt == nil {
		t.Fatal("failed status must carry exception and completedAt")
	}
	if progressed.Exception != nil || progressed.CompletedAt != nil {
		t.Error("Fail mutated receiver")
	}

	succeeded := progressed.Succeed(now, "ref-1")
	if succeeded.Exception != nil {
		t.Error("succeeded status must not carry an exception")
	}
	if succeeded.Progress != 100 || succeeded.ResultRef != "ref-1" {
		t.Errorf("succeeded = %+v", succeeded)
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := NewExecutionStatus(Name{Local: "a"}, "", ModeSync, map[string]any{"distance": 10})
	s = s.Fail(time.Now(), Failure{Code: CodeNoApplicableCode, Message: "x"})

	c := s.Clone()
	c.RequestInputs["distance"] = 20
	c.Exception.Message = "y"
	*c.CompletedAt = time.Time{}

	if s.RequestInputs["distance"] != 10 {
		t.Error("clone shares RequestInputs")
	}
	if s.Exception.Message != "x" {
		t.Error("clone shares Exception")
	}
	if s.CompletedAt.IsZero() {
		t.Error("clone shares CompletedAt")
	}
}

func TestCloneCopiesNestedInputs(t *testing.T) {
	inner := map[string]any{"a": 1.0}
	list := []any{map[string]any{"b": 2.0}}
	s := NewExecutionStatus(Name{Local: "Chain"}, "", ModeAsync, map[string]any{"inputs": inner, "layers": list})

	inner["a"] = "changed"
	list[0].(map[string]any)["b"] = "changed"
	if got := s.RequestInputs["inputs"].(map[string]any)["a"]; got != 1.0 {
		t.Errorf("nested map shared with caller: a = %v", got)
	}
	if got := s.RequestInputs["layers"].([]any)[0].(map[string]any)["b"]; got != 2.0 {
		t.Errorf("nested slice shared with caller: b = %v", got)
	}

	c := s.Clone()
	c.RequestInputs["inputs"].(map[string]any)["a"] = "from clone"
	if got := s.RequestInputs["inputs"].(map[string]any)["a"]; got != 1.0 {
		t.Errorf("clone shares nested map: a = %v", got)
	}
}

func TestWithProgressNaN(t *testing.T) {
	s := NewExecutionStatus(Name{Local: "a"}, "", ModeAsync, nil).Start(time.Now())
	for _, p := range []float64{math.NaN(), math.Inf(-1), math.Inf(1)} {
		got := s.WithProgress(p, "step").Progress
		if got < 0 || got > 100 || math.IsNaN(got) {
			t.Errorf("WithProgress(%v) = %v, want a value in [0,100]", p, got)
		}
	}
	if got := s.WithProgress(math.NaN(), "").Progress; got != 0 {
		t.Errorf("WithProgress(NaN) = %v, want 0", got)
	}
}

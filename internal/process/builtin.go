package process

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cast"

	"github.com/seantiz/geoexec/internal/engine"
	"github.com/seantiz/geoexec/internal/limits"
	"github.com/seantiz/geoexec/internal/model"
)

// Namespace of the built-in processes.
const Namespace = "gs"

const maxSleepSteps = 1000

// RegisterBuiltins adds the built-in processes to r.
func RegisterBuiltins(r *Registry) {
	r.Register(Echo{})
	r.Register(Sleep{})
	r.Register(Fail{})
	r.Register(Chain{Registry: r})
}

// Echo returns its inputs unchanged.
type Echo struct{}

func (Echo) Describe() Description {
	return Description{
		Name:  model.Name{Namespace: Namespace, Local: "Echo"},
		Title: "Returns its inputs",
	}
}

func (Echo) Validate(map[string]any) error { return nil }

func (Echo) Run(_ context.Context, _ *engine.Execution, inputs map[string]any) engine.Outcome {
	return engine.Ok(inputs)
}

// Sleep waits for duration seconds split into steps, reporting progress after
// each step and stopping early when cancelled.
type Sleep struct{}

func (Sleep) Describe() Description {
	return Description{
		Name:  model.Name{Namespace: Namespace, Local: "Sleep"},
		Title: "Waits, reporting progress",
		Inputs: []Parameter{
			{Name: "duration", Type: "number", Required: true, Description: "seconds to wait"},
			{Name: "steps", Type: "integer", Description: "progress updates, default 1"},
		},
	}
}

func (Sleep) Validate(inputs map[string]any) error {
	_, _, err := sleepArgs(inputs)
	return err
}

func sleepArgs(inputs map[string]any) (time.Duration, int, error) {
	raw, ok := inputs["duration"]
	if !ok {
		return 0, 0, limits.Invalid("duration", "is required")
	}
	secs, err := cast.ToFloat64E(raw)
	if err != nil {
		return 0, 0, limits.Invalid("duration", "must be a number")
	}
	if secs < 0 {
		return 0, 0, limits.Invalid("duration", "must not be negative, got %v", secs)
	}

	steps := 1
	if raw, ok := inputs["steps"]; ok {
		steps, err = cast.ToIntE(raw)
		if err != nil {
			return 0, 0, limits.Invalid("steps", "must be an integer")
		}
		if steps < 1 || steps > maxSleepSteps {
			return 0, 0, limits.Invalid("steps", "must be between 1 and %d, got %d", maxSleepSteps, steps)
		}
	}
	return time.Duration(secs * float64(time.Second)), steps, nil
}

func (Sleep) Run(ctx context.Context, x *engine.Execution, inputs map[string]any) engine.Outcome {
	d, steps, err := sleepArgs(inputs)
	if err != nil {
		return engine.Fail(err)
	}
	step := d / time.Duration(steps)
	timer := time.NewTimer(step)
	defer timer.Stop()

	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return engine.Cancelled()
		case <-timer.C:
		}
		x.Progress(float64(i)*100/float64(steps), fmt.Sprintf("step %d of %d", i, steps))
		timer.Reset(step)
	}
	return engine.Ok(map[string]any{"slept": d.Seconds()})
}

// Fail always fails with the given message.
type Fail struct{}

func (Fail) Describe() Description {
	return Description{
		Name:   model.Name{Namespace: Namespace, Local: "Fail"},
		Title:  "Fails with a message",
		Inputs: []Parameter{{Name: "message", Type: "string"}},
	}
}

func (Fail) Validate(inputs map[string]any) error {
	if raw, ok := inputs["message"]; ok {
		if _, err := cast.ToStringE(raw); err != nil {
			return limits.Invalid("message", "must be a string")
		}
	}
	return nil
}

func (Fail) Run(_ context.Context, _ *engine.Execution, inputs map[string]any) engine.Outcome {
	msg := cast.ToString(inputs["message"])
	if msg == "" {
		msg = "process failed on request"
	}
	return engine.Fail(errors.New(msg))
}

// Chain runs another catalogued process as a chained sub-invocation and
// returns its result.
type Chain struct {
	Registry *Registry
}

func (Chain) Describe() Description {
	return Description{
		Name:  model.Name{Namespace: Namespace, Local: "Chain"},
		Title: "Runs another process as a chained invocation",
		Inputs: []Parameter{
			{Name: "process", Type: "string", Required: true, Description: "qualified name of the inner process"},
			{Name: "inputs", Type: "object", Description: "inputs of the inner process"},
		},
	}
}

func (c Chain) Validate(inputs map[string]any) error {
	_, _, err := c.inner(inputs)
	return err
}

func (c Chain) inner(inputs map[string]any) (model.Name, map[string]any, error) {
	s, err := cast.ToStringE(inputs["process"])
	if err != nil || s == "" {
		return model.Name{}, nil, limits.Invalid("process", "is required")
	}
	name := model.ParseName(s)
	if _, err := c.Registry.Lookup(name); err != nil {
		return model.Name{}, nil, limits.Invalid("process", "unknown process %s", name)
	}

	var args map[string]any
	if raw, ok := inputs["inputs"]; ok && raw != nil {
		args, err = cast.ToStringMapE(raw)
		if err != nil {
			return model.Name{}, nil, limits.Invalid("inputs", "must be an object")
		}
	}
	return name, args, nil
}

func (c Chain) Run(ctx context.Context, x *engine.Execution, inputs map[string]any) engine.Outcome {
	name, args, err := c.inner(inputs)
	if err != nil {
		return engine.Fail(err)
	}
	req, err := c.Registry.Resolve(name, args)
	if err != nil {
		return engine.Fail(err)
	}
	return x.Invoke(ctx, req)
}

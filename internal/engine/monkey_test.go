package engine_test

import (
	"context"

	"github.com/seantiz/geoexec/internal/engine"
	"github.com/seantiz/geoexec/internal/model"
)

// command scripts one step of a monkey from the test goroutine.
type command struct {
	progress float64
	task     string
	err      error
	exit     bool
	value    any
}

// monkey is a unit of work driven entirely by its command channel. Each test
// owns its monkeys, so concurrent scenarios never share commands.
type monkey struct {
	cmds    chan command
	started chan string
	cause   chan error
}

func newMonkey() *monkey {
	return &monkey{
		cmds:    make(chan command),
		started: make(chan string, 1),
		cause:   make(chan error, 1),
	}
}

func (mk *monkey) run(ctx context.Context, x *engine.Execution) engine.Outcome {
	mk.started <- x.ID()
	for {
		select {
		case <-ctx.Done():
			mk.cause <- context.Cause(ctx)
			return engine.Cancelled()
		case c := <-mk.cmds:
			switch {
			case c.err != nil:
				return engine.Fail(c.err)
			case c.exit:
				return engine.Ok(c.value)
			default:
				x.Progress(c.progress, c.task)
			}
		}
	}
}

func (mk *monkey) request(mode model.Mode) engine.Request {
	return engine.Request{
		Name:          model.Name{Namespace: "gs", Local: "Monkey"},
		Inputs:        map[string]any{"geom": "POINT(0 0)"},
		Owner:         "alice",
		Mode:          mode,
		StatusUpdates: true,
		Run:           mk.run,
	}
}

func (mk *monkey) progress(p float64, task string) { mk.cmds <- command{progress: p, task: task} }
func (mk *monkey) exit(v any)                     { mk.cmds <- command{exit: true, value: v} }
func (mk *monkey) fail(err error)                 { mk.cmds <- command{err: err} }

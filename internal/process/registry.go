// Package process holds the catalog of runnable processes and resolves a
// process name plus raw inputs into an engine request.
package process

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/seantiz/geoexec/internal/engine"
	"github.com/seantiz/geoexec/internal/model"
)

// ErrUnknownProcess is returned when a name is not in the catalog.
var ErrUnknownProcess = errors.New("unknown process")

// Parameter describes one declared input.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// Description is the catalog entry of a process.
type Description struct {
	Name   model.Name  `json:"-"`
	ID     string      `json:"identifier"`
	Title  string      `json:"title"`
	Inputs []Parameter `json:"inputs"`
}

// Process is one runnable unit of work.
type Process interface {
	Describe() Description
	// Validate rejects bad inputs with a *limits.InputError naming the input.
	Validate(inputs map[string]any) error
	Run(ctx context.Context, x *engine.Execution, inputs map[string]any) engine.Outcome
}

// Registry holds registered processes keyed by qualified name.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]Process
}

// NewRegistry creates an empty process registry.
func NewRegistry() *Registry {
	return &Registry{
		procs: make(map[string]Process),
	}
}

// Register adds p under its described name, replacing any previous entry.
func (r *Registry) Register(p Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[p.Describe().Name.String()] = p
}

// Lookup returns the process registered under name.
func (r *Registry) Lookup(name model.Name) (Process, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.procs[name.String()]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownProcess, "%s", name)
	}
	return p, nil
}

// Resolve turns a process name and inputs into an engine request. Owner,
// mode and status updates are left for the caller to fill in.
func (r *Registry) Resolve(name model.Name, inputs map[string]any) (engine.Request, error) {
	p, err := r.Lookup(name)
	if err != nil {
		return engine.Request{}, err
	}
	return engine.Request{
		Name:     name,
		Inputs:   inputs,
		Validate: p.Validate,
		Run: func(ctx context.Context, x *engine.Execution) engine.Outcome {
			return p.Run(ctx, x, x.Inputs())
		},
	}, nil
}

// List returns every catalog entry sorted by identifier for a stable API
// response.
func (r *Registry) List() []Description {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Description, 0, len(r.procs))
	for _, p := range r.procs {
		d := p.Describe()
		d.ID = d.Name.String()
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

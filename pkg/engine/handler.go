package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/edgelift/edgelift/pkg/config"
	"github.com/edgelift/edgelift/pkg/retry"
)

// Request carries everything a step handler may consult. Outputs is the
// merged resource map of all previously completed steps, read fresh from the
// state store on each dispatch.
type Request struct {
	ProjectID string
	Region    string
	Config    *config.DeploymentConfig
	Outputs   map[string]string
}

// RequireOutput returns the named prior-step output, or a permanent error
// when a handler depends on something an earlier step never produced. That
// is a wiring defect, not a transient condition, and is never retried.
func (r Request) RequireOutput(key string) (string, error) {
	v, ok := r.Outputs[key]
	if !ok || v == "" {
		return "", NewPermanentError(
			fmt.Sprintf("required output %q was not produced by any prior step", key), nil).
			WithCode(ErrCodeMissingOutput)
	}
	return v, nil
}

// Handler executes one step of the deployment pipeline and returns the
// resource outputs it produced. Handlers must be idempotent: re-invocation
// after a partial prior failure (or a crash while in_progress) must detect
// already-existing resources and skip re-creating them rather than erroring
// or duplicating. The engine relies on this contract to re-run interrupted
// steps from scratch.
type Handler interface {
	Execute(ctx context.Context, req Request) (map[string]string, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req Request) (map[string]string, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, req Request) (map[string]string, error) {
	return f(ctx, req)
}

// StepClass selects the retry policy for a step. The classification is a
// static property of the registration, not inferred at runtime.
type StepClass string

const (
	// ClassDefault uses the moderate retry policy.
	ClassDefault StepClass = "default"

	// ClassCritical marks steps whose failure blocks everything
	// downstream: more attempts, shorter initial delay.
	ClassCritical StepClass = "critical"

	// ClassNetworkIntensive marks steps that wait on external
	// propagation: fewer attempts, longer initial delay.
	ClassNetworkIntensive StepClass = "network-intensive"
)

// Policy returns the retry policy for the class.
func (c StepClass) Policy() retry.Policy {
	switch c {
	case ClassCritical:
		return retry.Critical()
	case ClassNetworkIntensive:
		return retry.NetworkIntensive()
	default:
		return retry.Default()
	}
}

// StepSpec is one registered step of the fixed pipeline.
type StepSpec struct {
	// Name is the unique step key; also the dispatch key into the store.
	Name string

	// Class selects the retry policy.
	Class StepClass

	// SettleAfter is a fixed settling delay applied after the step
	// completes, to accommodate eventually-consistent side effects in the
	// external system before the next step starts. It is a flat wait,
	// independent of the retry policy.
	SettleAfter time.Duration

	// Handler performs the work.
	Handler Handler
}

// Registry is the ordered step table for one deployment type. Insertion
// order is execution order.
type Registry struct {
	specs []StepSpec
	index map[string]int
}

// NewRegistry builds a registry from specs, rejecting duplicates and
// unbound handlers.
func NewRegistry(specs ...StepSpec) (*Registry, error) {
	r := &Registry{index: make(map[string]int, len(specs))}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("step spec with empty name")
		}
		if spec.Handler == nil {
			return nil, fmt.Errorf("step %q has no handler", spec.Name)
		}
		if _, dup := r.index[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate step %q", spec.Name)
		}
		if spec.Class == "" {
			spec.Class = ClassDefault
		}
		r.index[spec.Name] = len(r.specs)
		r.specs = append(r.specs, spec)
	}
	if len(r.specs) == 0 {
		return nil, fmt.Errorf("registry requires at least one step")
	}
	return r, nil
}

// StepNames returns the step names in execution order.
func (r *Registry) StepNames() []string {
	names := make([]string, len(r.specs))
	for i, s := range r.specs {
		names[i] = s.Name
	}
	return names
}

// Lookup returns the spec registered under name.
func (r *Registry) Lookup(name string) (StepSpec, bool) {
	i, ok := r.index[name]
	if !ok {
		return StepSpec{}, false
	}
	return r.specs[i], true
}

// Len returns the number of registered steps.
func (r *Registry) Len() int {
	return len(r.specs)
}

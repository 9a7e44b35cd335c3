package dispatcher

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hupe1980/taskrelay/core"
	"github.com/hupe1980/taskrelay/logging"
	"github.com/hupe1980/taskrelay/worker"
)

// TaskSpec is what a Constructor receives to build the worker for one task.
type TaskSpec struct {
	TaskID     string
	UserID     string
	Capability string
	Steps      core.StepLog
	Logger     logging.Logger
}

// Constructor builds a worker configured for a single task.
type Constructor func(spec TaskSpec) (core.Worker, error)

// Registration binds a capability tag to the constructor of its workers.
type Registration struct {
	Capability  string
	Description string
	New         Constructor
}

// Registry is the immutable capability table assembled at startup.
type Registry struct {
	byTag map[string]Registration
	tags  []string
}

// NewRegistry validates and freezes regs. Tags must be unique and non-empty.
func NewRegistry(regs ...Registration) (*Registry, error) {
	r := &Registry{byTag: make(map[string]Registration, len(regs))}

	for _, reg := range regs {
		if reg.Capability == "" {
			return nil, errors.New("registration without capability tag")
		}
		if reg.New == nil {
			return nil, fmt.Errorf("capability %q: nil constructor", reg.Capability)
		}
		if _, dup := r.byTag[reg.Capability]; dup {
			return nil, fmt.Errorf("duplicate capability %q", reg.Capability)
		}

		r.byTag[reg.Capability] = reg
		r.tags = append(r.tags, reg.Capability)
	}

	sort.Strings(r.tags)

	return r, nil
}

// Lookup returns the registration for tag.
func (r *Registry) Lookup(tag string) (Registration, bool) {
	reg, ok := r.byTag[tag]
	return reg, ok
}

// Capabilities returns the registered tags in sorted order.
func (r *Registry) Capabilities() []string {
	return append([]string(nil), r.tags...)
}

// WorkerRegistration registers capability as served by worker.Worker
// instances driven by reasoner. The task's user, capability and logger are
// filled in per task after optFns ran.
func WorkerRegistration(capability string, reasoner worker.Reasoner, optFns ...func(o *worker.Options)) Registration {
	return Registration{
		Capability: capability,
		New: func(spec TaskSpec) (core.Worker, error) {
			fns := append([]func(o *worker.Options){}, optFns...)
			fns = append(fns, func(o *worker.Options) {
				o.Name = spec.Capability
				o.Capability = spec.Capability
				o.UserID = spec.UserID
				if o.Logger == nil {
					o.Logger = spec.Logger
				}
			})

			return worker.New(reasoner, spec.Steps, fns...), nil
		},
	}
}

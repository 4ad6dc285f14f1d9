// Package registry builds and caches the method table each agent type
// exposes to the dispatcher.
//
// The Java original this runtime descends from (see AnnotationUtil in the
// retrieved original sources) built this table by reflecting over annotated
// methods on every class, merged across interfaces and superclasses, once
// per concrete type and cached in a process-wide map. Go has no reflective
// annotation model, so the same "build once, cache, call fast" shape is
// expressed declaratively: an agent type that wants RPC-addressable methods
// implements Describer, and this package caches the resulting table the
// first time that role is seen.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/askcs/eve/pkg/security"
)

// Param describes one named parameter of an Operation.
type Param struct {
	Name     string
	Required bool

	// Validate, if set, runs against the bound value before Invoke is
	// called. Any of pkg/security's ArgValidator implementations satisfy
	// this signature via their Validate method.
	Validate func(value any) error
}

// Operation is one RPC-addressable method on an agent type. It is the Go
// analogue of the original's AnnotatedMethod plus its MethodHandle fast-call
// handle: Invoke is captured once, at Describe time, and carries no
// reflection cost on the hot path.
type Operation struct {
	// Name is the JSON-RPC method name.
	Name string

	// Params lists the named, by-name-bound parameters this operation
	// accepts. Ignored when RawParams is true.
	Params []Param

	// RawParams marks the escape hatch: the operation receives the whole
	// params object/array untouched instead of by-name binding.
	RawParams bool

	// Invoke runs the operation against a concrete agent instance. agent is
	// always the same value Describe() was called on.
	Invoke func(ctx context.Context, agent any, params map[string]any) (any, error)
}

// requiredKeys returns the set of required parameter names.
func (o Operation) requiredKeys() map[string]struct{} {
	req := make(map[string]struct{}, len(o.Params))
	for _, p := range o.Params {
		if p.Required {
			req[p.Name] = struct{}{}
		}
	}
	return req
}

func (o Operation) allowedKeys() map[string]struct{} {
	allowed := make(map[string]struct{}, len(o.Params))
	for _, p := range o.Params {
		allowed[p.Name] = struct{}{}
	}
	return allowed
}

// Describer is implemented by agent types that expose RPC-addressable
// operations. Describe is called once per role and its result cached;
// implementations should build and return a fresh table each call (the
// cache, not the callee, is responsible for reuse).
type Describer interface {
	Describe() []Operation
}

// Table is the cached, resolved method table for one agent role: a name to
// candidate-operations map ready for overload resolution at dispatch time.
type Table struct {
	Role       string
	candidates map[string][]Operation
}

// Lookup resolves a method name and a concrete params object to exactly one
// Operation, the way the dispatcher needs at call time. It never reflects or
// walks interfaces; all of that happened once in Build.
func (t *Table) Lookup(method string, params map[string]any) (Operation, error) {
	ops, ok := t.candidates[method]
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrMethodNotFound, method)
	}
	if len(ops) == 1 {
		return ops[0], nil
	}

	// Overload resolution: the supplied keys must be a subset of a
	// candidate's declared parameter names. Among the candidates that pass,
	// the one declaring the fewest parameters wins; a tie between equally
	// small candidates is ambiguous.
	var match *Operation
	best, ambiguous := 0, false
	for i := range ops {
		allowed := ops[i].allowedKeys()
		subset := true
		for k := range params {
			if _, ok := allowed[k]; !ok {
				subset = false
				break
			}
		}
		if !subset {
			continue
		}
		switch size := len(allowed); {
		case match == nil || size < best:
			match, best, ambiguous = &ops[i], size, false
		case size == best:
			ambiguous = true
		}
	}
	if match == nil {
		return Operation{}, fmt.Errorf("%w: %s", ErrMethodNotFound, method)
	}
	if ambiguous {
		return Operation{}, fmt.Errorf("%w: %s", ErrAmbiguousOverload, method)
	}
	return *match, nil
}

// ErrMethodNotFound and ErrAmbiguousOverload are returned by Lookup.
var (
	ErrMethodNotFound    = fmt.Errorf("method not found")
	ErrAmbiguousOverload = fmt.Errorf("ambiguous overload")
)

// cache is the process-wide table cache, one entry per role, built once.
// This mirrors AnnotationUtil.get's ConcurrentHashMap<String, AnnotatedClass>
// cache keyed by class name.
type cache struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

var defaultCache = &cache{tables: make(map[string]*Table)}

// Build returns the cached Table for role, constructing it from d.Describe()
// on first use. Later calls for the same role reuse the cached table even if
// a different instance of the same role is passed in.
func Build(role string, d Describer) (*Table, error) {
	return defaultCache.build(role, d)
}

func (c *cache) build(role string, d Describer) (*Table, error) {
	c.mu.RLock()
	if t, ok := c.tables[role]; ok {
		c.mu.RUnlock()
		return t, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tables[role]; ok {
		return t, nil
	}

	ops := d.Describe()
	candidates := make(map[string][]Operation, len(ops))
	for _, op := range ops {
		if err := security.ValidateToolName(op.Name); err != nil {
			return nil, fmt.Errorf("role %s: operation name %q: %w", role, op.Name, err)
		}
		candidates[op.Name] = append(candidates[op.Name], op)
	}

	// Construction-time overload validation: two operations that both
	// declare the exact same allowed-key set can never be disambiguated
	// at dispatch time.
	for name, group := range candidates {
		if len(group) < 2 {
			continue
		}
		seen := make([]map[string]struct{}, 0, len(group))
		for _, op := range group {
			allowed := op.allowedKeys()
			for _, other := range seen {
				if sameKeySet(allowed, other) {
					return nil, fmt.Errorf("role %s: method %s has ambiguous overloads with identical parameter sets", role, name)
				}
			}
			seen = append(seen, allowed)
		}
	}

	t := &Table{Role: role, candidates: candidates}
	c.tables[role] = t
	return t, nil
}

func sameKeySet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// Package instantiation implements the Instantiation Service: the
// persisted agent-entry table plus the two-phase boot protocol, grounded on
// original_source's InstantiationService.java and the teacher's
// DistributedRuntime.StartAgentsPhased.
package instantiation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/askcs/eve/agent"
	"github.com/askcs/eve/pkg/security"
	"github.com/askcs/eve/pkg/state"
)

// ErrNoEntry is returned by Init when no persisted entry exists for key.
var ErrNoEntry = errors.New("instantiation: no entry for key")

// restagent and askMgmt are the two fixed priority-set members woken
// synchronously in Phase A regardless of the entry table's contents.
const (
	restagent = "restagent"
	askMgmt   = "ask_mgmt"
)

const groupAgentSuffix = "_groupAgent"

// deferredPrefixes are round-2 prefixes within Phase B: these agents are
// woken only after every other Phase B entry has been attempted once, so
// subscribers don't observe events before their publishers exist.
var deferredPrefixes = []string{"notificationAgent_", "messageAgent_"}

// Factory builds a fresh, unstarted agent instance for a given key and
// class name, the stand-in for the original's reflective nullary-
// constructor + class loader resolution. key is the agent's own
// instantiation-table entry id, passed through so constructors can give
// the instance its own identity (agent.Agent.Name) without a second
// round trip through SetConfig.
type Factory func(key, className string) (agent.Agent, error)

// entry is the in-memory mirror of a persisted InstantiationEntry. handler
// is nil until the agent has been woken at least once in this process.
type entry struct {
	key       string
	className string
	params    []byte
	handler   agent.Agent
}

// Service is the Instantiation Service: a persisted entry table plus the
// machinery to wake entries into live agent.Agent instances, at most one
// live instance per key process-wide.
type Service struct {
	store   state.Store
	factory Factory

	mu      sync.Mutex
	entries map[string]*entry
	initMu  map[string]*sync.Mutex // per-key lock so concurrent Init serializes
}

// New constructs a Service and seeds its entry table with every id the
// State Service already knows about, mirroring the original's
// entries.put(key, null) seeding on load().
func New(ctx context.Context, store state.Store, factory Factory) (*Service, error) {
	s := &Service{
		store:   store,
		factory: factory,
		entries: make(map[string]*entry),
		initMu:  make(map[string]*sync.Mutex),
	}
	ids, err := store.Ids(ctx)
	if err != nil {
		return nil, fmt.Errorf("seed entry table: %w", err)
	}
	for _, id := range ids {
		s.entries[id] = nil
	}
	return s, nil
}

// record is the durable shape of an entry, the "persisted InstantiationEntry".
type record struct {
	ClassName string `json:"className"`
	Params    []byte `json:"params"`
}

// Register writes an entry to persistent storage, overwriting any existing
// entry under key. No live instance is created.
func (s *Service) Register(ctx context.Context, key, className string, params []byte) error {
	c, err := s.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get container for %s: %w", key, err)
	}
	rec := record{ClassName: className, Params: params}
	if err := c.Put(ctx, "entry", rec); err != nil {
		return fmt.Errorf("persist entry %s: %w", key, err)
	}

	s.mu.Lock()
	s.entries[key] = &entry{key: key, className: className, params: params}
	s.mu.Unlock()
	return nil
}

// RegisterSimple is the no-params convenience overload the original exposes
// as register(key, className) — an empty JSON object as params.
func (s *Service) RegisterSimple(ctx context.Context, key, className string) error {
	return s.Register(ctx, key, className, []byte("{}"))
}

// Deregister removes the entry and its backing per-key state. Idempotent.
func (s *Service) Deregister(ctx context.Context, key string) error {
	if err := s.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete state for %s: %w", key, err)
	}

	s.mu.Lock()
	if e := s.entries[key]; e != nil && e.handler != nil {
		_ = e.handler.Stop(ctx)
	}
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Exists reports whether an entry record exists, awake or not.
func (s *Service) Exists(ctx context.Context, key string) bool {
	s.mu.Lock()
	_, ok := s.entries[key]
	s.mu.Unlock()
	return ok
}

// Init returns the live instance for key, creating one if necessary.
// Returns ErrNoEntry if no persisted entry exists. Concurrent calls for the
// same key serialize: only one instantiation occurs, later callers observe
// its result.
func (s *Service) Init(ctx context.Context, key string, onBoot bool) (agent.Agent, error) {
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	e, seeded := s.entries[key]
	s.mu.Unlock()

	if e == nil {
		if !seeded {
			return nil, ErrNoEntry
		}
		loaded, err := s.load(ctx, key)
		if err != nil {
			return nil, err
		}
		if loaded == nil {
			return nil, ErrNoEntry
		}
		e = loaded
	}

	if e.handler != nil {
		return e.handler, nil
	}

	instance, err := s.factory(key, e.className)
	if err != nil {
		log.Printf("[InstantiationService] construct %s (class %s): %v", key, e.className, security.SanitizeError(err, false))
		return nil, nil
	}

	if cfg, ok := instance.(Configurable); ok {
		if err := cfg.SetConfig(e.params); err != nil {
			log.Printf("[InstantiationService] configure %s: %v", key, security.SanitizeError(err, false))
			return nil, nil
		}
	}

	if err := instance.Start(ctx); err != nil {
		log.Printf("[InstantiationService] start %s: %v", key, security.SanitizeError(err, false))
		return nil, nil
	}

	e.handler = instance
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()

	if err := s.persist(ctx, e); err != nil {
		log.Printf("[InstantiationService] persist %s: %v", key, security.SanitizeError(err, false))
	}

	return instance, nil
}

// Configurable is implemented by agents that accept injected params at
// construction, the Go shape of the original's setConfig.
type Configurable interface {
	SetConfig(params []byte) error
}

func (s *Service) load(ctx context.Context, key string) (*entry, error) {
	c, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get container for %s: %w", key, err)
	}
	var rec record
	if err := c.Get(ctx, "entry", &rec); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load entry %s: %w", key, err)
	}
	e := &entry{key: key, className: rec.ClassName, params: rec.Params}

	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return e, nil
}

func (s *Service) persist(ctx context.Context, e *entry) error {
	c, err := s.store.Get(ctx, e.key)
	if err != nil {
		return err
	}
	return c.Put(ctx, "entry", record{ClassName: e.className, Params: e.params})
}

func (s *Service) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.initMu[key]
	if !ok {
		l = &sync.Mutex{}
		s.initMu[key] = l
	}
	return l
}

// Boot runs the two-phase cold start: Phase A wakes the priority set
// synchronously on the calling goroutine; Phase B wakes everything else on
// a bounded worker pool, deferring notificationAgent_/messageAgent_ ids to
// a second round so subscribers never run before their publishers exist.
func (s *Service) Boot(ctx context.Context, workers int) error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	priority := s.prioritySet(keys)

	phaseACount := 0
	for k := range priority {
		inst, err := s.Init(ctx, k, true)
		if err != nil {
			if !errors.Is(err, ErrNoEntry) {
				log.Printf("[InstantiationService] phase A boot %s: %v", k, security.SanitizeError(err, false))
			}
			continue
		}
		if inst == nil {
			continue // construct/start failed; already logged inside Init
		}
		phaseACount++
	}
	log.Printf("[InstantiationService] phase A booted %d agents", phaseACount)

	var immediate, deferred []string
	for _, k := range keys {
		if _, skip := priority[k]; skip {
			continue
		}
		if suspicious(k) {
			log.Printf("[InstantiationService] skipping suspicious id %q", k)
			continue
		}
		if hasDeferredPrefix(k) {
			deferred = append(deferred, k)
			continue
		}
		immediate = append(immediate, k)
	}

	woken := 0
	bootRound := func(round []string) error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		var mu sync.Mutex
		for _, k := range round {
			k := k
			g.Go(func() error {
				inst, err := s.Init(gctx, k, true)
				if err != nil {
					log.Printf("[InstantiationService] phase B boot %s: %v", k, security.SanitizeError(err, false))
				}
				if inst == nil {
					return nil
				}
				mu.Lock()
				woken++
				if woken%100 == 0 {
					log.Printf("[InstantiationService] phase B progress: %d agents woken", woken)
				}
				mu.Unlock()
				return nil
			})
		}
		return g.Wait()
	}

	if err := bootRound(immediate); err != nil {
		return fmt.Errorf("phase B round 1: %w", err)
	}
	if err := bootRound(deferred); err != nil {
		return fmt.Errorf("phase B round 2: %w", err)
	}
	log.Printf("[InstantiationService] phase B complete: %d agents woken", woken)
	return nil
}

// prioritySet computes {"restagent", "ask_mgmt"} plus every "<k>_groupAgent"
// id whose stripped-prefix id k is also a known entry, together with k
// itself.
func (s *Service) prioritySet(keys []string) map[string]struct{} {
	known := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		known[k] = struct{}{}
	}

	priority := map[string]struct{}{
		restagent: {},
		askMgmt:   {},
	}
	for _, k := range keys {
		if !strings.HasSuffix(k, groupAgentSuffix) {
			continue
		}
		prefix := strings.TrimSuffix(k, groupAgentSuffix)
		if _, ok := known[prefix]; ok {
			priority[k] = struct{}{}
			priority[prefix] = struct{}{}
		}
	}
	return priority
}

func hasDeferredPrefix(key string) bool {
	for _, p := range deferredPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

func suspicious(key string) bool {
	return key == "" || strings.Contains(key, "{")
}

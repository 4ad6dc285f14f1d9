// Package host implements the Agent Host: the process-wide coordinator
// that owns the Instantiation Service, Callback Registry, Scheduler, and
// Event Bus, and routes inbound transport traffic to the right agent's
// Dispatcher, correlating outbound calls back to their callers.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/askcs/eve/agent"
	"github.com/askcs/eve/internal/callback"
	"github.com/askcs/eve/internal/dispatch"
	"github.com/askcs/eve/internal/instantiation"
	"github.com/askcs/eve/internal/obs"
	"github.com/askcs/eve/internal/pubsub"
	"github.com/askcs/eve/internal/registry"
	"github.com/askcs/eve/internal/scheduler"
	"github.com/askcs/eve/pkg/security"
	"github.com/askcs/eve/pkg/state"
	"github.com/askcs/eve/pkg/transport"
)

// sendFailureThreshold and sendBreakerReset bound how many consecutive
// Send failures against one transport trip its circuit breaker, and how
// long it stays open before the next call is let through as a probe.
const (
	sendFailureThreshold = 5
	sendBreakerReset     = 30 * time.Second
)

// Host is the Agent Host: the singleton every Transport delivers inbound
// traffic to and every Agent calls out through.
type Host struct {
	instantiation *instantiation.Service
	callbacks     *callback.Registry
	scheduler     *scheduler.Scheduler
	store         state.Store
	authorizor    dispatch.Authorizor

	defaultTimeout time.Duration
	methodTimeouts map[string]time.Duration
	rateLimiter    *security.ToolRateLimiter

	transports map[string]transport.Transport

	mu         sync.Mutex
	dispatcher map[string]*dispatch.Dispatcher     // role -> Dispatcher (one built per role, shared across instances)
	buses      map[string]*pubsub.Bus              // agentID -> its Event Bus
	breakers   map[string]*security.CircuitBreaker // transport name -> its outbound circuit breaker

	recvMu   sync.Mutex
	recvLock map[string]*sync.Mutex // agentID -> lock serializing Receive against that instance
}

// Option configures a Host at construction.
type Option func(*Host)

// WithAuthorizor overrides the default allow-all Authorizor applied to
// every agent's Dispatcher. Every role's Dispatcher is built lazily on
// first dispatch (see dispatcherFor), so this must be set before the
// first Receive call that touches a given role.
func WithAuthorizor(a dispatch.Authorizor) Option {
	return func(h *Host) { h.authorizor = a }
}

// WithDispatchTimeout bounds how long any single dispatch invocation may
// run, applied to every role's Dispatcher unless overridden by
// WithMethodTimeout.
func WithDispatchTimeout(timeout time.Duration) Option {
	return func(h *Host) { h.defaultTimeout = timeout }
}

// WithMethodTimeout overrides the invoke timeout for a single method name
// across every role (method names are assumed unique enough across the
// catalog for this to be meaningful; a role that doesn't declare method
// simply never matches it).
func WithMethodTimeout(method string, timeout time.Duration) Option {
	return func(h *Host) {
		if h.methodTimeouts == nil {
			h.methodTimeouts = make(map[string]time.Duration)
		}
		h.methodTimeouts[method] = timeout
	}
}

// WithRateLimiter attaches a shared per-method rate limiter to every
// role's Dispatcher.
func WithRateLimiter(rl *security.ToolRateLimiter) Option {
	return func(h *Host) { h.rateLimiter = rl }
}

// New builds a Host over store and factory, wiring an Instantiation
// Service, Callback Registry, and Scheduler.
func New(ctx context.Context, store state.Store, factory instantiation.Factory, opts ...Option) (*Host, error) {
	instSvc, err := instantiation.New(ctx, store, factory)
	if err != nil {
		return nil, fmt.Errorf("build instantiation service: %w", err)
	}

	h := &Host{
		instantiation: instSvc,
		callbacks:     callback.New(),
		store:         store,
		authorizor:    dispatch.AllowAll{},
		transports:    make(map[string]transport.Transport),
		dispatcher:    make(map[string]*dispatch.Dispatcher),
		buses:         make(map[string]*pubsub.Bus),
		breakers:      make(map[string]*security.CircuitBreaker),
		recvLock:      make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.scheduler = scheduler.New(store, h.deliverScheduledTask)
	return h, nil
}

// AddTransport registers a Transport under its own name. Call Boot after
// every transport has been added so Phase A agents can reach peers
// immediately on wake.
func (h *Host) AddTransport(t transport.Transport) {
	h.transports[t.Name()] = t
}

// Boot runs the Instantiation Service's two-phase cold start and arms any
// persisted scheduler tasks.
func (h *Host) Boot(ctx context.Context, bootWorkers int) error {
	if err := h.scheduler.Restore(ctx); err != nil {
		return fmt.Errorf("restore scheduled tasks: %w", err)
	}
	h.scheduler.Start()

	if err := h.instantiation.Boot(ctx, bootWorkers); err != nil {
		return fmt.Errorf("boot agents: %w", err)
	}
	return nil
}

// StartTransports starts every added Transport, delivering inbound traffic
// to Host.Receive. Blocks until ctx is done.
func (h *Host) StartTransports(ctx context.Context) error {
	g := make(chan error, len(h.transports))
	for _, t := range h.transports {
		t := t
		go func() { g <- t.Start(ctx, receiverFunc(h.Receive)) }()
	}
	for range h.transports {
		if err := <-g; err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops the scheduler and every transport.
func (h *Host) Shutdown(ctx context.Context) error {
	h.scheduler.Stop()
	for _, t := range h.transports {
		if err := t.Stop(ctx); err != nil {
			log.Printf("[AgentHost] stop transport %s: %v", t.Name(), security.SanitizeError(err, false))
		}
	}
	return nil
}

// receiverFunc adapts a plain function to transport.Receiver.
type receiverFunc func(ctx context.Context, in transport.Inbound) (json.RawMessage, error)

func (f receiverFunc) Receive(ctx context.Context, in transport.Inbound) (json.RawMessage, error) {
	return f(ctx, in)
}

// Receive delivers a JSON-RPC request to agentID and returns the
// JSON-encoded response, waking the agent via the Instantiation Service on
// a cold miss.
func (h *Host) Receive(ctx context.Context, in transport.Inbound) (json.RawMessage, error) {
	start := time.Now()
	ctx, span := obs.StartSpan(ctx, "host.receive")
	defer span.End()

	var req dispatch.Request
	if err := json.Unmarshal(in.Payload, &req); err != nil {
		resp := dispatch.Response{JSONRPC: "2.0", Error: &dispatch.RPCErr{Code: dispatch.CodeParseError, Message: "payload did not parse as JSON-RPC"}}
		return json.Marshal(resp)
	}

	inst, err := h.instantiation.Init(ctx, in.AgentID, false)
	if err != nil {
		resp := dispatch.Response{JSONRPC: "2.0", ID: req.ID, Error: &dispatch.RPCErr{Code: dispatch.CodeNotFound, Message: "agent not registered"}}
		return json.Marshal(resp)
	}
	if inst == nil {
		resp := dispatch.Response{JSONRPC: "2.0", ID: req.ID, Error: &dispatch.RPCErr{Code: dispatch.CodeInternalError, Message: "agent failed to start"}}
		return json.Marshal(resp)
	}

	d, err := h.dispatcherFor(inst)
	if err != nil {
		resp := dispatch.Response{JSONRPC: "2.0", ID: req.ID, Error: &dispatch.RPCErr{Code: dispatch.CodeInternalError, Message: err.Error()}}
		return json.Marshal(resp)
	}

	// Only one Dispatch call runs against a given agent instance at a
	// time: agents are free to hold unsynchronized mutable state across
	// operations (see counteragent's read-modify-write increment), the
	// same way a single-consumer queue would serialize delivery.
	lock := h.lockFor(in.AgentID)
	lock.Lock()
	resp := d.Dispatch(ctx, inst, in.Sender, req)
	lock.Unlock()

	status := "ok"
	if resp.Error != nil {
		status = string(resp.Error.Code)
	}
	obs.RecordDispatch(inst.Role(), req.Method, status, time.Since(start))

	return json.Marshal(resp)
}

// dispatcherFor returns the cached Dispatcher for inst's role, building one
// the first time that role is seen (an agent type's operation table is
// process-wide, per the registry's cache). The new Dispatcher carries
// whichever of authorizor, timeout, and rate-limit policy the Host was
// configured with.
func (h *Host) dispatcherFor(inst agent.Agent) (*dispatch.Dispatcher, error) {
	role := inst.Role()

	h.mu.Lock()
	d, ok := h.dispatcher[role]
	h.mu.Unlock()
	if ok {
		return d, nil
	}

	describer, ok := inst.(registry.Describer)
	if !ok {
		return nil, fmt.Errorf("agent role %s does not implement registry.Describer", role)
	}

	opts := []dispatch.Option{dispatch.WithAuthorizor(h.authorizor)}
	if h.defaultTimeout > 0 {
		opts = append(opts, dispatch.WithTimeout(h.defaultTimeout))
	}
	for method, timeout := range h.methodTimeouts {
		opts = append(opts, dispatch.WithMethodTimeout(method, timeout))
	}
	if h.rateLimiter != nil {
		opts = append(opts, dispatch.WithRateLimiter(h.rateLimiter))
	}

	d, err := dispatch.New(role, describer, opts...)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.dispatcher[role] = d
	h.mu.Unlock()
	return d, nil
}

// lockFor returns (creating if necessary) the mutex serializing Receive
// calls against agentID's live instance.
func (h *Host) lockFor(agentID string) *sync.Mutex {
	h.recvMu.Lock()
	defer h.recvMu.Unlock()
	l, ok := h.recvLock[agentID]
	if !ok {
		l = &sync.Mutex{}
		h.recvLock[agentID] = l
	}
	return l
}

// Send performs a synchronous outbound call: deliver payload to targetURL
// through transportName, blocking until the response is fulfilled or ctx
// is done.
func (h *Host) Send(ctx context.Context, transportName, targetURL string, payload json.RawMessage) (json.RawMessage, error) {
	t, ok := h.transports[transportName]
	if !ok {
		return nil, fmt.Errorf("unknown transport %q", transportName)
	}
	breaker := h.breakerFor(transportName)

	var result any
	err := breaker.Execute(func() error {
		var callErr error
		result, callErr = callback.Call(ctx, h.callbacks, func(tag string) error {
			resp, sendErr := t.Send(ctx, targetURL, payload, tag)
			if sendErr != nil {
				return sendErr
			}
			return h.callbacks.Resolve(tag, resp, nil)
		})
		return callErr
	})

	status := "ok"
	if err != nil {
		status = "error"
	}
	obs.RecordSend(status)

	if err != nil {
		return nil, err
	}
	raw, _ := result.(json.RawMessage)
	return raw, nil
}

// breakerFor returns (creating if necessary) the outbound circuit breaker
// guarding transportName, so a peer gone unresponsive can't pile up
// blocked Send calls against it.
func (h *Host) breakerFor(transportName string) *security.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.breakers[transportName]
	if !ok {
		b = security.NewCircuitBreaker(sendFailureThreshold, sendBreakerReset)
		h.breakers[transportName] = b
	}
	return b
}

// ResolveCallback fulfills a previously-installed PendingCall, the path a
// Transport's receive loop uses when it observes a response whose tag
// matches an outbound Send. A response with no matching tag is an
// out-of-band late reply and is silently dropped.
func (h *Host) ResolveCallback(tag string, result json.RawMessage, err error) {
	_ = h.callbacks.Resolve(tag, result, err)
}

// Register writes a persisted Instantiation Service entry. No live
// instance is created.
func (h *Host) Register(ctx context.Context, key, className string, params []byte) error {
	return h.instantiation.Register(ctx, key, className, params)
}

// Deregister removes an agent's entry and backing state.
func (h *Host) Deregister(ctx context.Context, key string) error {
	return h.instantiation.Deregister(ctx, key)
}

// BusFor returns (creating if necessary) the Event Bus for publisherID,
// wired to deliver callbacks via this Host's Send and to persist its
// subscription table under publisherID's own state.
func (h *Host) BusFor(ctx context.Context, publisherID string) (*pubsub.Bus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if b, ok := h.buses[publisherID]; ok {
		return b, nil
	}
	b, err := pubsub.NewPersistent(ctx, publisherID, h.store, h.deliverSubscriberCallback)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions for %s: %w", publisherID, err)
	}
	h.buses[publisherID] = b
	return b, nil
}

func (h *Host) deliverSubscriberCallback(ctx context.Context, subscriberURL, callbackMethod string, payload json.RawMessage) error {
	req := dispatch.Request{JSONRPC: "2.0", Method: callbackMethod, Params: payload}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = h.Send(ctx, "http", subscriberURL, body)
	status := "ok"
	if err != nil {
		status = "error"
	}
	obs.RecordFanout(status)
	return err
}

// CreateTask schedules request to be delivered to agentID as a self-RPC
// after delay, via the Scheduler.
func (h *Host) CreateTask(ctx context.Context, agentID string, request json.RawMessage, delay time.Duration) (string, error) {
	return h.scheduler.CreateTask(ctx, agentID, request, delay)
}

// CancelTask cancels a previously-created task. Idempotent.
func (h *Host) CancelTask(ctx context.Context, agentID, taskID string) error {
	return h.scheduler.CancelTask(ctx, agentID, taskID)
}

// deliverScheduledTask synthesizes the scheduler's local self-RPC: a
// receive(agentId, request, nil, freshTag) against this same process.
func (h *Host) deliverScheduledTask(ctx context.Context, agentID string, request json.RawMessage) error {
	resp, err := h.Receive(ctx, transport.Inbound{AgentID: agentID, Payload: request})
	status := "ok"
	if err != nil {
		status = "error"
	} else {
		var parsed dispatch.Response
		if json.Unmarshal(resp, &parsed) == nil && parsed.Error != nil {
			status = "error"
		}
	}
	obs.RecordTaskFired(status)
	return err
}

// Package dispatch resolves and invokes JSON-RPC 2.0 requests against a
// hosted agent's declared operations (see internal/registry), the way
// pkg/mcp's Server.CallTool resolves and invokes a named tool: look up the
// target, consult an authorization hook, bind parameters by name, run with
// a bounded timeout, and map the result (or failure) onto a client-safe
// envelope.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/askcs/eve/internal/registry"
	"github.com/askcs/eve/pkg/security"
)

// Request is a JSON-RPC 2.0 request object. Params stays raw JSON until
// dispatch decodes it: into a map[string]any for by-name binding, or, for
// the raw-params escape hatch (registry.Operation.RawParams), into the
// parsed value of any JSON shape, not only objects.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`
}

// Response is a JSON-RPC 2.0 response object. Exactly one of Result/Error
// is populated.
type Response struct {
	JSONRPC string  `json:"jsonrpc"`
	Result  any     `json:"result,omitempty"`
	Error   *RPCErr `json:"error,omitempty"`
	ID      any     `json:"id,omitempty"`
}

// RPCErr is the wire representation of an Error.
type RPCErr struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Authorizor is consulted before every dispatch with the target method name
// and the caller's identity (however the transport chooses to represent it,
// e.g. a principal id or an empty string for unauthenticated callers).
// Returning ok=false produces CodeNotAuthorized; this package carries no
// authorization policy of its own. The returned context replaces ctx for
// the rest of the dispatch, letting an Authorizor that authenticates the
// caller (see security.DispatchAuthorizor) attach the resolved principal
// so Invoke can read it back with security.GetPrincipal.
type Authorizor interface {
	Authorize(ctx context.Context, method, senderID string) (context.Context, bool)
}

// AllowAll is the default Authorizor: every call is permitted, the caller's
// context unchanged. Explicit, named, and meant for development or agents
// with no access control requirement.
type AllowAll struct{}

func (AllowAll) Authorize(ctx context.Context, _, _ string) (context.Context, bool) { return ctx, true }

// Dispatcher resolves and invokes the declared operations of one agent
// role. The Host builds and caches one Dispatcher per role and passes the
// target instance to Dispatch on each call.
type Dispatcher struct {
	table       *registry.Table
	authorizor  Authorizor
	timeouts    *security.TimeoutManager
	rateLimiter *security.ToolRateLimiter
}

// Option configures a Dispatcher at construction.
type Option func(*Dispatcher)

// WithAuthorizor overrides the default allow-all Authorizor.
func WithAuthorizor(a Authorizor) Option {
	return func(d *Dispatcher) { d.authorizor = a }
}

// WithTimeout bounds how long a single Invoke call may run by default. Zero
// disables the bound (the default). Use WithMethodTimeout to override the
// bound for a specific method.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeouts = security.NewTimeoutManager(timeout) }
}

// WithMethodTimeout overrides the invoke timeout for a single method,
// without needing to call WithTimeout first.
func WithMethodTimeout(method string, timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if d.timeouts == nil {
			d.timeouts = security.NewTimeoutManager(0)
		}
		d.timeouts.SetToolTimeout(method, timeout)
	}
}

// WithRateLimiter attaches a per-method rate limiter. A method with no
// configured limit (security.ToolRateLimiter.SetToolLimit was never called
// for it) is never throttled.
func WithRateLimiter(rl *security.ToolRateLimiter) Option {
	return func(d *Dispatcher) { d.rateLimiter = rl }
}

// New builds a Dispatcher for one agent role, resolving the
// role's declarative operation table (built once, cached — see
// internal/registry).
func New(role string, describer registry.Describer, opts ...Option) (*Dispatcher, error) {
	table, err := registry.Build(role, describer)
	if err != nil {
		return nil, fmt.Errorf("build operation table for role %s: %w", role, err)
	}
	d := &Dispatcher{table: table, authorizor: AllowAll{}}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch resolves req against agent's operations and invokes it,
// returning a Response that is always safe to serialize back to the
// caller — failures are carried in Response.Error, never as a Go error.
func (d *Dispatcher) Dispatch(ctx context.Context, agentInstance any, senderID string, req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}

	if req.JSONRPC != "" && req.JSONRPC != "2.0" {
		return withError(resp, newError(CodeInvalidRequest, "unsupported jsonrpc version", nil))
	}
	if req.Method == "" {
		return withError(resp, newError(CodeInvalidRequest, "method is required", nil))
	}

	params, rawParams, err := decodeParams(req.Params)
	if err != nil {
		return withError(resp, newError(CodeParseError, "params did not parse as JSON", err))
	}

	op, err := d.table.Lookup(req.Method, params)
	if err != nil {
		return withError(resp, newError(CodeMethodNotFound, err.Error(), nil))
	}

	authCtx, ok := d.authorizor.Authorize(ctx, req.Method, senderID)
	if !ok {
		return withError(resp, newError(CodeNotAuthorized, "caller is not authorized to invoke "+req.Method, nil))
	}
	ctx = authCtx

	if d.rateLimiter != nil && !d.rateLimiter.Allow(req.Method) {
		return withError(resp, newError(CodeRateLimit, "rate limit exceeded for "+req.Method, nil))
	}

	bound, err := bindParams(op, params, rawParams)
	if err != nil {
		return withError(resp, newError(CodeInvalidParams, err.Error(), nil))
	}

	invokeCtx := ctx
	var cancel context.CancelFunc
	if d.timeouts != nil {
		if timeout := d.timeouts.GetTimeout(req.Method); timeout > 0 {
			invokeCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	result, err := invoke(invokeCtx, op, agentInstance, bound)
	if err != nil {
		var domainErr *Error
		if errors.As(err, &domainErr) {
			return withError(resp, domainErr)
		}
		if invokeCtx.Err() != nil {
			return withError(resp, newError(CodeTimeout, "operation timed out", err))
		}
		return withError(resp, newError(CodeInternalError, "operation failed", err))
	}

	resp.Result = result
	return resp
}

func invoke(ctx context.Context, op registry.Operation, agentInstance any, params map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return op.Invoke(ctx, agentInstance, params)
}

func withError(resp Response, e *Error) Response {
	resp.Error = &RPCErr{Code: e.Code, Message: e.Message}
	return resp
}

// decodeParams parses the raw params payload into a map suitable for
// by-name binding, plus the raw decoded value for RawParams operations
// (which may legitimately be an array or scalar, not just an object).
func decodeParams(raw json.RawMessage) (map[string]any, any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil, nil
	}
	var rawVal any
	if err := json.Unmarshal(raw, &rawVal); err != nil {
		return nil, nil, err
	}
	if obj, ok := rawVal.(map[string]any); ok {
		return obj, rawVal, nil
	}
	return map[string]any{}, rawVal, nil
}

// bindParams validates required/optional named parameters are present and,
// for the raw-params escape hatch, substitutes the whole decoded value
// under a single conventional key so Invoke closures have one calling
// convention regardless of shape.
func bindParams(op registry.Operation, params map[string]any, rawValue any) (map[string]any, error) {
	if op.RawParams {
		return map[string]any{"_raw": rawValue}, nil
	}

	bound := make(map[string]any, len(op.Params))
	for _, p := range op.Params {
		v, ok := params[p.Name]
		if !ok {
			if p.Required {
				return nil, fmt.Errorf("missing required parameter %q", p.Name)
			}
			continue
		}
		if p.Validate != nil {
			if err := p.Validate(v); err != nil {
				return nil, fmt.Errorf("parameter %q: %w", p.Name, err)
			}
		}
		bound[p.Name] = v
	}
	return bound, nil
}

// CoerceString converts a string-typed parameter value (as arrives from a
// GET query string, see pkg/transport/httptransport) into the JSON-native
// type dispatch would have produced had the caller sent a real JSON-RPC
// params object: numbers and booleans parse, everything else stays a
// string.
func CoerceString(s string) any {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

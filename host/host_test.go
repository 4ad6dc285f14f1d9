package host

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/askcs/eve/agent"
	"github.com/askcs/eve/examples/counteragent"
	"github.com/askcs/eve/examples/pingagent"
	"github.com/askcs/eve/internal/dispatch"
	"github.com/askcs/eve/pkg/state"
	"github.com/askcs/eve/pkg/state/filestate"
	"github.com/askcs/eve/pkg/transport"
)

func newTestHost(t *testing.T) (*Host, state.Store) {
	t.Helper()
	store, err := filestate.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	factory := func(key, className string) (agent.Agent, error) {
		switch className {
		case "pingAgent":
			return pingagent.New(key), nil
		case "counterAgent":
			return counteragent.New(key, store), nil
		default:
			return nil, fmt.Errorf("unknown class %s", className)
		}
	}

	h, err := New(context.Background(), store, factory)
	require.NoError(t, err)
	return h, store
}

func rpcRequest(t *testing.T, method string, params any) json.RawMessage {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		require.NoError(t, err)
		raw = b
	}
	req := dispatch.Request{JSONRPC: "2.0", Method: method, Params: raw, ID: 1}
	b, err := json.Marshal(req)
	require.NoError(t, err)
	return b
}

func TestReceiveColdWakesRegisteredAgentAndDispatches(t *testing.T) {
	h, _ := newTestHost(t)
	ctx := context.Background()

	require.NoError(t, h.Register(ctx, "ping-1", "pingAgent", []byte("{}")))

	out, err := h.Receive(ctx, transport.Inbound{AgentID: "ping-1", Payload: rpcRequest(t, "ping", map[string]any{"message": "hi"})})
	require.NoError(t, err)

	var resp dispatch.Response
	require.NoError(t, json.Unmarshal(out, &resp))
	require.Nil(t, resp.Error)
	require.Equal(t, "hi", resp.Result)
}

func TestReceiveMissingRequiredParamReturnsInvalidParams(t *testing.T) {
	h, _ := newTestHost(t)
	ctx := context.Background()
	require.NoError(t, h.Register(ctx, "ping-1", "pingAgent", []byte("{}")))

	out, err := h.Receive(ctx, transport.Inbound{AgentID: "ping-1", Payload: rpcRequest(t, "ping", nil)})
	require.NoError(t, err)

	var resp dispatch.Response
	require.NoError(t, json.Unmarshal(out, &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, dispatch.CodeInvalidParams, resp.Error.Code)
}

func TestReceiveUnregisteredAgentReturnsNotFound(t *testing.T) {
	h, _ := newTestHost(t)
	out, err := h.Receive(context.Background(), transport.Inbound{AgentID: "nope", Payload: rpcRequest(t, "ping", nil)})
	require.NoError(t, err)

	var resp dispatch.Response
	require.NoError(t, json.Unmarshal(out, &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, dispatch.CodeNotFound, resp.Error.Code)
}

func TestReceiveCounterAgentIncrementPersistsThroughStore(t *testing.T) {
	h, _ := newTestHost(t)
	ctx := context.Background()
	require.NoError(t, h.Register(ctx, "counter-1", "counterAgent", []byte("{}")))

	_, err := h.Receive(ctx, transport.Inbound{AgentID: "counter-1", Payload: rpcRequest(t, "increment", map[string]any{"by": 3})})
	require.NoError(t, err)

	out, err := h.Receive(ctx, transport.Inbound{AgentID: "counter-1", Payload: rpcRequest(t, "get", nil)})
	require.NoError(t, err)

	var resp dispatch.Response
	require.NoError(t, json.Unmarshal(out, &resp))
	require.Nil(t, resp.Error)
	require.EqualValues(t, 3, resp.Result)
}

func TestReceiveSerializesConcurrentCallsToSameAgentInstance(t *testing.T) {
	h, _ := newTestHost(t)
	ctx := context.Background()
	require.NoError(t, h.Register(ctx, "counter-1", "counterAgent", []byte("{}")))

	const calls = 50
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Receive(ctx, transport.Inbound{AgentID: "counter-1", Payload: rpcRequest(t, "increment", map[string]any{"by": 1})})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	out, err := h.Receive(ctx, transport.Inbound{AgentID: "counter-1", Payload: rpcRequest(t, "get", nil)})
	require.NoError(t, err)
	var resp dispatch.Response
	require.NoError(t, json.Unmarshal(out, &resp))
	require.EqualValues(t, calls, resp.Result)
}

func TestBootWakesRegisteredAgents(t *testing.T) {
	h, _ := newTestHost(t)
	ctx := context.Background()
	require.NoError(t, h.Register(ctx, "restagent", "pingAgent", []byte("{}")))

	require.NoError(t, h.Boot(ctx, 2))

	out, err := h.Receive(ctx, transport.Inbound{AgentID: "restagent", Payload: rpcRequest(t, "ping", map[string]any{"message": "hi"})})
	require.NoError(t, err)
	var resp dispatch.Response
	require.NoError(t, json.Unmarshal(out, &resp))
	require.Equal(t, "hi", resp.Result)
}

// loopbackTransport answers every Send directly against a Host's own
// Receive, simulating a zero-latency request-response wire.
type loopbackTransport struct {
	host *Host
}

func (l *loopbackTransport) Name() string { return "http" }
func (l *loopbackTransport) Start(ctx context.Context, receiver transport.Receiver) error {
	<-ctx.Done()
	return nil
}
func (l *loopbackTransport) Stop(ctx context.Context) error { return nil }
func (l *loopbackTransport) Send(ctx context.Context, targetURL string, payload json.RawMessage, tag string) (json.RawMessage, error) {
	return l.host.Receive(ctx, transport.Inbound{AgentID: targetURL, Payload: payload})
}

func TestSendRoundTripsThroughCallbackRegistry(t *testing.T) {
	h, _ := newTestHost(t)
	ctx := context.Background()
	require.NoError(t, h.Register(ctx, "ping-1", "pingAgent", []byte("{}")))
	h.AddTransport(&loopbackTransport{host: h})

	result, err := h.Send(ctx, "http", "ping-1", rpcRequest(t, "ping", map[string]any{"message": "hi"}))
	require.NoError(t, err)

	var resp dispatch.Response
	require.NoError(t, json.Unmarshal(result, &resp))
	require.Equal(t, "hi", resp.Result)
}

func TestCreateTaskDeliversScheduledSelfRPC(t *testing.T) {
	h, _ := newTestHost(t)
	ctx := context.Background()
	require.NoError(t, h.Register(ctx, "counter-1", "counterAgent", []byte("{}")))
	h.scheduler.Start()
	defer h.scheduler.Stop()

	_, err := h.CreateTask(ctx, "counter-1", rpcRequest(t, "increment", nil), 10*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		out, err := h.Receive(ctx, transport.Inbound{AgentID: "counter-1", Payload: rpcRequest(t, "get", nil)})
		if err != nil {
			return false
		}
		var resp dispatch.Response
		if json.Unmarshal(out, &resp) != nil || resp.Error != nil {
			return false
		}
		n, ok := resp.Result.(float64)
		return ok && n == 1
	}, time.Second, 10*time.Millisecond)
}

func TestBusForReturnsSameBusForSamePublisher(t *testing.T) {
	h, _ := newTestHost(t)
	ctx := context.Background()
	b1, err := h.BusFor(ctx, "pub-1")
	require.NoError(t, err)
	b2, err := h.BusFor(ctx, "pub-1")
	require.NoError(t, err)
	require.Same(t, b1, b2)
}

func TestBusForPersistsSubscriptionsToPublisherState(t *testing.T) {
	h, store := newTestHost(t)
	ctx := context.Background()

	b1, err := h.BusFor(ctx, "pub-1")
	require.NoError(t, err)
	require.NoError(t, b1.Subscribe(ctx, "sub-1", "ping", "onPing"))

	c, err := store.Get(ctx, "pub-1")
	require.NoError(t, err)
	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	require.Contains(t, keys, "subscriptions")
}

package httptransport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/askcs/eve/internal/dispatch"
	"github.com/askcs/eve/pkg/security"
	"github.com/askcs/eve/pkg/transport"
)

func jsonBody(s string) io.Reader { return strings.NewReader(s) }

type fakeReceiver struct {
	lastIn transport.Inbound
}

func (f *fakeReceiver) Receive(ctx context.Context, in transport.Inbound) (json.RawMessage, error) {
	f.lastIn = in
	var req dispatch.Request
	_ = json.Unmarshal(in.Payload, &req)
	resp := dispatch.Response{JSONRPC: "2.0", Result: req.Method, ID: req.ID}
	return json.Marshal(resp)
}

func newTestEngine(t *testing.T, receiver transport.Receiver) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	tr := &Transport{}
	engine.POST("/agents/:id/", tr.handlePost(receiver))
	engine.GET("/agents/:id/:method", tr.handleGet(receiver))
	return engine
}

func TestPostWithEmptyBodyIsInvalidRequest(t *testing.T) {
	engine := newTestEngine(t, &fakeReceiver{})

	req := httptest.NewRequest(http.MethodPost, "/agents/ping-1/", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp dispatch.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, dispatch.CodeInvalidRequest, resp.Error.Code)
}

func TestPostWithBodyReachesReceiver(t *testing.T) {
	receiver := &fakeReceiver{}
	engine := newTestEngine(t, receiver)

	body := `{"jsonrpc":"2.0","method":"ping","params":{}}`
	req := httptest.NewRequest(http.MethodPost, "/agents/ping-1/", jsonBody(body))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ping-1", receiver.lastIn.AgentID)
	require.NotEmpty(t, receiver.lastIn.Tag)
}

func TestPostRejectedWhenRateLimitExhausted(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	tr := &Transport{cfg: Config{Limiter: security.NewRateLimiter(0, 1)}}
	engine.POST("/agents/:id/", tr.handlePost(&fakeReceiver{}))

	body := `{"jsonrpc":"2.0","method":"ping","params":{}}`
	req := httptest.NewRequest(http.MethodPost, "/agents/ping-1/", jsonBody(body))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/agents/ping-1/", jsonBody(body))
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var resp dispatch.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, dispatch.CodeRateLimit, resp.Error.Code)
}

func TestGetSynthesizesParamsFromQueryString(t *testing.T) {
	receiver := &fakeReceiver{}
	engine := newTestEngine(t, receiver)

	req := httptest.NewRequest(http.MethodGet, "/agents/counter-1/increment?by=5", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var sentReq dispatch.Request
	require.NoError(t, json.Unmarshal(receiver.lastIn.Payload, &sentReq))
	require.Equal(t, "increment", sentReq.Method)

	var params map[string]any
	require.NoError(t, json.Unmarshal(sentReq.Params, &params))
	require.Equal(t, 5.0, params["by"])
}

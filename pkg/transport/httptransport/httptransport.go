// Package httptransport implements transport.Transport on gin, the HTTP
// carrier RestServlet.java originally provided: POST with a JSON-RPC body
// is the canonical call form, GET with a query string synthesizes params
// from k=v pairs.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/askcs/eve/internal/dispatch"
	"github.com/askcs/eve/pkg/security"
	"github.com/askcs/eve/pkg/transport"
)

// Config configures a Transport instance. CORSOrigins empty means no CORS
// middleware is attached. Limiter is nil by default, meaning no inbound
// throttling beyond whatever the Host's own dispatch rate limits apply.
type Config struct {
	Addr        string
	CORSOrigins []string
	Limiter     *security.RateLimiter
}

// Transport is the gin-based HTTP carrier.
type Transport struct {
	cfg    Config
	engine *gin.Engine
	server *http.Server

	client *http.Client
}

// New builds a Transport bound to cfg.Addr, unstarted.
func New(cfg Config) *Transport {
	gin.SetMode(gin.ReleaseMode)
	return &Transport{cfg: cfg, client: &http.Client{Timeout: 30 * time.Second}}
}

func (t *Transport) Name() string { return "http" }

// Start wires the POST/GET routes onto a gin engine and serves until ctx is
// done or Stop is called.
func (t *Transport) Start(ctx context.Context, receiver transport.Receiver) error {
	engine := gin.New()
	engine.Use(gin.Recovery())
	if len(t.cfg.CORSOrigins) > 0 {
		engine.Use(cors.New(cors.Config{
			AllowOrigins: t.cfg.CORSOrigins,
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Origin", "Content-Type"},
		}))
	}

	engine.POST("/agents/:id/", t.handlePost(receiver))
	engine.GET("/agents/:id/:method", t.handleGet(receiver))
	t.engine = engine

	t.server = &http.Server{Addr: t.cfg.Addr, Handler: engine}

	errCh := make(chan error, 1)
	go func() { errCh <- t.server.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		return t.Stop(context.Background())
	}
}

func (t *Transport) Stop(ctx context.Context) error {
	if t.server == nil {
		return nil
	}
	return t.server.Shutdown(ctx)
}

// handlePost implements POST /agents/{id}/ with a JSON-RPC body. An empty
// body is a protocol error, matching the original servlet's rejection of
// bodies that don't parse as a JSON-RPC request.
func (t *Transport) handlePost(receiver transport.Receiver) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !t.allow(c) {
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil || len(bytes.TrimSpace(body)) == 0 {
			c.JSON(http.StatusBadRequest, errorEnvelope(dispatch.CodeInvalidRequest, "request body is required"))
			return
		}

		in := transport.Inbound{
			AgentID: c.Param("id"),
			Payload: body,
			Sender:  c.ClientIP(),
			Tag:     uuid.NewString(),
		}

		result, err := receiver.Receive(c.Request.Context(), in)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorEnvelope(dispatch.CodeInternalError, err.Error()))
			return
		}

		c.Data(http.StatusOK, "application/json", result)
	}
}

// handleGet implements GET /agents/{id}/{method}?k=v, synthesizing
// {method, params: {k: coerced-v, ...}}.
func (t *Transport) handleGet(receiver transport.Receiver) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !t.allow(c) {
			return
		}

		params := map[string]any{}
		for k, vs := range c.Request.URL.Query() {
			if len(vs) > 0 {
				params[k] = dispatch.CoerceString(vs[0])
			}
		}

		req := dispatch.Request{
			JSONRPC: "2.0",
			Method:  c.Param("method"),
		}
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorEnvelope(dispatch.CodeInternalError, err.Error()))
			return
		}
		req.Params = paramsJSON

		body, err := json.Marshal(req)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorEnvelope(dispatch.CodeInternalError, err.Error()))
			return
		}

		in := transport.Inbound{
			AgentID: c.Param("id"),
			Payload: body,
			Sender:  c.ClientIP(),
			Tag:     uuid.NewString(),
		}

		result, err := receiver.Receive(c.Request.Context(), in)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorEnvelope(dispatch.CodeInternalError, err.Error()))
			return
		}

		c.Data(http.StatusOK, "application/json", result)
	}
}

// Send POSTs payload to targetURL, the full peer endpoint, and returns the
// peer's response body — the JSON-RPC response to the request just sent.
func (t *Transport) Send(ctx context.Context, targetURL string, payload json.RawMessage, tag string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build outbound request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Eve-Tag", tag)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send to %s: %w", targetURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", targetURL, err)
	}
	return body, nil
}

// allow enforces the transport-level rate limit, keyed by client IP, ahead
// of any per-method limit the dispatcher applies further in. Writes the
// 429 response itself and returns false when the caller should stop.
func (t *Transport) allow(c *gin.Context) bool {
	if t.cfg.Limiter == nil {
		return true
	}
	if t.cfg.Limiter.Allow(c.ClientIP()) {
		return true
	}
	c.JSON(http.StatusTooManyRequests, errorEnvelope(dispatch.CodeRateLimit, "too many requests"))
	return false
}

func errorEnvelope(code dispatch.Code, message string) dispatch.Response {
	return dispatch.Response{
		JSONRPC: "2.0",
		Error:   &dispatch.RPCErr{Code: code, Message: message},
	}
}

// Package grpctransport implements transport.Transport on gRPC, so agents
// can be addressed across processes — the "other wire carriers" §6 leaves
// open beyond the HTTP example surface.
package grpctransport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/askcs/eve/pkg/transport"
)

// Config configures a Transport instance.
type Config struct {
	Addr string
}

// Transport is the gRPC-based carrier.
type Transport struct {
	cfg      Config
	server   *grpc.Server
	listener net.Listener

	mu      sync.Mutex
	clients map[string]EveTransportClient
	conns   map[string]*grpc.ClientConn
}

// New builds a Transport bound to cfg.Addr, unstarted.
func New(cfg Config) *Transport {
	return &Transport{
		cfg:     cfg,
		clients: make(map[string]EveTransportClient),
		conns:   make(map[string]*grpc.ClientConn),
	}
}

func (t *Transport) Name() string { return "grpc" }

// Start listens on cfg.Addr, serving every inbound Dispatch call to
// receiver, until ctx is done or Stop is called.
func (t *Transport) Start(ctx context.Context, receiver transport.Receiver) error {
	lis, err := net.Listen("tcp", t.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", t.cfg.Addr, err)
	}
	t.listener = lis

	t.server = grpc.NewServer()
	RegisterEveTransportServer(t.server, &server{receiver: receiver})

	errCh := make(chan error, 1)
	go func() { errCh <- t.server.Serve(lis) }()

	select {
	case err := <-errCh:
		if err != nil && err != grpc.ErrServerStopped {
			return err
		}
		return nil
	case <-ctx.Done():
		return t.Stop(context.Background())
	}
}

// Stop gracefully stops the gRPC server and closes any outbound
// connections opened by Send.
func (t *Transport) Stop(ctx context.Context) error {
	if t.server != nil {
		t.server.GracefulStop()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, conn := range t.conns {
		_ = conn.Close()
	}
	t.conns = make(map[string]*grpc.ClientConn)
	t.clients = make(map[string]EveTransportClient)
	return nil
}

// Send dials (or reuses a cached connection to) targetURL, delivers payload
// via a Dispatch call, and returns the carrier's response payload.
func (t *Transport) Send(ctx context.Context, targetURL string, payload json.RawMessage, tag string) (json.RawMessage, error) {
	client, err := t.clientFor(targetURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", targetURL, err)
	}
	resp, err := client.Dispatch(ctx, &DispatchRequest{Payload: payload, Tag: tag})
	if err != nil {
		return nil, fmt.Errorf("dispatch to %s: %w", targetURL, err)
	}
	return resp.Payload, nil
}

func (t *Transport) clientFor(targetURL string) (EveTransportClient, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[targetURL]; ok {
		return c, nil
	}

	conn, err := grpc.NewClient(targetURL, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	client := NewEveTransportClient(conn)
	t.conns[targetURL] = conn
	t.clients[targetURL] = client
	return client, nil
}

// server adapts a transport.Receiver to EveTransportServer.
type server struct {
	UnimplementedEveTransportServer
	receiver transport.Receiver
}

func (s *server) Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResponse, error) {
	result, err := s.receiver.Receive(ctx, transport.Inbound{
		AgentID: req.AgentID,
		Payload: req.Payload,
		Sender:  req.Sender,
		Tag:     req.Tag,
	})
	if err != nil {
		return nil, err
	}
	return &DispatchResponse{Payload: result}, nil
}

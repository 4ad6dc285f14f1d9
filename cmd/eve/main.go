package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/askcs/eve/agent"
	"github.com/askcs/eve/examples/counteragent"
	"github.com/askcs/eve/examples/pingagent"
	"github.com/askcs/eve/host"
	"github.com/askcs/eve/internal/instantiation"
	"github.com/askcs/eve/internal/obs"
	"github.com/askcs/eve/pkg/eveconfig"
	"github.com/askcs/eve/pkg/security"
	"github.com/askcs/eve/pkg/state"
	"github.com/askcs/eve/pkg/state/filestate"
	"github.com/askcs/eve/pkg/state/redisstate"
	"github.com/askcs/eve/pkg/transport"
	"github.com/askcs/eve/pkg/transport/grpctransport"
	"github.com/askcs/eve/pkg/transport/httptransport"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "eve",
		Short: "eve runs the agent host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(configFile)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", getEnv("CONFIG_FILE", "config/host.yaml"), "Host configuration file")
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the eve version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
			return nil
		},
	}
}

// phaseBanner prints a colorized boot-phase banner to stdout via fatih/color,
// bold cyan for visibility against the plain log.Printf lines around it.
var phaseBanner = color.New(color.FgCyan, color.Bold).PrintfFunc()

func runHost(configFile string) error {
	phaseBanner("==> starting eve agent host v%s\n", Version)

	cfg, err := eveconfig.LoadHostConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config %s: %w", configFile, err)
	}
	log.Printf("Loaded config %s: service=%s state=%s", configFile, cfg.ServiceName, cfg.State.Backend)

	if err := obs.InitTracing(obs.TracingConfig{
		ServiceName:  cfg.ServiceName,
		Exporter:     cfg.TraceExport,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	obs.InitMetrics()

	store, err := buildStore(cfg.State)
	if err != nil {
		return fmt.Errorf("build state store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := host.New(ctx, store, newAgentFactory(store), hostOptions(cfg.Security)...)
	if err != nil {
		return fmt.Errorf("build host: %w", err)
	}

	for _, a := range cfg.Agents {
		params, err := json.Marshal(a.Params)
		if err != nil {
			return fmt.Errorf("marshal params for agent %s: %w", a.Key, err)
		}
		if err := h.Register(ctx, a.Key, a.ClassName, params); err != nil {
			return fmt.Errorf("register agent %s: %w", a.Key, err)
		}
	}

	for _, tc := range cfg.Transports {
		t, err := buildTransport(tc)
		if err != nil {
			return fmt.Errorf("build transport %s: %w", tc.Class, err)
		}
		h.AddTransport(t)
	}

	healthChecker := obs.NewHealthChecker()
	healthChecker.Register(obs.Check{
		Name:     "state-backend",
		Critical: true,
		Run: func(ctx context.Context) error {
			_, err := store.Ids(ctx)
			return err
		},
	})

	obsServer := obs.NewServer(cfg.ObsPort, healthChecker)
	errCh := make(chan error, 2)
	go func() {
		log.Printf("Starting observability server on :%d", cfg.ObsPort)
		if err := obsServer.Start(); err != nil {
			errCh <- fmt.Errorf("observability server error: %w", err)
		}
	}()

	if err := h.Boot(ctx, cfg.BootWorkers); err != nil {
		return fmt.Errorf("boot agent host: %w", err)
	}
	phaseBanner("==> boot complete, starting transports\n")

	go func() {
		if err := h.StartTransports(ctx); err != nil {
			errCh <- fmt.Errorf("transport error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Printf("Error: %v", err)
	case <-quit:
		log.Println("Shutting down eve agent host...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := h.Shutdown(shutdownCtx); err != nil {
		log.Printf("host shutdown error: %v", err)
	}
	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("observability server shutdown error: %v", err)
	}
	if err := obs.ShutdownTracing(shutdownCtx); err != nil {
		log.Printf("tracing shutdown error: %v", err)
	}

	log.Println("eve agent host stopped")
	return nil
}

// hostOptions translates a SecurityConfig into the host.Option values that
// actually enforce it. With no apiKeys entries the Host keeps its
// allow-all default, matching a local/dev deployment; anything listing
// keys gets a real DispatchAuthorizor. Whatever timeout and rate-limit
// policy the config names applies either way.
func hostOptions(cfg eveconfig.SecurityConfig) []host.Option {
	var opts []host.Option

	if len(cfg.APIKeys) > 0 {
		authn := security.NewAPIKeyAuthenticator()
		authz := security.NewRBACAuthorizer()
		for role, perms := range cfg.RolePermissions {
			for _, p := range perms {
				authz.AddRolePermission(role, security.Permission(p))
			}
		}
		for _, k := range cfg.APIKeys {
			if !security.IsValidAPIKeyFormat(k.Key) {
				log.Printf("security: configured key for principal %s does not look like a well-formed API key, registering it anyway", k.ID)
			}
			authn.AddKey(k.Key, &security.Principal{ID: k.ID, Name: k.Name, Roles: k.Roles})
			log.Printf("security: registered key %s for principal %s (roles: %v)", security.MaskSecret(k.Key), k.ID, k.Roles)
		}
		opts = append(opts, host.WithAuthorizor(&security.DispatchAuthorizor{
			Authenticator: authn,
			Authorizer:    authz,
			Resource:      "eve",
			AdminPrefix:   cfg.AdminPrefix,
		}))
	}

	if cfg.DefaultTimeout > 0 {
		opts = append(opts, host.WithDispatchTimeout(cfg.DefaultTimeout))
	}
	for method, timeout := range cfg.MethodTimeouts {
		opts = append(opts, host.WithMethodTimeout(method, timeout))
	}

	if len(cfg.RateLimits) > 0 {
		rl := security.NewToolRateLimiter()
		for method, lim := range cfg.RateLimits {
			rl.SetToolLimit(method, lim.RequestsPerSecond, lim.Burst)
		}
		opts = append(opts, host.WithRateLimiter(rl))
	}

	return opts
}

// newAgentFactory maps a persisted entry's className to a constructor. A
// production deployment with a wider agent catalog would look this up
// through a registry keyed by className instead of a switch; the example
// catalog here is deliberately small.
func newAgentFactory(store state.Store) instantiation.Factory {
	return func(key, className string) (agent.Agent, error) {
		switch className {
		case "pingAgent":
			return pingagent.New(key), nil
		case "counterAgent":
			return counteragent.New(key, store), nil
		default:
			return nil, fmt.Errorf("unknown agent class %q", className)
		}
	}
}

func buildStore(cfg eveconfig.StateConfig) (state.Store, error) {
	switch cfg.Backend {
	case "file":
		return filestate.New(cfg.Dir)
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redisstate.New(redis.NewClient(opts)), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

func buildTransport(cfg eveconfig.TransportConfig) (transport.Transport, error) {
	switch cfg.Class {
	case "http":
		var limiter *security.RateLimiter
		if cfg.RateLimit != nil {
			limiter = security.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
		}
		return httptransport.New(httptransport.Config{Addr: cfg.Addr, Limiter: limiter}), nil
	case "grpc":
		return grpctransport.New(grpctransport.Config{Addr: cfg.Addr}), nil
	default:
		return nil, fmt.Errorf("unknown transport class %q", cfg.Class)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

package eveconfig

import (
	"fmt"
	"time"
)

// AgentEntry is one statically-registered agent in a HostConfig, the
// config-file shape of an Instantiation Service Register call.
type AgentEntry struct {
	Key       string `yaml:"key"`
	ClassName string `yaml:"className"`
	Params    Raw    `yaml:"params"`
}

// StateConfig selects and configures the State Service backend.
type StateConfig struct {
	// Backend is "file" or "redis".
	Backend  string `yaml:"backend"`
	Dir      string `yaml:"dir"`
	RedisURL string `yaml:"redisUrl"`
}

// TransportConfig configures one Transport surface.
type TransportConfig struct {
	// Class discriminates the transport kind ("http" or "grpc"), the Go
	// analogue of ProtocolConfig's class discriminator field.
	Class string `yaml:"class"`
	Addr  string `yaml:"addr"`

	// RateLimit, if set, throttles inbound requests per client address
	// before they ever reach the Host. Only the http transport currently
	// applies it.
	RateLimit *RateLimitConfig `yaml:"rateLimit"`
}

// APIKeyConfig registers one bearer key with the Authenticator and the
// roles it authenticates as, the config-file shape of a
// security.APIKeyAuthenticator.AddKey call.
type APIKeyConfig struct {
	Key   string   `yaml:"key"`
	ID    string   `yaml:"id"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// RateLimitConfig configures a token-bucket limit: for a single dispatch
// method under SecurityConfig (the config-file shape of a
// security.ToolRateLimiter.SetToolLimit call), or per client address as
// TransportConfig.RateLimit.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// SecurityConfig configures the Host's dispatch Authorizor, invoke
// timeouts, and per-method rate limits. A zero-value SecurityConfig (no
// apiKeys entries) leaves the Host on its allow-all default, matching the
// original's NoAuthAuthenticator posture for local/dev use; production
// deployments should list at least one key.
type SecurityConfig struct {
	// APIKeys, if non-empty, replaces the default allow-all Authorizor
	// with a security.DispatchAuthorizor backed by these keys and
	// RolePermissions.
	APIKeys []APIKeyConfig `yaml:"apiKeys"`

	// RolePermissions maps a role name to the permissions it grants,
	// e.g. {"operator": ["read", "execute"]}. Roles not listed here carry
	// no permissions. The RBACAuthorizer's built-in "admin"/"user"/
	// "readonly" defaults still apply underneath these.
	RolePermissions map[string][]string `yaml:"rolePermissions"`

	// AdminPrefix marks methods that require the admin permission instead
	// of execute, e.g. "admin_" for "admin_shutdown".
	AdminPrefix string `yaml:"adminPrefix"`

	// DefaultTimeout bounds every dispatch invocation when no
	// MethodTimeouts entry overrides it. Zero disables the bound.
	DefaultTimeout time.Duration `yaml:"defaultTimeout"`

	// MethodTimeouts overrides DefaultTimeout for specific methods.
	MethodTimeouts map[string]time.Duration `yaml:"methodTimeouts"`

	// RateLimits configures a per-method token bucket. A method absent
	// from this map is never throttled.
	RateLimits map[string]RateLimitConfig `yaml:"rateLimits"`
}

// HostConfig is the top-level document cmd/eve loads to boot the Agent
// Host: state backend, transports, statically registered agents, dispatch
// security policy, and worker pool sizing for Phase B boot.
type HostConfig struct {
	ServiceName  string            `yaml:"serviceName"`
	State        StateConfig       `yaml:"state"`
	Transports   []TransportConfig `yaml:"transports"`
	Agents       []AgentEntry      `yaml:"agents"`
	Security     SecurityConfig    `yaml:"security"`
	BootWorkers  int               `yaml:"bootWorkers"`
	ObsPort      int               `yaml:"obsPort"`
	TraceExport  string            `yaml:"traceExporter"`
	OTLPEndpoint string            `yaml:"otlpEndpoint"`
}

// Validate checks the fields LoadHostConfig can't sensibly default.
func (c *HostConfig) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("serviceName is required")
	}
	switch c.State.Backend {
	case "file":
		if c.State.Dir == "" {
			return fmt.Errorf("state.dir is required for the file backend")
		}
	case "redis":
		if c.State.RedisURL == "" {
			return fmt.Errorf("state.redisUrl is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown state backend %q", c.State.Backend)
	}
	if c.BootWorkers <= 0 {
		c.BootWorkers = 8
	}
	return nil
}

// LoadHostConfig loads path (resolving its extends chain) and decodes it
// into a validated HostConfig.
func LoadHostConfig(path string) (*HostConfig, error) {
	raw, err := Load(path)
	if err != nil {
		return nil, err
	}
	var cfg HostConfig
	if err := Decode(raw, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

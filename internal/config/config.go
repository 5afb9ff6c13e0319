// Package config loads the daemon's bootstrap configuration (spec §8
// ambient stack): listen address, control-plane store endpoint, the
// embedding/chat provider settings, and the package-install gate.
//
// Grounded on the teacher's go.mod pairing of github.com/go-sphere/confstore
// (typed config load from a local file, JSON-decoded) with
// github.com/TBXark/optional-go's Optional[T] for the handful of knobs that
// need "absent means inherit the built-in default" semantics, the same role
// the teacher's ClientConfigOptions gives PanicIfInvalid/LogEnabled. Anything
// confstore doesn't cover (env var overlay) follows paths.go's env-first
// resolution style.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-sphere/confstore"
	optional "github.com/TBXark/optional-go"

	"github.com/metamcp/metamcp-core/internal/installer"
	"github.com/metamcp/metamcp-core/internal/model"
)

// ProviderConfig configures one chat or embedding provider adapter.
type ProviderConfig struct {
	APIKey  string `json:"apiKey"`
	Model   string `json:"model"`
	BaseURL string `json:"baseURL,omitempty"` // set => OpenAI-compatible local server, not Gemini
}

// Config is metamcpd's bootstrap configuration.
type Config struct {
	ListenAddr        string   `json:"listenAddr"`
	AdminListenAddr   string   `json:"adminListenAddr"`
	ControlPlaneURL   string   `json:"controlPlaneURL"`
	ControlPlaneToken string   `json:"controlPlaneToken"`
	AdminTokens       []string `json:"adminTokens,omitempty"`
	ServerName        string   `json:"serverName"`
	ServerVersion     string   `json:"serverVersion"`

	ChatProvider  ProviderConfig `json:"chatProvider"`
	EmbedProvider ProviderConfig `json:"embedProvider"`

	// DefaultMaxToolCalls/DefaultExposeLimit override model.DefaultMaxToolCalls/
	// model.DefaultExposeLimit when set; Optional[T] lets the config file
	// distinguish "not configured" (use the built-in default) from a
	// configured value. A configured value still passes through
	// ClampMaxToolCalls/ClampExposeLimit, so an explicit 0 or negative value
	// also resolves to the built-in default.
	DefaultMaxToolCalls optional.Optional[int] `json:"defaultMaxToolCalls,omitempty"`
	DefaultExposeLimit  optional.Optional[int] `json:"defaultExposeLimit,omitempty"`

	PackageInstallEnabled bool `json:"packageInstallEnabled"`
}

const (
	defaultListenAddr      = ":8080"
	defaultAdminListenAddr = ":8081"
	defaultServerName      = "metamcp"
	defaultServerVersion   = "0.1.0"
)

// envOverrides names the environment variables that overlay the loaded file,
// mirroring paths.go's env-first precedence (env wins over file).
const (
	envListenAddr          = "METAMCP_LISTEN_ADDR"
	envAdminListenAddr     = "METAMCP_ADMIN_LISTEN_ADDR"
	envControlPlaneURL     = "METAMCP_CONTROL_PLANE_URL"
	envControlPlaneToken   = "METAMCP_CONTROL_PLANE_TOKEN"
	envChatAPIKey          = "METAMCP_CHAT_API_KEY"
	envEmbedAPIKey         = "METAMCP_EMBED_API_KEY"
	envDefaultMaxToolCalls = "METAMCP_DEFAULT_MAX_TOOL_CALLS"
	envDefaultExposeLimit  = "METAMCP_DEFAULT_EXPOSE_LIMIT"
)

// Load reads path as JSON via confstore, applies built-in defaults for any
// unset field, then overlays environment variables.
func Load(path string) (*Config, error) {
	cfg, err := confstore.Load[Config](path)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyDefaults(c *Config) {
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = defaultListenAddr
	}
	if strings.TrimSpace(c.AdminListenAddr) == "" {
		c.AdminListenAddr = defaultAdminListenAddr
	}
	if strings.TrimSpace(c.ServerName) == "" {
		c.ServerName = defaultServerName
	}
	if strings.TrimSpace(c.ServerVersion) == "" {
		c.ServerVersion = defaultServerVersion
	}
}

func applyEnvOverrides(c *Config) {
	if v := strings.TrimSpace(os.Getenv(envListenAddr)); v != "" {
		c.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(envAdminListenAddr)); v != "" {
		c.AdminListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(envControlPlaneURL)); v != "" {
		c.ControlPlaneURL = v
	}
	if v := strings.TrimSpace(os.Getenv(envControlPlaneToken)); v != "" {
		c.ControlPlaneToken = v
	}
	if v := strings.TrimSpace(os.Getenv(envChatAPIKey)); v != "" {
		c.ChatProvider.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(envEmbedAPIKey)); v != "" {
		c.EmbedProvider.APIKey = v
	}
	if _, ok := os.LookupEnv(envDefaultMaxToolCalls); ok {
		c.DefaultMaxToolCalls = optional.New(envInt(envDefaultMaxToolCalls, model.DefaultMaxToolCalls))
	}
	if _, ok := os.LookupEnv(envDefaultExposeLimit); ok {
		c.DefaultExposeLimit = optional.New(envInt(envDefaultExposeLimit, model.DefaultExposeLimit))
	}
	if v, ok := os.LookupEnv(installer.EnableEnvVar); ok {
		c.PackageInstallEnabled = envEnabled(v)
	}
}

// ResolvedMaxToolCalls applies DefaultMaxToolCalls over model's built-in
// default, then model.ClampMaxToolCalls's upper bound.
func (c *Config) ResolvedMaxToolCalls(requested int) int {
	if requested > 0 {
		return model.ClampMaxToolCalls(requested)
	}
	if v, ok := c.DefaultMaxToolCalls.Get(); ok {
		return model.ClampMaxToolCalls(v)
	}
	return model.DefaultMaxToolCalls
}

// ResolvedExposeLimit mirrors ResolvedMaxToolCalls for the expose-tools cap.
func (c *Config) ResolvedExposeLimit(requested int) int {
	if requested > 0 {
		return model.ClampExposeLimit(requested)
	}
	if v, ok := c.DefaultExposeLimit.Get(); ok {
		return model.ClampExposeLimit(v)
	}
	return model.DefaultExposeLimit
}

// envEnabled parses the same truthy vocabulary as internal/installer's gate
// (§5/§6), reused here for PackageInstallEnabled's env override.
func envEnabled(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func envInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

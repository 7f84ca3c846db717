package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort        = 8080
	defaultUpstreamURL = "https://backend.raycast.com"
	defaultOpenAIURL   = "https://api.openai.com/v1"
	defaultGeminiURL   = "https://generativelanguage.googleapis.com"
	defaultMaxTokens   = 1024
	defaultTemperature = 0.5
)

// Config represents the gateway configuration. Values come from an optional
// YAML file overlaid with environment variables; the environment wins.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Providers ProvidersConfig `yaml:"providers"`
	Auth      AuthConfig      `yaml:"auth"`
	Chat      ChatConfig      `yaml:"chat"`
}

// ServerConfig defines listener configuration. When both CertFile and
// KeyFile are set the server terminates TLS itself.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// UpstreamConfig points at the real vendor API that pass-through
// requests are forwarded to.
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"`
}

// ProvidersConfig catalogues upstream model backends. Exactly one backend is
// activated per process, decided by which credential is present.
type ProvidersConfig struct {
	OpenAI OpenAIConfig `yaml:"openai"`
	Gemini GeminiConfig `yaml:"gemini"`
}

// OpenAIConfig captures authentication and routing info for the OpenAI backend.
type OpenAIConfig struct {
	APIKey  string  `yaml:"api_key"`
	BaseURL string  `yaml:"base_url"`
	Headers Headers `yaml:"headers"`
}

// GeminiConfig captures authentication and routing info for the Gemini backend.
type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Headers contains additional HTTP headers to send with a backend request.
type Headers map[string]string

// AuthConfig controls the allow-list gate. An empty list disables the gate.
type AuthConfig struct {
	AllowedUsers []string `yaml:"allowed_users"`
}

// ChatConfig tunes completion requests sent to the active backend.
type ChatConfig struct {
	ForceModel  string  `yaml:"force_model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// Load builds the configuration from an optional YAML file and the process
// environment, then validates the result. An empty path means environment
// and defaults only.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	if err := cfg.applyEnv(environ()); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Server:   ServerConfig{Port: defaultPort},
		Upstream: UpstreamConfig{BaseURL: defaultUpstreamURL},
		Providers: ProvidersConfig{
			OpenAI: OpenAIConfig{BaseURL: defaultOpenAIURL},
			Gemini: GeminiConfig{BaseURL: defaultGeminiURL},
		},
		Chat: ChatConfig{
			MaxTokens:   defaultMaxTokens,
			Temperature: defaultTemperature,
		},
	}
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// applyEnv overlays recognised environment variables onto the configuration.
func (c *Config) applyEnv(env map[string]string) error {
	if v, ok := env["PORT"]; ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT %q is not a number: %w", v, err)
		}
		c.Server.Port = port
	}
	if v, ok := env["CERT_FILE"]; ok && v != "" {
		c.Server.CertFile = v
	}
	if v, ok := env["KEY_FILE"]; ok && v != "" {
		c.Server.KeyFile = v
	}
	if v, ok := env["UPSTREAM_URL"]; ok && v != "" {
		c.Upstream.BaseURL = v
	}
	if v, ok := env["OPENAI_API_KEY"]; ok && v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v, ok := env["OPENAI_BASE_URL"]; ok && v != "" {
		c.Providers.OpenAI.BaseURL = v
	}
	if v, ok := env["GEMINI_API_KEY"]; ok && v != "" {
		c.Providers.Gemini.APIKey = v
	}
	if v, ok := env["GOOGLE_API_KEY"]; ok && v != "" {
		c.Providers.Gemini.APIKey = v
	}
	if v, ok := env["GEMINI_BASE_URL"]; ok && v != "" {
		c.Providers.Gemini.BaseURL = v
	}
	if v, ok := env["ALLOWED_USERS"]; ok && v != "" {
		c.Auth.AllowedUsers = splitList(v)
	}
	if v, ok := env["FORCE_MODEL"]; ok && v != "" {
		c.Chat.ForceModel = v
	}
	if v, ok := env["MAX_TOKENS"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_TOKENS %q is not a number: %w", v, err)
		}
		c.Chat.MaxTokens = n
	}
	if v, ok := env["TEMPERATURE"]; ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("TEMPERATURE %q is not a number: %w", v, err)
		}
		c.Chat.Temperature = f
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		return fmt.Errorf("server.cert_file and server.key_file must be set together")
	}
	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		return fmt.Errorf("upstream.base_url must be provided")
	}
	if !strings.HasPrefix(c.Upstream.BaseURL, "http://") && !strings.HasPrefix(c.Upstream.BaseURL, "https://") {
		return fmt.Errorf("upstream.base_url %q must be an absolute http(s) URL", c.Upstream.BaseURL)
	}
	if c.Chat.MaxTokens <= 0 {
		return fmt.Errorf("chat.max_tokens must be positive, got %d", c.Chat.MaxTokens)
	}
	if c.Chat.Temperature < 0 || c.Chat.Temperature > 2 {
		return fmt.Errorf("chat.temperature must be within [0, 2], got %v", c.Chat.Temperature)
	}

	for headerKey := range c.Providers.OpenAI.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("providers.openai: header %q is not a valid canonical HTTP header", headerKey)
		}
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}

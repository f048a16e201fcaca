package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration for the MetaHuman core server.
type Config struct {
	Port    int
	Version string

	// Root is the installation root. Profiles live under
	// <Root>/profiles, system state under <Root>/state and <Root>/logs.
	Root string

	// BaseModel is the default base model referenced by generated
	// Modelfiles. METAHUMAN_BASE_MODEL overrides it.
	BaseModel string

	// HighSecurity forces emulation mode and read-only operation.
	HighSecurity bool

	// WetwareDeceased disables dual-consciousness mode.
	WetwareDeceased bool

	// HeadlessRuntime pauses all non-essential agents.
	HeadlessRuntime bool

	// CrossOriginCookies switches the session cookie to
	// SameSite=None; Secure for mobile clients on another origin.
	CrossOriginCookies bool

	ModelServer ModelServerConfig
	Telemetry   TelemetryConfig
}

type ModelServerConfig struct {
	Endpoint string
	Timeout  time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:               envInt("METAHUMAN_PORT", 3310),
		Version:            envStr("METAHUMAN_VERSION", "0.9.0"),
		Root:               envStr("METAHUMAN_ROOT", defaultRoot()),
		BaseModel:          envStr("METAHUMAN_BASE_MODEL", "llama3.1:8b"),
		HighSecurity:       envBool("HIGH_SECURITY", false),
		WetwareDeceased:    envBool("WETWARE_DECEASED", false),
		HeadlessRuntime:    envBool("HEADLESS_RUNTIME", false),
		CrossOriginCookies: envBool("METAHUMAN_CROSS_ORIGIN_COOKIES", false),
		ModelServer: ModelServerConfig{
			Endpoint: envStr("OLLAMA_ENDPOINT", "http://localhost:11434"),
			Timeout:  envDur("OLLAMA_TIMEOUT", 120*time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "metahuman-core"),
		},
	}
}

func defaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".metahuman"
	}
	return filepath.Join(home, ".metahuman")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

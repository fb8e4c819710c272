// Package config loads server configuration. Precedence, highest first:
// real environment variables, a .env file in the working directory, an
// optional YAML config file, then built-in defaults.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable the server reads at startup.
type Config struct {
	// HTTP
	ListenAddr string

	// Relational database. When PostgresURI is empty the server falls back
	// to an embedded SQLite file.
	PostgresURI  string
	SQLitePath   string
	PoolSize     int
	PoolOverflow int
	PoolTimeout  time.Duration
	PoolRecycle  time.Duration

	// Providers
	LLMAPIBase       string
	LLMAPIKey        string
	EmbeddingAPIBase string
	EmbeddingAPIKey  string

	// Audit
	AuditDir                string
	AuditRealtimeMonitoring bool

	// Agent loop
	MaxStepsPerTurn int
	TurnDeadline    time.Duration
	DefaultTopK     int
}

// fileConfig is the YAML file shape. Every field is optional; set fields
// act as defaults underneath the environment.
type fileConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	Database struct {
		PostgresURI        string `yaml:"pg_uri"`
		SQLitePath         string `yaml:"sqlite_path"`
		PoolSize           int    `yaml:"pool_size"`
		MaxOverflow        int    `yaml:"max_overflow"`
		PoolTimeoutSeconds int    `yaml:"pool_timeout_seconds"`
		PoolRecycleSeconds int    `yaml:"pool_recycle_seconds"`
	} `yaml:"database"`

	Providers struct {
		LLMAPIBase       string `yaml:"llm_api_base"`
		LLMAPIKey        string `yaml:"llm_api_key"`
		EmbeddingAPIBase string `yaml:"embedding_api_base"`
		EmbeddingAPIKey  string `yaml:"embedding_api_key"`
	} `yaml:"providers"`

	Audit struct {
		Dir                string `yaml:"dir"`
		RealtimeMonitoring *bool  `yaml:"realtime_monitoring"`
	} `yaml:"audit"`

	Agent struct {
		MaxStepsPerTurn     int `yaml:"max_steps_per_turn"`
		TurnDeadlineSeconds int `yaml:"turn_deadline_seconds"`
		DefaultTopK         int `yaml:"default_top_k"`
	} `yaml:"agent"`
}

// Load reads configuration from the environment, a .env file, and an
// optional YAML file named by CORTEX_CONFIG (default cortex.yaml). A
// missing file is fine; a malformed one is ignored rather than fatal.
func Load() Config {
	_ = godotenv.Load() // missing .env is fine

	f := loadFile(getString("CORTEX_CONFIG", "cortex.yaml"))

	return Config{
		ListenAddr: getString("LISTEN_ADDR", orString(f.ListenAddr, ":8283")),

		PostgresURI:  getString("PG_URI", f.Database.PostgresURI),
		SQLitePath:   getString("SQLITE_PATH", orString(f.Database.SQLitePath, "cortex.db")),
		PoolSize:     getInt("DB_POOL_SIZE", orInt(f.Database.PoolSize, 10)),
		PoolOverflow: getInt("DB_MAX_OVERFLOW", orInt(f.Database.MaxOverflow, 5)),
		PoolTimeout:  getSeconds("DB_POOL_TIMEOUT", secondsOr(f.Database.PoolTimeoutSeconds, 30*time.Second)),
		PoolRecycle:  getSeconds("DB_POOL_RECYCLE", secondsOr(f.Database.PoolRecycleSeconds, 5*time.Minute)),

		LLMAPIBase:       getString("LLM_API_BASE", f.Providers.LLMAPIBase),
		LLMAPIKey:        getString("LLM_API_KEY", f.Providers.LLMAPIKey),
		EmbeddingAPIBase: getString("EMBEDDING_API_BASE", f.Providers.EmbeddingAPIBase),
		EmbeddingAPIKey:  getString("EMBEDDING_API_KEY", f.Providers.EmbeddingAPIKey),

		AuditDir:                getString("AUDIT_DIR", orString(f.Audit.Dir, "./logs")),
		AuditRealtimeMonitoring: getBool("AUDIT_ENABLE_REALTIME_MONITORING", orBool(f.Audit.RealtimeMonitoring, true)),

		MaxStepsPerTurn: getInt("MAX_STEPS_PER_TURN", orInt(f.Agent.MaxStepsPerTurn, 8)),
		TurnDeadline:    getSeconds("PER_TURN_DEADLINE_SECONDS", secondsOr(f.Agent.TurnDeadlineSeconds, 120*time.Second)),
		DefaultTopK:     getInt("DEFAULT_TOP_K", orInt(f.Agent.DefaultTopK, 3)),
	}
}

// loadFile parses the YAML config file. Missing or unreadable files yield
// the zero value so every default still applies.
func loadFile(path string) fileConfig {
	var f fileConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return f
	}
	_ = yaml.Unmarshal(raw, &f)
	return f
}

func orString(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func orInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func orBool(v *bool, fallback bool) bool {
	if v != nil {
		return *v
	}
	return fallback
}

func secondsOr(v int, fallback time.Duration) time.Duration {
	if v != 0 {
		return time.Duration(v) * time.Second
	}
	return fallback
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Second
}

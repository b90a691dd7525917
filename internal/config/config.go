package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port         int
	MasterSecret string
	GinMode      string
	TLSCertFile  string
	TLSKeyFile   string
	TokenExpiry  time.Duration
	LogLevel     string

	// StoreDriver is one of sqlite, postgres or memory. DatabaseURL is the
	// SQLite file or the Postgres DSN; StateFile backs the memory store.
	StoreDriver        string
	DatabaseURL        string
	StateFile          string
	StoreRetryAttempts int

	CompletionProvider  string
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	OpenAIModel         string
	GeminiAPIKey        string
	GeminiModel         string
	CompletionTimeout   time.Duration
	CompletionMaxTokens int

	RedisAddr     string
	RedisPassword string

	CheckInInterval     time.Duration
	ReceiveTimeout      time.Duration
	RegisterTimeout     time.Duration
	ReportWindow        time.Duration
	ReportMaxSamples    int
	HistoryReplayLimit  int
	ContextMessages     int
	MergeThreshold      int
	NoiseThreshold      time.Duration
	WSConnectsPerMinute int
}

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// layeredEnv prefers the process environment and falls back to values read
// from the config file.
type layeredEnv struct {
	primary Env
	file    map[string]string
}

func (l layeredEnv) Getenv(key string) string {
	if v := l.primary.Getenv(key); v != "" {
		return v
	}
	return l.file[key]
}

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

// Load reads the optional YAML file at path, then applies env on top.
func Load(path string, env Env) (Config, error) {
	if env == nil {
		env = osEnv{}
	}
	if path == "" {
		return LoadConfigFromEnv(env)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	file, err := parseFile(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return LoadConfigFromEnv(layeredEnv{primary: env, file: file})
}

// parseFile accepts a flat mapping of the environment keys, e.g.
//
//	PORT: 3000
//	store_driver: postgres
func parseFile(data []byte) (map[string]string, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		switch v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("key %s: nested values are not supported", k)
		}
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:                3000,
		GinMode:             "release",
		TokenExpiry:         7 * 24 * time.Hour,
		LogLevel:            "info",
		StoreDriver:         StoreSQLite,
		StoreRetryAttempts:  3,
		CompletionProvider:  ProviderOpenAI,
		OpenAIBaseURL:       "https://api.openai.com/v1",
		OpenAIModel:         "gpt-4o-mini",
		GeminiModel:         "gemini-1.5-flash",
		CompletionTimeout:   100 * time.Second,
		CompletionMaxTokens: 300,
		CheckInInterval:     300 * time.Second,
		ReceiveTimeout:      10 * time.Second,
		RegisterTimeout:     30 * time.Second,
		ReportWindow:        900 * time.Second,
		ReportMaxSamples:    50,
		HistoryReplayLimit:  100,
		ContextMessages:     20,
		MergeThreshold:      5,
		NoiseThreshold:      10 * time.Second,
		WSConnectsPerMinute: 30,
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	setString(env, "GIN_MODE", &cfg.GinMode)
	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")
	setString(env, "LOG_LEVEL", &cfg.LogLevel)

	seconds := []struct {
		key string
		dst *time.Duration
	}{
		{"TOKEN_EXPIRY_SECONDS", &cfg.TokenExpiry},
		{"COMPLETION_TIMEOUT_SECONDS", &cfg.CompletionTimeout},
		{"CHECK_IN_INTERVAL_SECONDS", &cfg.CheckInInterval},
		{"RECEIVE_TIMEOUT_SECONDS", &cfg.ReceiveTimeout},
		{"REGISTER_TIMEOUT_SECONDS", &cfg.RegisterTimeout},
		{"REPORT_WINDOW_SECONDS", &cfg.ReportWindow},
		{"NOISE_SECONDS", &cfg.NoiseThreshold},
	}
	for _, s := range seconds {
		if err := setSeconds(env, s.key, s.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"COMPLETION_MAX_TOKENS", &cfg.CompletionMaxTokens},
		{"REPORT_MAX_SAMPLES", &cfg.ReportMaxSamples},
		{"HISTORY_REPLAY_LIMIT", &cfg.HistoryReplayLimit},
		{"CONTEXT_MESSAGES", &cfg.ContextMessages},
		{"MERGE_THRESHOLD", &cfg.MergeThreshold},
		{"STORE_RETRY_ATTEMPTS", &cfg.StoreRetryAttempts},
		{"WS_CONNECTS_PER_MINUTE", &cfg.WSConnectsPerMinute},
	}
	for _, i := range ints {
		if err := setPositiveInt(env, i.key, i.dst); err != nil {
			return Config{}, err
		}
	}

	setString(env, "STORE_DRIVER", &cfg.StoreDriver)
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	cfg.DatabaseURL = env.Getenv("DATABASE_URL")
	cfg.StateFile = env.Getenv("STATE_FILE")
	switch cfg.StoreDriver {
	case StoreSQLite:
		if cfg.DatabaseURL == "" {
			cfg.DatabaseURL = "nudge.sqlite3"
		}
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL is required for STORE_DRIVER=postgres")
		}
	case StoreMemory:
	default:
		return Config{}, fmt.Errorf("invalid STORE_DRIVER %q", cfg.StoreDriver)
	}

	setString(env, "COMPLETION_PROVIDER", &cfg.CompletionProvider)
	cfg.CompletionProvider = strings.ToLower(cfg.CompletionProvider)
	cfg.OpenAIAPIKey = env.Getenv("OPENAI_API_KEY")
	setString(env, "OPENAI_BASE_URL", &cfg.OpenAIBaseURL)
	cfg.OpenAIBaseURL = strings.TrimRight(cfg.OpenAIBaseURL, "/")
	setString(env, "OPENAI_MODEL", &cfg.OpenAIModel)
	cfg.GeminiAPIKey = env.Getenv("GEMINI_API_KEY")
	setString(env, "GEMINI_MODEL", &cfg.GeminiModel)
	switch cfg.CompletionProvider {
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return Config{}, fmt.Errorf("OPENAI_API_KEY is required")
		}
	case ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return Config{}, fmt.Errorf("GEMINI_API_KEY is required")
		}
	default:
		return Config{}, fmt.Errorf("invalid COMPLETION_PROVIDER %q", cfg.CompletionProvider)
	}

	cfg.RedisAddr = env.Getenv("REDIS_ADDR")
	cfg.RedisPassword = env.Getenv("REDIS_PASSWORD")

	return cfg, nil
}

func setString(env Env, key string, dst *string) {
	if raw := env.Getenv(key); raw != "" {
		*dst = raw
	}
}

func setPositiveInt(env Env, key string, dst *int) error {
	raw := env.Getenv(key)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fmt.Errorf("invalid %s", key)
	}
	*dst = n
	return nil
}

func setSeconds(env Env, key string, dst *time.Duration) error {
	var n int
	if err := setPositiveInt(env, key, &n); err != nil {
		return err
	}
	if n > 0 {
		*dst = time.Duration(n) * time.Second
	}
	return nil
}

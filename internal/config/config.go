package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config aggregates every setting of the client and the development server.
type Config struct {
	Client  ClientConfig
	Engine  EngineConfig
	Store   StoreConfig
	Log     LogConfig
	Metrics MetricsConfig
	Server  ServerConfig
	AI      AIConfig
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	client, err := loadClientConfig()
	if err != nil {
		return nil, err
	}

	engine, err := loadEngineConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Client: client,
		Engine: engine,
		Store:  store,
		Log: LogConfig{
			Level:  getEnvOrDefault("COACH_LOG_LEVEL", "info"),
			Format: getEnvOrDefault("COACH_LOG_FORMAT", "console"),
		},
		Metrics: MetricsConfig{Addr: strings.TrimSpace(os.Getenv("COACH_METRICS_ADDR"))},
		Server:  server,
		AI:      ai,
	}, nil
}

// ClientConfig locates the coaching backend.
type ClientConfig struct {
	BaseURL        string
	ConnectTimeout time.Duration
}

func loadClientConfig() (ClientConfig, error) {
	timeout, err := parseDurationEnv("COACH_CONNECT_TIMEOUT_SECONDS", time.Second, 15*time.Second)
	if err != nil {
		return ClientConfig{}, err
	}
	return ClientConfig{
		BaseURL:        getEnvOrDefault("COACH_API_BASE_URL", "http://localhost:8080"),
		ConnectTimeout: timeout,
	}, nil
}

// EngineConfig tunes the streaming and display pipeline.
type EngineConfig struct {
	RevealInterval   time.Duration
	RevealChunk      int
	MinMessageLength int
	DedupWindow      time.Duration
}

func loadEngineConfig() (EngineConfig, error) {
	interval, err := parseDurationEnv("COACH_REVEAL_INTERVAL_MS", time.Millisecond, 50*time.Millisecond)
	if err != nil {
		return EngineConfig{}, err
	}
	window, err := parseDurationEnv("COACH_DEDUP_WINDOW_MS", time.Millisecond, 3*time.Second)
	if err != nil {
		return EngineConfig{}, err
	}
	chunk, err := parsePositiveIntEnv("COACH_REVEAL_CHUNK", 10)
	if err != nil {
		return EngineConfig{}, err
	}
	minLength, err := parsePositiveIntEnv("COACH_MIN_MESSAGE_LENGTH", 10)
	if err != nil {
		return EngineConfig{}, err
	}
	return EngineConfig{
		RevealInterval:   interval,
		RevealChunk:      chunk,
		MinMessageLength: minLength,
		DedupWindow:      window,
	}, nil
}

// Store kinds accepted by COACH_STORE.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// StoreConfig selects where the identity store persists.
type StoreConfig struct {
	Kind        string
	DSN         string
	ProfileFile string
}

func loadStoreConfig() (StoreConfig, error) {
	kind := strings.ToLower(getEnvOrDefault("COACH_STORE", StoreSQLite))
	dsn := strings.TrimSpace(os.Getenv("COACH_STORE_DSN"))

	switch kind {
	case StoreMemory:
	case StoreSQLite:
		if dsn == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return StoreConfig{}, fmt.Errorf("resolve home directory: %w", err)
			}
			dsn = filepath.Join(home, ".coach", "identity.db")
		}
		dsn = expandHome(dsn)
	case StoreRedis:
		if dsn == "" {
			return StoreConfig{}, fmt.Errorf("COACH_STORE=redis requires COACH_STORE_DSN")
		}
	default:
		return StoreConfig{}, fmt.Errorf("invalid COACH_STORE value: %q", kind)
	}

	return StoreConfig{
		Kind:        kind,
		DSN:         dsn,
		ProfileFile: expandHome(strings.TrimSpace(os.Getenv("COACH_PROFILE_FILE"))),
	}, nil
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig exposes metrics on Addr. An empty Addr disables them.
type MetricsConfig struct {
	Addr string
}

// ServerConfig configures the development HTTP server.
type ServerConfig struct {
	Addr string
}

// loadServerConfig resolves the listen address from PORT.
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" as given.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AIConfig configures the Ark chat model behind live guidance.
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled reports whether a model and credentials were supplied.
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel builds an Ark chat model from the configuration.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: set ARK_MODEL with ARK_API_KEY or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// parsePositiveIntEnv reads an integer, clamping values below 1 to 1.
func parsePositiveIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return max(*val, 1), nil
}

// parseDurationEnv reads an integer count of unit, clamping values below 1
// to a single unit.
func parseDurationEnv(key string, unit, defaultValue time.Duration) (time.Duration, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return time.Duration(max(*val, 1)) * unit, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

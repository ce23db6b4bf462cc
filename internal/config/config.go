package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const defaultExternalHTTPTimeout = 90 * time.Second
const defaultExternalHTTPTimeoutSeconds = int(defaultExternalHTTPTimeout / time.Second)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	// Model-A: hosted Anthropic backend.
	AnthropicAPIKey   string  `yaml:"anthropic_api_key"`
	AnthropicBaseURL  string  `yaml:"anthropic_base_url"`
	ModelAModel       string  `yaml:"model_a_model"`
	ModelAMaxTokens   int     `yaml:"model_a_max_tokens"`
	ModelARPM         int     `yaml:"model_a_rpm"`
	ModelAConfidence  float64 `yaml:"model_a_confidence"`
	ModelBConfidence  float64 `yaml:"model_b_confidence"`
	RuleConfidence    float64 `yaml:"rule_confidence"`
	RulesGlossaryPath string  `yaml:"rules_glossary_path"`

	// Model-B: local OpenAI-compatible server.
	LocalLLMBaseURL     string  `yaml:"local_llm_base_url"`
	LocalLLMModel       string  `yaml:"local_llm_model"`
	LocalLLMAPIKey      string  `yaml:"local_llm_api_key"`
	LocalLLMTemperature float32 `yaml:"local_llm_temperature"`
	ModelBRPM           int     `yaml:"model_b_rpm"`

	EmbeddingBaseURL string `yaml:"embedding_base_url"`
	EmbeddingModel   string `yaml:"embedding_model"`
	EmbeddingAPIKey  string `yaml:"embedding_api_key"`

	LimiterMaxRetries        int     `yaml:"limiter_max_retries"`
	LimiterBackoffMultiplier float64 `yaml:"limiter_backoff_multiplier"`
	LimiterInitialBackoffMs  int     `yaml:"limiter_initial_backoff_ms"`

	LayerTimeoutSeconds int `yaml:"layer_timeout_seconds"`
	MaxPostChars        int `yaml:"max_post_chars"`

	GeoPrimaryThreshold   float64 `yaml:"geo_primary_threshold"`
	GeoSecondaryThreshold float64 `yaml:"geo_secondary_threshold"`
	GeoSecondaryEnabledP  *bool   `yaml:"geo_secondary_enabled"`
	GeoQueryTimeoutMs     int     `yaml:"geo_query_timeout_ms"`
	GeoWorkers            int     `yaml:"geo_workers"`
	GeoTopK               int     `yaml:"geo_top_k"`

	PostgresDSN       string `yaml:"postgres_dsn"`
	RedisAddr         string `yaml:"redis_addr"`
	RedisPassword     string `yaml:"redis_password"`
	RedisDB           int    `yaml:"redis_db"`
	GeoCacheTTLSecond int    `yaml:"geo_cache_ttl_seconds"`
	SQLitePath        string `yaml:"sqlite_path"`

	GazetteerPath         string `yaml:"gazetteer_path"`
	GazetteerSyncSchedule string `yaml:"gazetteer_sync_schedule"`
	Timezone              string `yaml:"timezone"`

	SlackBotToken   string `yaml:"slack_bot_token"`
	ReviewChannelID string `yaml:"review_channel_id"`

	ExternalHTTPTimeoutSeconds int `yaml:"external_http_timeout_seconds"`

	GeoSecondaryEnabled bool           `yaml:"-"`
	Location            *time.Location `yaml:"-"` // computed from Timezone, not from YAML
}

func LoadConfig() Config {
	var cfg Config

	envFile := ".env"
	if p := os.Getenv("ENV_FILE"); p != "" {
		envFile = p
	}
	if err := godotenv.Load(envFile); err == nil {
		log.Printf("Loaded environment from %s", envFile)
	}

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	envOverride(&cfg.ListenAddr, "LISTEN_ADDR")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.AnthropicBaseURL, "ANTHROPIC_BASE_URL")
	envOverride(&cfg.ModelAModel, "MODEL_A_MODEL")
	envOverrideInt(&cfg.ModelAMaxTokens, "MODEL_A_MAX_TOKENS")
	envOverrideInt(&cfg.ModelARPM, "MODEL_A_RPM")
	envOverrideFloat(&cfg.ModelAConfidence, "MODEL_A_CONFIDENCE")
	envOverrideFloat(&cfg.ModelBConfidence, "MODEL_B_CONFIDENCE")
	envOverrideFloat(&cfg.RuleConfidence, "RULE_CONFIDENCE")
	envOverride(&cfg.RulesGlossaryPath, "RULES_GLOSSARY_PATH")
	envOverrideAllowEmpty(&cfg.LocalLLMBaseURL, "LOCAL_LLM_BASE_URL")
	envOverride(&cfg.LocalLLMModel, "LOCAL_LLM_MODEL")
	envOverride(&cfg.LocalLLMAPIKey, "LOCAL_LLM_API_KEY")
	if val := os.Getenv("LOCAL_LLM_TEMPERATURE"); val != "" {
		parsed, err := strconv.ParseFloat(val, 32)
		if err != nil {
			log.Fatalf("invalid LOCAL_LLM_TEMPERATURE '%s': %v", val, err)
		}
		cfg.LocalLLMTemperature = float32(parsed)
	}
	envOverrideInt(&cfg.ModelBRPM, "MODEL_B_RPM")
	envOverride(&cfg.EmbeddingBaseURL, "EMBEDDING_BASE_URL")
	envOverride(&cfg.EmbeddingModel, "EMBEDDING_MODEL")
	envOverride(&cfg.EmbeddingAPIKey, "EMBEDDING_API_KEY")
	envOverrideInt(&cfg.LimiterMaxRetries, "LIMITER_MAX_RETRIES")
	envOverrideFloat(&cfg.LimiterBackoffMultiplier, "LIMITER_BACKOFF_MULTIPLIER")
	envOverrideInt(&cfg.LimiterInitialBackoffMs, "LIMITER_INITIAL_BACKOFF_MS")
	envOverrideInt(&cfg.LayerTimeoutSeconds, "LAYER_TIMEOUT_SECONDS")
	envOverrideInt(&cfg.MaxPostChars, "MAX_POST_CHARS")
	envOverrideFloat(&cfg.GeoPrimaryThreshold, "GEO_PRIMARY_THRESHOLD")
	envOverrideFloat(&cfg.GeoSecondaryThreshold, "GEO_SECONDARY_THRESHOLD")
	if val := os.Getenv("GEO_SECONDARY_ENABLED"); val != "" {
		b := strings.EqualFold(val, "true") || val == "1"
		cfg.GeoSecondaryEnabledP = &b
	}
	envOverrideInt(&cfg.GeoQueryTimeoutMs, "GEO_QUERY_TIMEOUT_MS")
	envOverrideInt(&cfg.GeoWorkers, "GEO_WORKERS")
	envOverrideInt(&cfg.GeoTopK, "GEO_TOP_K")
	envOverrideAllowEmpty(&cfg.PostgresDSN, "POSTGRES_DSN")
	envOverrideAllowEmpty(&cfg.RedisAddr, "REDIS_ADDR")
	envOverride(&cfg.RedisPassword, "REDIS_PASSWORD")
	envOverrideInt(&cfg.RedisDB, "REDIS_DB")
	envOverrideInt(&cfg.GeoCacheTTLSecond, "GEO_CACHE_TTL_SECONDS")
	envOverride(&cfg.SQLitePath, "SQLITE_PATH")
	envOverride(&cfg.GazetteerPath, "GAZETTEER_PATH")
	envOverrideAllowEmpty(&cfg.GazetteerSyncSchedule, "GAZETTEER_SYNC_SCHEDULE")
	envOverride(&cfg.Timezone, "TIMEZONE")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.ReviewChannelID, "REVIEW_CHANNEL_ID")
	envOverrideInt(&cfg.ExternalHTTPTimeoutSeconds, "EXTERNAL_HTTP_TIMEOUT_SECONDS")

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.ModelARPM == 0 {
		cfg.ModelARPM = 50
	}
	if cfg.ModelBRPM == 0 {
		cfg.ModelBRPM = 30
	}
	if cfg.ModelAConfidence == 0 {
		cfg.ModelAConfidence = 0.9
	}
	if cfg.ModelBConfidence == 0 {
		cfg.ModelBConfidence = 0.7
	}
	if cfg.RuleConfidence == 0 {
		cfg.RuleConfidence = 0.6
	}
	if cfg.LimiterMaxRetries == 0 {
		cfg.LimiterMaxRetries = 3
	}
	if cfg.LimiterBackoffMultiplier == 0 {
		cfg.LimiterBackoffMultiplier = 2
	}
	if cfg.LimiterInitialBackoffMs == 0 {
		cfg.LimiterInitialBackoffMs = 500
	}
	if cfg.LayerTimeoutSeconds == 0 {
		cfg.LayerTimeoutSeconds = 30
	}
	if cfg.MaxPostChars == 0 {
		cfg.MaxPostChars = 2000
	}
	if cfg.GeoPrimaryThreshold == 0 {
		cfg.GeoPrimaryThreshold = 0.8
	}
	if cfg.GeoSecondaryThreshold == 0 {
		cfg.GeoSecondaryThreshold = 0.7
	}
	cfg.GeoSecondaryEnabled = cfg.GeoSecondaryEnabledP == nil || *cfg.GeoSecondaryEnabledP
	if cfg.GeoQueryTimeoutMs == 0 {
		cfg.GeoQueryTimeoutMs = 2000
	}
	if cfg.GeoWorkers == 0 {
		cfg.GeoWorkers = 4
	}
	if cfg.GeoTopK == 0 {
		cfg.GeoTopK = 5
	}
	if cfg.GeoCacheTTLSecond == 0 {
		cfg.GeoCacheTTLSecond = 86400
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = "./postparser.db"
	}
	if cfg.GazetteerPath == "" {
		cfg.GazetteerPath = "./config/gazetteer.yaml"
	}
	if cfg.ExternalHTTPTimeoutSeconds == 0 {
		cfg.ExternalHTTPTimeoutSeconds = defaultExternalHTTPTimeoutSeconds
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}

	if !cfg.ModelAConfigured() {
		log.Printf("WARNING: anthropic_api_key is not set. Model-A layer is disabled.")
	}
	if !cfg.ModelBConfigured() {
		log.Printf("WARNING: local_llm_base_url is not set. Model-B layer is disabled.")
	}

	slackFields := map[string]string{
		"slack_bot_token":   cfg.SlackBotToken,
		"review_channel_id": cfg.ReviewChannelID,
	}
	slackSet := 0
	for _, v := range slackFields {
		if v != "" {
			slackSet++
		}
	}
	if slackSet > 0 && slackSet < len(slackFields) {
		for name, val := range slackFields {
			if val == "" {
				log.Fatalf("Partial Slack config: '%s' is not set (slack_bot_token and review_channel_id are required together)", name)
			}
		}
	}

	if cfg.PostgresDSN != "" && cfg.EmbeddingBaseURL == "" && cfg.EmbeddingAPIKey == "" {
		log.Fatalf("postgres_dsn is set but no embedding backend is configured (embedding_base_url or embedding_api_key)")
	}

	if strings.EqualFold(cfg.Timezone, "Local") {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			log.Fatalf("invalid timezone '%s': %v", cfg.Timezone, err)
		}
		cfg.Location = loc
	}

	for name, v := range map[string]float64{
		"model_a_confidence":      cfg.ModelAConfidence,
		"model_b_confidence":      cfg.ModelBConfidence,
		"rule_confidence":         cfg.RuleConfidence,
		"geo_primary_threshold":   cfg.GeoPrimaryThreshold,
		"geo_secondary_threshold": cfg.GeoSecondaryThreshold,
	} {
		if v < 0 || v > 1 {
			log.Fatalf("invalid %s '%f': must be between 0 and 1", name, v)
		}
	}
	if cfg.ModelARPM < 0 || cfg.ModelBRPM < 0 {
		log.Fatalf("invalid rpm (model_a_rpm=%d, model_b_rpm=%d): must be >= 0", cfg.ModelARPM, cfg.ModelBRPM)
	}
	if cfg.LimiterMaxRetries < 1 {
		log.Fatalf("invalid limiter_max_retries '%d': must be >= 1", cfg.LimiterMaxRetries)
	}
	if cfg.LimiterBackoffMultiplier < 1 {
		log.Fatalf("invalid limiter_backoff_multiplier '%f': must be >= 1", cfg.LimiterBackoffMultiplier)
	}
	if cfg.LimiterInitialBackoffMs < 0 {
		log.Fatalf("invalid limiter_initial_backoff_ms '%d': must be >= 0", cfg.LimiterInitialBackoffMs)
	}
	if cfg.LayerTimeoutSeconds < 1 {
		log.Fatalf("invalid layer_timeout_seconds '%d': must be >= 1", cfg.LayerTimeoutSeconds)
	}
	if cfg.MaxPostChars < 280 {
		log.Fatalf("invalid max_post_chars '%d': must be >= 280", cfg.MaxPostChars)
	}
	if cfg.GeoQueryTimeoutMs < 50 {
		log.Fatalf("invalid geo_query_timeout_ms '%d': must be >= 50", cfg.GeoQueryTimeoutMs)
	}
	if cfg.GeoWorkers < 1 || cfg.GeoTopK < 1 {
		log.Fatalf("invalid geo_workers '%d' / geo_top_k '%d': must be >= 1", cfg.GeoWorkers, cfg.GeoTopK)
	}
	if cfg.ExternalHTTPTimeoutSeconds < 5 {
		log.Fatalf("invalid external_http_timeout_seconds '%d': must be >= 5", cfg.ExternalHTTPTimeoutSeconds)
	}
	if cfg.GazetteerSyncSchedule != "" {
		if _, err := cron.ParseStandard(cfg.GazetteerSyncSchedule); err != nil {
			log.Fatalf("invalid gazetteer_sync_schedule '%s': %v", cfg.GazetteerSyncSchedule, err)
		}
	}

	return cfg
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideAllowEmpty(field *string, envKey string) {
	if val, ok := os.LookupEnv(envKey); ok {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideFloat(field *float64, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func (c Config) ModelAConfigured() bool { return c.AnthropicAPIKey != "" }

func (c Config) ModelBConfigured() bool { return c.LocalLLMBaseURL != "" }

// PrimaryGeoConfigured reports whether the pgvector index can be used.
func (c Config) PrimaryGeoConfigured() bool {
	return c.PostgresDSN != "" && (c.EmbeddingBaseURL != "" || c.EmbeddingAPIKey != "")
}

func (c Config) SlackConfigured() bool {
	return c.SlackBotToken != "" && c.ReviewChannelID != ""
}

func (c Config) LayerTimeout() time.Duration {
	return time.Duration(c.LayerTimeoutSeconds) * time.Second
}

func (c Config) GeoQueryTimeout() time.Duration {
	return time.Duration(c.GeoQueryTimeoutMs) * time.Millisecond
}

func (c Config) LimiterInitialBackoff() time.Duration {
	return time.Duration(c.LimiterInitialBackoffMs) * time.Millisecond
}

func (c Config) GeoCacheTTL() time.Duration {
	return time.Duration(c.GeoCacheTTLSecond) * time.Second
}

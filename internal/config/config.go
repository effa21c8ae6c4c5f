// Package config builds the service configuration once at start-up from an
// optional .env file, an optional YAML file and the process environment.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StoreDynamoDB = "dynamodb"
	StoreRedis    = "redis"

	defaultHTTPAddr          = ":8080"
	defaultLogLevel          = "info"
	defaultChatModel         = "gpt-3.5-turbo"
	defaultEmbeddingModel    = "text-embedding-ada-002"
	defaultIndexName         = "langchainlegalpdf"
	defaultNamespace         = "skripsi_4_peraturan"
	defaultTopK              = 4
	defaultSessionTTL        = time.Hour
	defaultMaxQuestionLength = 1000
	defaultShutdownTimeout   = 10 * time.Second
)

// Secret parameter names, relative to SecretsConfig.ParamPrefix.
const (
	paramOpenAIKey           = "/openai_api_key"
	paramPineconeKey         = "/pinecone_api_key"
	paramPineconeEnvironment = "/pinecone_environment"
)

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level          string `yaml:"level"`
	PassageLogPath string `yaml:"passage_log_path"`
}

type OpenAIConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	ChatModel      string `yaml:"chat_model"`
	EmbeddingModel string `yaml:"embedding_model"`
}

type PineconeConfig struct {
	APIKey      string `yaml:"api_key"`
	Environment string `yaml:"environment"`
	Index       string `yaml:"index"`
	Namespace   string `yaml:"namespace"`
	IndexHost   string `yaml:"index_host"`
	TopK        int    `yaml:"top_k"`
}

type SessionConfig struct {
	Store             string        `yaml:"store"`
	Table             string        `yaml:"table"`
	RedisURL          string        `yaml:"redis_url"`
	TTL               time.Duration `yaml:"ttl"`
	MaxQuestionLength int           `yaml:"max_question_length"`
}

type SecretsConfig struct {
	ParamPrefix string `yaml:"param_prefix"`
}

// Config is the complete, validated runtime configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Pinecone PineconeConfig `yaml:"pinecone"`
	Session  SessionConfig  `yaml:"session"`
	Secrets  SecretsConfig  `yaml:"secrets"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{Addr: defaultHTTPAddr, ShutdownTimeout: defaultShutdownTimeout},
		Log:  LogConfig{Level: defaultLogLevel},
		OpenAI: OpenAIConfig{
			ChatModel:      defaultChatModel,
			EmbeddingModel: defaultEmbeddingModel,
		},
		Pinecone: PineconeConfig{
			Index:     defaultIndexName,
			Namespace: defaultNamespace,
			TopK:      defaultTopK,
		},
		Session: SessionConfig{
			Store:             StoreMemory,
			TTL:               defaultSessionTTL,
			MaxQuestionLength: defaultMaxQuestionLength,
		},
	}
}

// LoadDotEnv loads variables from the given files without overriding the
// existing environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// Load returns the defaults overlaid with the YAML file at path (when set)
// and then with environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	envString("HTTP_ADDR", &cfg.HTTP.Addr)
	envString("LOG_LEVEL", &cfg.Log.Level)
	envString("PASSAGE_LOG_PATH", &cfg.Log.PassageLogPath)

	envString("OPENAI_API_KEY", &cfg.OpenAI.APIKey)
	envString("OPENAI_BASE_URL", &cfg.OpenAI.BaseURL)
	envString("OPENAI_CHAT_MODEL", &cfg.OpenAI.ChatModel)
	envString("OPENAI_EMBEDDING_MODEL", &cfg.OpenAI.EmbeddingModel)

	envString("PINECONE_API_KEY", &cfg.Pinecone.APIKey)
	envString("PINECONE_ENVIRONMENT", &cfg.Pinecone.Environment)
	envString("PINECONE_INDEX", &cfg.Pinecone.Index)
	envString("PINECONE_NAMESPACE", &cfg.Pinecone.Namespace)
	envString("PINECONE_INDEX_HOST", &cfg.Pinecone.IndexHost)

	envString("SESSION_STORE", &cfg.Session.Store)
	envString("SESSION_TABLE", &cfg.Session.Table)
	envString("SESSION_REDIS_URL", &cfg.Session.RedisURL)
	envString("SECRETS_PARAM_PREFIX", &cfg.Secrets.ParamPrefix)

	if err := envInt("PINECONE_TOP_K", &cfg.Pinecone.TopK); err != nil {
		return err
	}
	if err := envInt("MAX_QUESTION_LENGTH", &cfg.Session.MaxQuestionLength); err != nil {
		return err
	}
	if err := envDuration("SESSION_TTL", &cfg.Session.TTL); err != nil {
		return err
	}
	return envDuration("SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout)
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}

// SecretGetter reads decrypted values from the host-managed secret store.
type SecretGetter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

// ResolveSecrets fills credentials that are still empty from the secret
// store under Secrets.ParamPrefix. It does nothing when no prefix is set.
func (c *Config) ResolveSecrets(ctx context.Context, getter SecretGetter) error {
	prefix := strings.TrimRight(strings.TrimSpace(c.Secrets.ParamPrefix), "/")
	if prefix == "" {
		return nil
	}
	if getter == nil {
		return errors.New("config: secret getter must not be nil")
	}

	targets := map[string]*string{}
	if c.OpenAI.APIKey == "" {
		targets[prefix+paramOpenAIKey] = &c.OpenAI.APIKey
	}
	if c.Pinecone.APIKey == "" {
		targets[prefix+paramPineconeKey] = &c.Pinecone.APIKey
	}
	if c.Pinecone.Environment == "" && c.Pinecone.IndexHost == "" {
		targets[prefix+paramPineconeEnvironment] = &c.Pinecone.Environment
	}
	if len(targets) == 0 {
		return nil
	}

	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	values, err := getter.GetParameters(ctx, names...)
	if err != nil {
		return fmt.Errorf("config: resolve secrets: %w", err)
	}
	for name, dst := range targets {
		v, err := parseSecret(values[name])
		if err != nil {
			return fmt.Errorf("config: secret %q: %w", name, err)
		}
		*dst = v
	}
	return nil
}

// parseSecret accepts either a raw value or the {"token":"..."} form.
func parseSecret(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") {
		if raw == "" {
			return "", errors.New("empty value")
		}
		return raw, nil
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return "", fmt.Errorf("decode token json: %w", err)
	}
	token := strings.TrimSpace(payload.Token)
	if token == "" {
		return "", errors.New("token field is empty")
	}
	return token, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: "+format, args...))
	}

	if strings.TrimSpace(c.HTTP.Addr) == "" {
		add("http addr is required")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		add("shutdown timeout must be positive")
	}
	if strings.TrimSpace(c.OpenAI.APIKey) == "" {
		add("OPENAI_API_KEY is required")
	}
	if strings.TrimSpace(c.OpenAI.ChatModel) == "" {
		add("chat model is required")
	}
	if strings.TrimSpace(c.OpenAI.EmbeddingModel) == "" {
		add("embedding model is required")
	}
	if c.OpenAI.BaseURL != "" && !validURL(c.OpenAI.BaseURL) {
		add("OPENAI_BASE_URL %q is not a valid URL", c.OpenAI.BaseURL)
	}
	if strings.TrimSpace(c.Pinecone.APIKey) == "" {
		add("PINECONE_API_KEY is required")
	}
	if strings.TrimSpace(c.Pinecone.Environment) == "" && strings.TrimSpace(c.Pinecone.IndexHost) == "" {
		add("PINECONE_ENVIRONMENT is required unless PINECONE_INDEX_HOST is set")
	}
	if strings.TrimSpace(c.Pinecone.Index) == "" {
		add("PINECONE_INDEX is required")
	}
	if strings.TrimSpace(c.Pinecone.Namespace) == "" {
		add("PINECONE_NAMESPACE is required")
	}
	if c.Pinecone.IndexHost != "" && !validHost(c.Pinecone.IndexHost) {
		add("PINECONE_INDEX_HOST %q is not a valid host", c.Pinecone.IndexHost)
	}
	if c.Pinecone.TopK <= 0 {
		add("PINECONE_TOP_K must be positive")
	}
	switch c.Session.Store {
	case StoreMemory:
	case StoreDynamoDB:
		if strings.TrimSpace(c.Session.Table) == "" {
			add("SESSION_TABLE is required for the dynamodb store")
		}
	case StoreRedis:
		if strings.TrimSpace(c.Session.RedisURL) == "" {
			add("SESSION_REDIS_URL is required for the redis store")
		}
	default:
		add("unknown SESSION_STORE %q", c.Session.Store)
	}
	if c.Session.TTL <= 0 {
		add("SESSION_TTL must be positive")
	}
	if c.Session.MaxQuestionLength <= 0 {
		add("MAX_QUESTION_LENGTH must be positive")
	}
	return errors.Join(errs...)
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func validHost(raw string) bool {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	return validURL(raw)
}

// Package app wires configuration, clients and services for the entrypoints
// under cmd/.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"perpy/internal/config"
	"perpy/internal/integrations/openai"
	"perpy/internal/integrations/paramstore"
	"perpy/internal/integrations/pinecone"
	"perpy/internal/observability/logging"
	"perpy/internal/observability/metrics"
	"perpy/internal/repository"
	"perpy/internal/usecase"
)

const ServiceName = "perpy"

// AWSLoader returns the SDK configuration. It is only called when a
// component needs AWS.
type AWSLoader func(ctx context.Context) (aws.Config, error)

func defaultAWSLoader(ctx context.Context) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx)
}

// LoadConfig reads .env, the optional YAML file and the environment, fills
// missing credentials from the parameter store and validates the result.
func LoadConfig(ctx context.Context, path string, loadAWS AWSLoader) (config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	if strings.TrimSpace(cfg.Secrets.ParamPrefix) != "" {
		if loadAWS == nil {
			loadAWS = defaultAWSLoader
		}
		awsCfg, err := loadAWS(ctx)
		if err != nil {
			return config.Config{}, fmt.Errorf("app: load aws config: %w", err)
		}
		store, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return config.Config{}, fmt.Errorf("app: create parameter store client: %w", err)
		}
		if err := cfg.ResolveSecrets(ctx, store); err != nil {
			return config.Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("app: invalid configuration: %w", err)
	}
	return cfg, nil
}

// App holds the long-lived services shared by the HTTP server and the
// Lambda entrypoint.
type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Ask     *usecase.AskService
	Metrics *metrics.Metrics

	passageLog *logging.PassageLog
}

// Build constructs every dependency from a validated configuration.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, loadAWS AWSLoader) (*App, error) {
	if logger == nil {
		logger = logging.New(ServiceName, cfg.Log.Level)
	}
	if loadAWS == nil {
		loadAWS = defaultAWSLoader
	}

	var openaiOpts []openai.Option
	if cfg.OpenAI.BaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	openaiClient, err := openai.NewClient(cfg.OpenAI.APIKey, openaiOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: create openai client: %w", err)
	}

	pineconeClient, err := pinecone.NewClient(pinecone.Config{
		APIKey:      cfg.Pinecone.APIKey,
		Environment: cfg.Pinecone.Environment,
		IndexName:   cfg.Pinecone.Index,
		Namespace:   cfg.Pinecone.Namespace,
		IndexHost:   cfg.Pinecone.IndexHost,
	})
	if err != nil {
		return nil, fmt.Errorf("app: create pinecone client: %w", err)
	}
	connector := usecase.ConnectorFunc(func(ctx context.Context) (usecase.PassageQuerier, error) {
		conn, err := pineconeClient.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})

	pipeline, err := usecase.NewPipeline(openaiClient, openaiClient, connector, usecase.PipelineConfig{
		ChatModel:      cfg.OpenAI.ChatModel,
		EmbeddingModel: cfg.OpenAI.EmbeddingModel,
		TopK:           cfg.Pinecone.TopK,
	})
	if err != nil {
		return nil, fmt.Errorf("app: create pipeline: %w", err)
	}

	store, err := newSessionStore(ctx, cfg.Session, loadAWS)
	if err != nil {
		return nil, err
	}

	m := metrics.New(ServiceName)
	passageLog := logging.NewPassageLog(cfg.Log.PassageLogPath)

	ask, err := usecase.NewAskService(pipeline, store,
		usecase.WithMaxQuestionLength(cfg.Session.MaxQuestionLength),
		usecase.WithPassageLogger(passageLog),
		usecase.WithMetrics(m),
		usecase.WithLogger(logger),
	)
	if err != nil {
		_ = passageLog.Close()
		return nil, fmt.Errorf("app: create ask service: %w", err)
	}

	logger.Info("service wired",
		"session_store", cfg.Session.Store,
		"index", cfg.Pinecone.Index,
		"namespace", cfg.Pinecone.Namespace,
		"chat_model", cfg.OpenAI.ChatModel,
	)

	return &App{
		Config:     cfg,
		Logger:     logger,
		Ask:        ask,
		Metrics:    m,
		passageLog: passageLog,
	}, nil
}

func newSessionStore(ctx context.Context, cfg config.SessionConfig, loadAWS AWSLoader) (repository.SessionStore, error) {
	switch cfg.Store {
	case config.StoreMemory, "":
		store, err := repository.NewMemoryStore(cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("app: create memory store: %w", err)
		}
		return store, nil
	case config.StoreDynamoDB:
		awsCfg, err := loadAWS(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: load aws config: %w", err)
		}
		store, err := repository.NewDynamoStore(awsdynamodb.NewFromConfig(awsCfg), cfg.Table, cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("app: create dynamodb store: %w", err)
		}
		return store, nil
	case config.StoreRedis:
		rdb, err := repository.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("app: create redis client: %w", err)
		}
		store, err := repository.NewRedisStore(rdb, cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("app: create redis store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("app: unknown session store %q", cfg.Store)
	}
}

// Close flushes the passage log.
func (a *App) Close() error {
	return a.passageLog.Close()
}

package usecase

import (
	"context"
	"errors"
	"strings"

	"perpy/internal/domain"
)

const (
	// answerTemperature keeps generation deterministic for identical context.
	answerTemperature = 0.0
	defaultTopK       = 4
)

type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

type ChatCompleter interface {
	Chat(ctx context.Context, model string, temperature float64, messages []domain.ChatMessage) (string, error)
}

// PassageQuerier is one open connection to the vector index.
type PassageQuerier interface {
	Query(ctx context.Context, vector []float32, topK int) ([]domain.Passage, error)
}

type IndexConnector interface {
	Connect(ctx context.Context) (PassageQuerier, error)
}

// ConnectorFunc adapts a function to IndexConnector.
type ConnectorFunc func(ctx context.Context) (PassageQuerier, error)

func (f ConnectorFunc) Connect(ctx context.Context) (PassageQuerier, error) {
	return f(ctx)
}

type PipelineConfig struct {
	ChatModel      string
	EmbeddingModel string
	TopK           int
}

type PipelineResult struct {
	Answer   string
	Passages []domain.Passage
	Fallback bool
}

// Pipeline answers one question by retrieval-augmented generation.
// It keeps no state between calls.
type Pipeline struct {
	embedder Embedder
	chat     ChatCompleter
	index    IndexConnector
	cfg      PipelineConfig
}

func NewPipeline(embedder Embedder, chat ChatCompleter, index IndexConnector, cfg PipelineConfig) (*Pipeline, error) {
	if embedder == nil {
		return nil, errors.New("usecase: embedder must not be nil")
	}
	if chat == nil {
		return nil, errors.New("usecase: chat client must not be nil")
	}
	if index == nil {
		return nil, errors.New("usecase: index connector must not be nil")
	}
	if strings.TrimSpace(cfg.ChatModel) == "" {
		return nil, errors.New("usecase: chat model must not be empty")
	}
	if strings.TrimSpace(cfg.EmbeddingModel) == "" {
		return nil, errors.New("usecase: embedding model must not be empty")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	return &Pipeline{embedder: embedder, chat: chat, index: index, cfg: cfg}, nil
}

// Answer opens a fresh index connection, retrieves the top passages for
// question and asks the chat model once. Nothing is cached or retried.
func (p *Pipeline) Answer(ctx context.Context, question string) (PipelineResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return PipelineResult{}, newError(ErrorInvalidInput, "empty_question", nil)
	}

	conn, err := p.index.Connect(ctx)
	if err != nil {
		return PipelineResult{}, upstreamError("index_connect", err)
	}

	vector, err := p.embedder.Embed(ctx, p.cfg.EmbeddingModel, question)
	if err != nil {
		return PipelineResult{}, upstreamError("embedding", err)
	}

	passages, err := conn.Query(ctx, vector, p.cfg.TopK)
	if err != nil {
		return PipelineResult{}, upstreamError("index_query", err)
	}

	raw, err := p.chat.Chat(ctx, p.cfg.ChatModel, answerTemperature, buildPromptMessages(question, passages))
	if err != nil {
		return PipelineResult{}, upstreamError("openai", err)
	}

	answer, fallback := normalizeAnswer(raw)
	if answer == "" {
		return PipelineResult{}, newError(ErrorUpstream, "openai_empty_answer", nil)
	}
	return PipelineResult{Answer: answer, Passages: passages, Fallback: fallback}, nil
}

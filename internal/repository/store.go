// Package repository persists session history.
package repository

import (
	"context"

	"perpy/internal/domain"
)

// SessionStore is implemented by MemoryStore, DynamoStore and RedisStore.
type SessionStore interface {
	Load(ctx context.Context, sessionID string) (domain.Session, error)
	AppendRound(ctx context.Context, sessionID string, expectedIndex int, question, answer string, passages []domain.Passage) error
	Delete(ctx context.Context, sessionID string) error
}

var (
	_ SessionStore = (*MemoryStore)(nil)
	_ SessionStore = (*DynamoStore)(nil)
	_ SessionStore = (*RedisStore)(nil)
)

func cloneSession(s domain.Session) domain.Session {
	out := domain.Session{ID: s.ID}
	out.Questions = append([]string(nil), s.Questions...)
	out.Answers = append([]string(nil), s.Answers...)
	out.Sources = append([][]domain.Passage(nil), s.Sources...)
	return out
}

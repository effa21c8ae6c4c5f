package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"perpy/internal/domain"
)

const redisKeyPrefix = "perpy:session:"

// appendScript pushes a round only when the list holds exactly ARGV[1]
// entries. The first round starts the session lifetime.
var appendScript = redis.NewScript(`
local n = redis.call('LLEN', KEYS[1])
if n ~= tonumber(ARGV[1]) then
	return -1
end
redis.call('RPUSH', KEYS[1], ARGV[2])
if n == 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return n + 1
`)

type redisAPI interface {
	redis.Scripter
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type redisRound struct {
	Question string           `json:"q"`
	Answer   string           `json:"a"`
	Passages []domain.Passage `json:"passages,omitempty"`
}

// RedisStore keeps each session as a list of JSON rounds that expires ttl
// after the first round.
type RedisStore struct {
	rdb redisAPI
	ttl time.Duration
}

func NewRedisStore(rdb redisAPI, ttl time.Duration) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("repository: redis client must not be nil")
	}
	if ttl <= 0 {
		return nil, errors.New("repository: session ttl must be positive")
	}
	return &RedisStore{rdb: rdb, ttl: ttl}, nil
}

// NewRedisClient accepts a redis:// URL or a bare host:port address.
func NewRedisClient(rawURL string) (*redis.Client, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, errors.New("repository: redis url must not be empty")
	}
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		if strings.Contains(rawURL, "://") {
			return nil, fmt.Errorf("repository: parse redis url: %w", err)
		}
		opt = &redis.Options{Addr: rawURL}
	}
	return redis.NewClient(opt), nil
}

func redisKey(sessionID string) string {
	return redisKeyPrefix + sessionID
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (domain.Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return domain.Session{}, errors.New("repository: session id is required")
	}
	raw, err := s.rdb.LRange(ctx, redisKey(sessionID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.Session{}, fmt.Errorf("repository: Load: %w", err)
	}
	sess := domain.NewSession(sessionID)
	for i, item := range raw {
		var r redisRound
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return domain.Session{}, fmt.Errorf("repository: Load: decode round %d: %w", i, err)
		}
		sess.Append(r.Question, r.Answer, r.Passages)
	}
	return sess, nil
}

func (s *RedisStore) AppendRound(ctx context.Context, sessionID string, expectedIndex int, question, answer string, passages []domain.Passage) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("repository: session id is required")
	}
	payload, err := json.Marshal(redisRound{Question: question, Answer: answer, Passages: passages})
	if err != nil {
		return fmt.Errorf("repository: AppendRound: encode round: %w", err)
	}
	n, err := appendScript.Run(ctx, s.rdb,
		[]string{redisKey(sessionID)},
		expectedIndex, string(payload), s.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("repository: AppendRound: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("repository: AppendRound: %w", domain.ErrRoundConflict)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, redisKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("repository: Delete: %w", err)
	}
	return nil
}

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"perpy/internal/domain"
)

const (
	skMeta        = "META#"
	skPrefixRound = "ROUND#"
	maxBatchWrite = 25
	maxBatchTries = 3
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoStore keeps sessions in a single DynamoDB table shared by every
// instance. Each session is one META# item holding the round count and one
// ROUND# item per round. All items of a session share the expiry set when
// its first round is written.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

func NewDynamoStore(api dynamodbAPI, tableName string, ttl time.Duration) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if ttl <= 0 {
		return nil, errors.New("repository: session ttl must be positive")
	}
	return &DynamoStore{api: api, tableName: tableName, ttl: ttl, now: time.Now}, nil
}

func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

func roundSK(index int) string {
	return fmt.Sprintf("%s%08d", skPrefixRound, index)
}

type sessionMeta struct {
	rounds int
	ttl    int64
}

// Load returns the live session, or an empty one when it never existed or
// has expired but not yet been removed by DynamoDB.
func (s *DynamoStore) Load(ctx context.Context, sessionID string) (domain.Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return domain.Session{}, errors.New("repository: Load: session id is required")
	}
	items, err := s.queryAll(ctx, sessionID, false)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: Load query: %w", err)
	}

	sess := domain.NewSession(sessionID)
	var meta *sessionMeta
	rounds := map[int]map[string]types.AttributeValue{}
	for _, item := range items {
		sk, err := strAttr(item, "SK")
		if err != nil {
			return domain.Session{}, fmt.Errorf("repository: Load: %w", err)
		}
		switch {
		case sk == skMeta:
			m, err := itemToMeta(item)
			if err != nil {
				return domain.Session{}, fmt.Errorf("repository: Load decode meta: %w", err)
			}
			meta = &m
		case strings.HasPrefix(sk, skPrefixRound):
			idx, err := intAttr(item, "round")
			if err != nil {
				return domain.Session{}, fmt.Errorf("repository: Load decode round: %w", err)
			}
			rounds[idx] = item
		}
	}
	if meta == nil || s.expired(meta.ttl) {
		return sess, nil
	}

	for i := 0; i < meta.rounds; i++ {
		item, ok := rounds[i]
		if !ok {
			return domain.Session{}, fmt.Errorf("repository: Load: session %s is missing round %d", sessionID, i)
		}
		q, a, passages, err := itemToRound(item)
		if err != nil {
			return domain.Session{}, fmt.Errorf("repository: Load decode round %d: %w", i, err)
		}
		sess.Append(q, a, passages)
	}
	return sess, nil
}

// AppendRound writes round expectedIndex and advances the round count in one
// transaction. The write is rejected with domain.ErrRoundConflict when the
// stored count is not expectedIndex.
func (s *DynamoStore) AppendRound(ctx context.Context, sessionID string, expectedIndex int, question, answer string, passages []domain.Passage) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("repository: AppendRound: session id is required")
	}
	if expectedIndex < 0 {
		return errors.New("repository: AppendRound: negative round index")
	}

	now := s.now()
	ttl := now.Add(s.ttl).Unix()
	if expectedIndex > 0 {
		meta, found, err := s.getMeta(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("repository: AppendRound: %w", err)
		}
		if !found || s.expired(meta.ttl) || meta.rounds != expectedIndex {
			return fmt.Errorf("repository: AppendRound: %w", domain.ErrRoundConflict)
		}
		ttl = meta.ttl
	}

	roundItem, err := roundToItem(sessionID, expectedIndex, question, answer, passages, ttl, now)
	if err != nil {
		return fmt.Errorf("repository: AppendRound encode: %w", err)
	}

	metaPut := &types.Put{
		TableName:                aws.String(s.tableName),
		Item:                     metaToItem(sessionID, expectedIndex+1, ttl, now),
		ExpressionAttributeNames: map[string]string{"#ttl": "ttl"},
	}
	if expectedIndex == 0 {
		metaPut.ConditionExpression = aws.String("attribute_not_exists(PK) OR #ttl < :now")
		metaPut.ExpressionAttributeValues = map[string]types.AttributeValue{
			":now": numberAttr(now.Unix()),
		}
	} else {
		metaPut.ConditionExpression = aws.String("#rounds = :expected AND #ttl >= :now")
		metaPut.ExpressionAttributeNames["#rounds"] = "rounds"
		metaPut.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": numberAttr(int64(expectedIndex)),
			":now":      numberAttr(now.Unix()),
		}
	}

	_, err = s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: metaPut},
			{Put: &types.Put{TableName: aws.String(s.tableName), Item: roundItem}},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("repository: AppendRound: %w", domain.ErrRoundConflict)
		}
		return fmt.Errorf("repository: AppendRound: %w", err)
	}
	return nil
}

// Delete removes every item of the session.
func (s *DynamoStore) Delete(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("repository: Delete: session id is required")
	}
	items, err := s.queryAll(ctx, sessionID, true)
	if err != nil {
		return fmt.Errorf("repository: Delete query: %w", err)
	}

	for start := 0; start < len(items); start += maxBatchWrite {
		end := start + maxBatchWrite
		if end > len(items) {
			end = len(items)
		}
		requests := make([]types.WriteRequest, 0, end-start)
		for _, item := range items[start:end] {
			requests = append(requests, types.WriteRequest{DeleteRequest: &types.DeleteRequest{
				Key: map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]},
			}})
		}
		if err := s.batchDelete(ctx, requests); err != nil {
			return fmt.Errorf("repository: Delete: %w", err)
		}
	}
	return nil
}

func (s *DynamoStore) batchDelete(ctx context.Context, requests []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{s.tableName: requests}
	for attempt := 0; attempt < maxBatchTries && len(pending[s.tableName]) > 0; attempt++ {
		out, err := s.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		pending = out.UnprocessedItems
	}
	if left := len(pending[s.tableName]); left > 0 {
		return fmt.Errorf("%d items left unprocessed", left)
	}
	return nil
}

func (s *DynamoStore) getMeta(ctx context.Context, sessionID string) (sessionMeta, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return sessionMeta{}, false, fmt.Errorf("get meta: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return sessionMeta{}, false, nil
	}
	meta, err := itemToMeta(out.Item)
	if err != nil {
		return sessionMeta{}, false, fmt.Errorf("decode meta: %w", err)
	}
	return meta, true, nil
}

func (s *DynamoStore) queryAll(ctx context.Context, sessionID string, keysOnly bool) ([]map[string]types.AttributeValue, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}
	if keysOnly {
		in.ProjectionExpression = aws.String("PK, SK")
	}

	var items []map[string]types.AttributeValue
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return items, nil
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *DynamoStore) expired(ttl int64) bool {
	return ttl <= s.now().Unix()
}

func isConditionFailure(err error) bool {
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, r := range canceled.CancellationReasons {
			if aws.ToString(r.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
		return false
	}
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}

func metaToItem(sessionID string, rounds int, ttl int64, now time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		"SK":           &types.AttributeValueMemberS{Value: skMeta},
		"sessionId":    &types.AttributeValueMemberS{Value: sessionID},
		"rounds":       numberAttr(int64(rounds)),
		"lastActivity": &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339)},
		"ttl":          numberAttr(ttl),
	}
}

func roundToItem(sessionID string, index int, question, answer string, passages []domain.Passage, ttl int64, now time.Time) (map[string]types.AttributeValue, error) {
	if passages == nil {
		passages = []domain.Passage{}
	}
	encoded, err := json.Marshal(passages)
	if err != nil {
		return nil, fmt.Errorf("marshal passages: %w", err)
	}
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		"SK":        &types.AttributeValueMemberS{Value: roundSK(index)},
		"sessionId": &types.AttributeValueMemberS{Value: sessionID},
		"round":     numberAttr(int64(index)),
		"question":  &types.AttributeValueMemberS{Value: question},
		"answer":    &types.AttributeValueMemberS{Value: answer},
		"passages":  &types.AttributeValueMemberS{Value: string(encoded)},
		"createdAt": &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339Nano)},
		"ttl":       numberAttr(ttl),
	}, nil
}

func itemToMeta(item map[string]types.AttributeValue) (sessionMeta, error) {
	rounds, err := intAttr(item, "rounds")
	if err != nil {
		return sessionMeta{}, err
	}
	ttl, err := intAttr(item, "ttl")
	if err != nil {
		return sessionMeta{}, err
	}
	return sessionMeta{rounds: rounds, ttl: int64(ttl)}, nil
}

func itemToRound(item map[string]types.AttributeValue) (question, answer string, passages []domain.Passage, err error) {
	question, err = strAttr(item, "question")
	if err != nil {
		return "", "", nil, err
	}
	answer, err = strAttr(item, "answer")
	if err != nil {
		return "", "", nil, err
	}
	raw, err := strAttr(item, "passages")
	if err != nil {
		return "", "", nil, err
	}
	if err := json.Unmarshal([]byte(raw), &passages); err != nil {
		return "", "", nil, fmt.Errorf("repository: decode passages: %w", err)
	}
	return question, answer, passages, nil
}

func numberAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

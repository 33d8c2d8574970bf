package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"student-query-agent/internal/domain"
)

const deadlinesKey = "agg:deadlines"

// Each script runs atomically on the server, which makes the status check
// and the write that depends on it a single step.
var (
	registerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'userId', ARGV[2], 'message', ARGV[3], 'deadline', ARGV[4], 'status', 'collecting')
for i = 6, #ARGV do
  redis.call('SADD', KEYS[2], ARGV[i])
end
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[5])
redis.call('EXPIRE', KEYS[2], ARGV[5])
return 1
`)

	recordScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return 'not_found'
end
if status ~= 'collecting' then
  return 'closed'
end
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 0 then
  return 'unexpected'
end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[3], ttl)
end
return 'ok'
`)

	forwardScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('ZREM', KEYS[2], ARGV[2])
  return 'not_found'
end
if redis.call('HSETNX', KEYS[1], 'forwarded', ARGV[1]) == 0 then
  return 'closed'
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 'ok'
`)
)

// RedisAggregations keeps aggregation state in three keys per turn plus a
// sorted set of collecting turns scored by deadline.
type RedisAggregations struct {
	client    redis.UniversalClient
	retention time.Duration
}

func NewRedisAggregations(client redis.UniversalClient) (*RedisAggregations, error) {
	if client == nil {
		return nil, errors.New("repository: redis client must not be nil")
	}
	return &RedisAggregations{client: client, retention: aggregationRetention}, nil
}

func stateKey(correlationID string) string     { return "agg:" + correlationID }
func expectedKey(correlationID string) string  { return "agg:" + correlationID + ":expected" }
func responsesKey(correlationID string) string { return "agg:" + correlationID + ":responses" }

func (r *RedisAggregations) Register(ctx context.Context, st domain.AggregationState) (bool, error) {
	if strings.TrimSpace(st.CorrelationID) == "" {
		return false, errors.New("repository: Register: correlationId is required")
	}
	expected := domain.SortSources(st.Expected)
	if len(expected) == 0 {
		return false, errors.New("repository: Register: expected sources are required")
	}

	ttl := time.Until(st.Deadline) + r.retention
	if ttl < r.retention {
		ttl = r.retention
	}
	args := []any{
		st.CorrelationID,
		st.UserID,
		st.Message,
		st.Deadline.UnixMilli(),
		int64(ttl / time.Second),
	}
	for _, src := range expected {
		args = append(args, string(src))
	}

	created, err := registerScript.Run(ctx, r.client,
		[]string{stateKey(st.CorrelationID), expectedKey(st.CorrelationID), deadlinesKey},
		args...,
	).Int()
	if err != nil {
		return false, fmt.Errorf("repository: Register: %w", err)
	}
	return created == 1, nil
}

func (r *RedisAggregations) Record(ctx context.Context, resp domain.WorkerResponse) (domain.AggregationState, error) {
	encoded, err := json.Marshal(domain.WorkerResult{Status: resp.Status, Data: resp.Data})
	if err != nil {
		return domain.AggregationState{}, fmt.Errorf("repository: Record encode: %w", err)
	}

	outcome, err := recordScript.Run(ctx, r.client,
		[]string{stateKey(resp.CorrelationID), expectedKey(resp.CorrelationID), responsesKey(resp.CorrelationID)},
		string(resp.Source), string(encoded),
	).Text()
	if err != nil {
		return domain.AggregationState{}, fmt.Errorf("repository: Record: %w", err)
	}
	if err := scriptOutcome(outcome); err != nil {
		return domain.AggregationState{}, err
	}
	return r.load(ctx, resp.CorrelationID)
}

func (r *RedisAggregations) Forward(ctx context.Context, correlationID string, status domain.AggregationStatus) (domain.AggregationState, bool, error) {
	if !status.Terminal() {
		return domain.AggregationState{}, false, fmt.Errorf("repository: Forward: %q is not a terminal status", status)
	}

	outcome, err := forwardScript.Run(ctx, r.client,
		[]string{stateKey(correlationID), deadlinesKey},
		string(status), correlationID,
	).Text()
	if err != nil {
		return domain.AggregationState{}, false, fmt.Errorf("repository: Forward: %w", err)
	}
	switch outcome {
	case "ok":
		st, err := r.load(ctx, correlationID)
		return st, err == nil, err
	case "closed":
		st, err := r.load(ctx, correlationID)
		return st, false, err
	default:
		return domain.AggregationState{}, false, scriptOutcome(outcome)
	}
}

func (r *RedisAggregations) Expired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := r.client.ZRangeByScore(ctx, deadlinesKey, by).Result()
	if err != nil {
		return nil, fmt.Errorf("repository: Expired: %w", err)
	}
	return ids, nil
}

func (r *RedisAggregations) load(ctx context.Context, correlationID string) (domain.AggregationState, error) {
	pipe := r.client.Pipeline()
	stateCmd := pipe.HGetAll(ctx, stateKey(correlationID))
	expectedCmd := pipe.SMembers(ctx, expectedKey(correlationID))
	responsesCmd := pipe.HGetAll(ctx, responsesKey(correlationID))
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.AggregationState{}, fmt.Errorf("repository: load %q: %w", correlationID, err)
	}

	fields := stateCmd.Val()
	if len(fields) == 0 {
		return domain.AggregationState{}, domain.ErrTurnNotFound
	}
	deadline, err := strconv.ParseInt(fields["deadline"], 10, 64)
	if err != nil {
		return domain.AggregationState{}, fmt.Errorf("repository: load %q: parse deadline: %w", correlationID, err)
	}

	st := domain.AggregationState{
		CorrelationID: correlationID,
		UserID:        fields["userId"],
		Message:       fields["message"],
		Status:        domain.AggregationStatus(fields["status"]),
		Deadline:      time.UnixMilli(deadline).UTC(),
		Results:       map[domain.Source]domain.WorkerResult{},
	}
	for _, v := range expectedCmd.Val() {
		st.Expected = append(st.Expected, domain.Source(v))
	}
	st.Expected = domain.SortSources(st.Expected)
	for src, raw := range responsesCmd.Val() {
		var res domain.WorkerResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return domain.AggregationState{}, fmt.Errorf("repository: load %q: decode %s: %w", correlationID, src, err)
		}
		st.Results[domain.Source(src)] = res
	}
	return st, nil
}

func scriptOutcome(outcome string) error {
	switch outcome {
	case "ok":
		return nil
	case "not_found":
		return domain.ErrTurnNotFound
	case "closed":
		return domain.ErrTurnClosed
	case "unexpected":
		return domain.ErrUnexpectedSource
	default:
		return fmt.Errorf("repository: unexpected script result %q", outcome)
	}
}

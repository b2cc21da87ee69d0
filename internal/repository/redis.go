// Copyright 2025 James Ross
package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loopai/engine/internal/domain"
	"github.com/loopai/engine/internal/errs"
	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every key this repository writes, matching the
// teacher's "jobqueue:<kind>:<id>" convention from internal/queue.
const keyPrefix = "loopai"

// RedisStore is the Redis-backed Repositories implementation, used in
// production in place of InMemory. Canary and Execution records are
// stored as JSON strings; per-task/per-program indices are Redis sets
// (sorted sets scored by execution time, for executions) so ListBy*
// queries avoid a full keyspace scan. Execution and validation
// payloads are compressed via the shared payloadCodec (§5 Domain Stack)
// before they hit the wire, since those two entities are the ones whose
// input/output bodies grow large.
type RedisStore struct {
	rdb   *redis.Client
	codec *payloadCodec
}

// NewRedisStore wraps an already-configured *redis.Client. compressPayloads
// mirrors config.Executor.CompressPayloads; pass false to store execution
// and validation bodies uncompressed (e.g. in tests that inspect raw keys).
func NewRedisStore(rdb *redis.Client, compressPayloads bool) (*RedisStore, error) {
	codec, err := newPayloadCodec(compressPayloads)
	if err != nil {
		return nil, err
	}
	return &RedisStore{rdb: rdb, codec: codec}, nil
}

// CompressionStats reports the codec's cumulative activity.
func (s *RedisStore) CompressionStats() CompressionStats {
	return s.codec.Stats()
}

func (s *RedisStore) AsRepositories() Repositories {
	return Repositories{Tasks: s, Artifacts: s, Executions: s, Validations: s, Canaries: s}
}

func taskKey(id string) string     { return fmt.Sprintf("%s:task:%s", keyPrefix, id) }
func artifactKey(id string) string { return fmt.Sprintf("%s:artifact:%s", keyPrefix, id) }
func executionKey(id string) string { return fmt.Sprintf("%s:execution:%s", keyPrefix, id) }
func validationKey(id string) string { return fmt.Sprintf("%s:validation:%s", keyPrefix, id) }
func canaryKey(id string) string   { return fmt.Sprintf("%s:canary:%s", keyPrefix, id) }

func artifactsByTaskKey(taskID string) string  { return fmt.Sprintf("%s:task:%s:artifacts", keyPrefix, taskID) }
func executionsByTaskKey(taskID string) string { return fmt.Sprintf("%s:task:%s:executions", keyPrefix, taskID) }
func executionsByProgramKey(programID string) string {
	return fmt.Sprintf("%s:program:%s:executions", keyPrefix, programID)
}
func canariesByTaskKey(taskID string) string { return fmt.Sprintf("%s:task:%s:canaries", keyPrefix, taskID) }

// --- TaskRepository ---

func (s *RedisStore) Create(ctx context.Context, t *domain.Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, taskKey(t.ID), payload, 0).Err()
}

func (s *RedisStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	raw, err := s.rdb.Get(ctx, taskKey(id)).Result()
	if err == redis.Nil {
		return nil, errs.Wrap(errs.ErrTaskNotFound, errs.NotFound, "task not found").WithDetail("task_id", id)
	}
	if err != nil {
		return nil, err
	}
	var t domain.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *RedisStore) Update(ctx context.Context, t *domain.Task) error {
	return s.Create(ctx, t)
}

func (s *RedisStore) List(ctx context.Context) ([]*domain.Task, error) {
	return scanEntities[domain.Task](ctx, s.rdb, fmt.Sprintf("%s:task:*", keyPrefix))
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, taskKey(id)).Err()
}

// --- ArtifactRepository ---

func (s *RedisStore) CreateArtifact(ctx context.Context, a *domain.ProgramArtifact) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, artifactKey(a.ID), payload, 0)
	pipe.SAdd(ctx, artifactsByTaskKey(a.TaskID), a.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetArtifact(ctx context.Context, id string) (*domain.ProgramArtifact, error) {
	raw, err := s.rdb.Get(ctx, artifactKey(id)).Result()
	if err == redis.Nil {
		return nil, errs.Wrap(errs.ErrArtifactNotFound, errs.NotFound, "artifact not found").WithDetail("artifact_id", id)
	}
	if err != nil {
		return nil, err
	}
	var a domain.ProgramArtifact
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *RedisStore) UpdateArtifact(ctx context.Context, a *domain.ProgramArtifact) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, artifactKey(a.ID), payload, 0).Err()
}

func (s *RedisStore) ListArtifactsByTask(ctx context.Context, taskID string) ([]*domain.ProgramArtifact, error) {
	ids, err := s.rdb.SMembers(ctx, artifactsByTaskKey(taskID)).Result()
	if err != nil {
		return nil, err
	}
	var out []*domain.ProgramArtifact
	for _, id := range ids {
		a, err := s.GetArtifact(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *RedisStore) ActiveArtifactForTask(ctx context.Context, taskID string) (*domain.ProgramArtifact, error) {
	artifacts, err := s.ListArtifactsByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, a := range artifacts {
		if a.Status == domain.ArtifactActive {
			return a, nil
		}
	}
	return nil, errs.Wrap(errs.ErrNoActiveArtifact, errs.NotFound, "no active artifact for task").WithDetail("task_id", taskID)
}

// --- ExecutionRepository ---

func (s *RedisStore) CreateExecution(ctx context.Context, e *domain.ExecutionRecord) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, executionKey(e.ID), s.codec.encode(payload), 0)
	pipe.ZAdd(ctx, executionsByTaskKey(e.TaskID), redis.Z{Score: float64(e.ExecutedAt.Unix()), Member: e.ID})
	pipe.ZAdd(ctx, executionsByProgramKey(e.ProgramID), redis.Z{Score: float64(e.ExecutedAt.Unix()), Member: e.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetExecution(ctx context.Context, id string) (*domain.ExecutionRecord, error) {
	raw, err := s.rdb.Get(ctx, executionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, errs.Wrap(errs.ErrExecutionNotFound, errs.NotFound, "execution not found").WithDetail("execution_id", id)
	}
	if err != nil {
		return nil, err
	}
	payload, err := s.codec.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("repository: decoding execution %s: %w", id, err)
	}
	var e domain.ExecutionRecord
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *RedisStore) ListExecutionsByProgram(ctx context.Context, programID string, limit int) ([]*domain.ExecutionRecord, error) {
	ids, err := s.rdb.ZRevRangeByScore(ctx, executionsByProgramKey(programID), &redis.ZRangeBy{Min: "-inf", Max: "+inf", Count: int64(limit)}).Result()
	if err != nil {
		return nil, err
	}
	return s.fetchExecutions(ctx, ids)
}

func (s *RedisStore) ListExecutionsByTask(ctx context.Context, taskID string, since int64, limit int) ([]*domain.ExecutionRecord, error) {
	ids, err := s.rdb.ZRevRangeByScore(ctx, executionsByTaskKey(taskID), &redis.ZRangeBy{Min: fmt.Sprintf("%d", since), Max: "+inf", Count: int64(limit)}).Result()
	if err != nil {
		return nil, err
	}
	return s.fetchExecutions(ctx, ids)
}

func (s *RedisStore) fetchExecutions(ctx context.Context, ids []string) ([]*domain.ExecutionRecord, error) {
	var out []*domain.ExecutionRecord
	for _, id := range ids {
		e, err := s.GetExecution(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// --- ValidationRepository ---

func (s *RedisStore) CreateValidation(ctx context.Context, v *domain.ValidationResult) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, validationKey(v.ID), s.codec.encode(payload), 0)
	pipe.SAdd(ctx, fmt.Sprintf("%s:execution:%s:validations", keyPrefix, v.ExecutionID), v.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetValidation(ctx context.Context, id string) (*domain.ValidationResult, error) {
	raw, err := s.rdb.Get(ctx, validationKey(id)).Bytes()
	if err != nil {
		return nil, err
	}
	payload, err := s.codec.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("repository: decoding validation %s: %w", id, err)
	}
	var v domain.ValidationResult
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *RedisStore) ListValidationsByExecution(ctx context.Context, executionID string) ([]*domain.ValidationResult, error) {
	ids, err := s.rdb.SMembers(ctx, fmt.Sprintf("%s:execution:%s:validations", keyPrefix, executionID)).Result()
	if err != nil {
		return nil, err
	}
	var out []*domain.ValidationResult
	for _, id := range ids {
		v, err := s.GetValidation(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// --- CanaryRepository ---

func (s *RedisStore) CreateCanary(ctx context.Context, c *domain.CanaryDeployment) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, canaryKey(c.ID), payload, 0)
	pipe.SAdd(ctx, canariesByTaskKey(c.TaskID), c.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetCanary(ctx context.Context, id string) (*domain.CanaryDeployment, error) {
	raw, err := s.rdb.Get(ctx, canaryKey(id)).Result()
	if err == redis.Nil {
		return nil, errs.Wrap(errs.ErrCanaryNotFound, errs.NotFound, "canary not found").WithDetail("canary_id", id)
	}
	if err != nil {
		return nil, err
	}
	var c domain.CanaryDeployment
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *RedisStore) UpdateCanary(ctx context.Context, c *domain.CanaryDeployment) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, canaryKey(c.ID), payload, 0).Err()
}

func (s *RedisStore) ActiveCanaryForTask(ctx context.Context, taskID string) (*domain.CanaryDeployment, error) {
	canaries, err := s.ListCanariesByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, c := range canaries {
		if c.Status == domain.CanaryInProgress || c.Status == domain.CanaryPaused {
			return c, nil
		}
	}
	return nil, nil
}

func (s *RedisStore) ListCanariesByTask(ctx context.Context, taskID string) ([]*domain.CanaryDeployment, error) {
	ids, err := s.rdb.SMembers(ctx, canariesByTaskKey(taskID)).Result()
	if err != nil {
		return nil, err
	}
	var out []*domain.CanaryDeployment
	for _, id := range ids {
		c, err := s.GetCanary(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// scanEntities walks the keyspace matching pattern and unmarshals each
// value into T, used only for the low-cardinality Task listing.
func scanEntities[T any](ctx context.Context, rdb *redis.Client, pattern string) ([]*T, error) {
	var out []*T
	var cursor uint64
	for {
		keys, cur, err := rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		cursor = cur
		for _, k := range keys {
			raw, err := rdb.Get(ctx, k).Result()
			if err != nil {
				continue
			}
			var v T
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				continue
			}
			out = append(out, &v)
		}
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

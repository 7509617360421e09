package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed implementation of Store. It models the
// queue as a sorted set ordered by priority and submission sequence, the
// active set as a sorted set ordered by lease expiry, and delayed
// job-level retries as a sorted set ordered by readiness time.
//
// RedisStore assumes a single claimant (the drip scheduler enforces
// concurrency=1 at a higher layer) and does not arbitrate ClaimNext
// across competing callers beyond what BZPOPMIN already guarantees.
type RedisStore struct {
	rdb    *redis.Client
	prefix string

	leaseDuration time.Duration
	resultTTL     time.Duration
	batchTTL      time.Duration

	completedMaxCount int
	completedMaxAge   time.Duration
	failedMaxCount    int
	failedMaxAge      time.Duration
}

// Retention defaults applied when a RedisStoreConfig leaves the
// corresponding field at its zero value.
const (
	defaultCompletedMaxCount = 1000
	defaultCompletedMaxAge   = 24 * time.Hour
	defaultFailedMaxCount    = 500
	defaultFailedMaxAge      = 7 * 24 * time.Hour
)

// RedisStoreConfig configures retention and lease behavior for a
// RedisStore.
type RedisStoreConfig struct {
	Prefix            string
	LeaseDuration     time.Duration
	ResultTTL         time.Duration
	BatchTTL          time.Duration
	CompletedMaxCount int
	CompletedMaxAge   time.Duration
	FailedMaxCount    int
	FailedMaxAge      time.Duration
}

// workerLockKey is the single-flight lock guarding concurrent dripworker
// instances against the same prefix: the drip-rate invariant only holds
// if exactly one scheduler claims jobs.
func (s *RedisStore) workerLockKey() string { return s.prefix + ":worker-lock" }

// AcquireWorkerLock attempts to take the single-instance lock for this
// store's prefix using SET NX EX. Returns false if another dripworker
// already holds it.
func (s *RedisStore) AcquireWorkerLock(ctx context.Context, ownerID string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.workerLockKey(), ownerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire worker lock: %w", err)
	}
	return ok, nil
}

// RenewWorkerLock extends this instance's hold on the single-instance
// lock, failing closed if another instance has since taken it over.
func (s *RedisStore) RenewWorkerLock(ctx context.Context, ownerID string, ttl time.Duration) error {
	current, err := s.rdb.Get(ctx, s.workerLockKey()).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("renew worker lock: %w", err)
	}
	if current != ownerID {
		return fmt.Errorf("worker lock no longer held by %s (held by %q)", ownerID, current)
	}
	return s.rdb.Expire(ctx, s.workerLockKey(), ttl).Err()
}

// NewRedisStore connects to the Redis instance at addr and returns a
// Store backed by it.
func NewRedisStore(ctx context.Context, addr string, cfg RedisStoreConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "dripgate"
	}
	if cfg.CompletedMaxCount <= 0 {
		cfg.CompletedMaxCount = defaultCompletedMaxCount
	}
	if cfg.CompletedMaxAge <= 0 {
		cfg.CompletedMaxAge = defaultCompletedMaxAge
	}
	if cfg.FailedMaxCount <= 0 {
		cfg.FailedMaxCount = defaultFailedMaxCount
	}
	if cfg.FailedMaxAge <= 0 {
		cfg.FailedMaxAge = defaultFailedMaxAge
	}
	return &RedisStore{
		rdb:               rdb,
		prefix:            cfg.Prefix,
		leaseDuration:     cfg.LeaseDuration,
		resultTTL:         cfg.ResultTTL,
		batchTTL:          cfg.BatchTTL,
		completedMaxCount: cfg.CompletedMaxCount,
		completedMaxAge:   cfg.CompletedMaxAge,
		failedMaxCount:    cfg.FailedMaxCount,
		failedMaxAge:      cfg.FailedMaxAge,
	}, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func (s *RedisStore) jobsKey() string               { return s.prefix + ":jobs" }
func (s *RedisStore) activeKey() string             { return s.prefix + ":active" }
func (s *RedisStore) delayedKey() string            { return s.prefix + ":delayed" }
func (s *RedisStore) seqKey() string                { return s.prefix + ":seq" }
func (s *RedisStore) jobKey(id string) string       { return s.prefix + ":job:" + id }
func (s *RedisStore) batchKey(id string) string     { return s.prefix + ":batch:" + id }
func (s *RedisStore) completedIdxKey() string       { return s.prefix + ":completed_index" }
func (s *RedisStore) failedIdxKey() string          { return s.prefix + ":failed_index" }
func (s *RedisStore) batchResultsKey(id string) string {
	return s.prefix + ":batchresults:" + id
}

func (s *RedisStore) resultKey(jobID, batchID string) string {
	if batchID == "" {
		return s.prefix + ":result:" + jobID
	}
	return s.prefix + ":result:" + jobID + ":" + batchID
}

func priorityScore(priority int, seq int64) float64 {
	return float64(priority)*1e13 + float64(seq)
}

func (s *RedisStore) nextSeq(ctx context.Context) (int64, error) {
	return s.rdb.Incr(ctx, s.seqKey()).Result()
}

func (s *RedisStore) putJob(ctx context.Context, j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", j.ID, err)
	}
	if err := s.rdb.Set(ctx, s.jobKey(j.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("write job %s: %w", j.ID, err)
	}
	return nil
}

func (s *RedisStore) getJob(ctx context.Context, id string) (*Job, error) {
	data, err := s.rdb.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &j, nil
}

func (s *RedisStore) PushOne(ctx context.Context, j *Job) error {
	return s.PushBulk(ctx, []*Job{j})
}

func (s *RedisStore) PushBulk(ctx context.Context, jobs []*Job) error {
	if len(jobs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	pipe := s.rdb.TxPipeline()
	for _, j := range jobs {
		seq, err := s.nextSeq(ctx)
		if err != nil {
			return fmt.Errorf("assign sequence: %w", err)
		}
		j.Seq = seq
		j.Status = StatusWaiting
		j.EnqueuedAt = now
		data, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", j.ID, err)
		}
		pipe.Set(ctx, s.jobKey(j.ID), data, 0)
		pipe.ZAdd(ctx, s.jobsKey(), redis.Z{Score: priorityScore(j.Priority, seq), Member: j.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push jobs: %w", err)
	}
	return nil
}

func (s *RedisStore) ClaimNext(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := s.rdb.BZPopMin(ctx, timeout, s.jobsKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	jobID, ok := res.Member.(string)
	if !ok {
		return nil, fmt.Errorf("claim next: unexpected member type %T", res.Member)
	}

	j, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, fmt.Errorf("claim next: job %s has no record", jobID)
	}

	now := time.Now().UTC()
	j.Status = StatusActive
	j.StartedAt = &now
	if err := s.putJob(ctx, j); err != nil {
		return nil, err
	}
	leaseUntil := now.Add(s.leaseDuration).Unix()
	if err := s.rdb.ZAdd(ctx, s.activeKey(), redis.Z{Score: float64(leaseUntil), Member: jobID}).Err(); err != nil {
		return nil, fmt.Errorf("acquire lease for %s: %w", jobID, err)
	}
	return j, nil
}

func (s *RedisStore) RenewLease(ctx context.Context, jobID string) error {
	leaseUntil := time.Now().Add(s.leaseDuration).Unix()
	err := s.rdb.ZAdd(ctx, s.activeKey(), redis.Z{Score: float64(leaseUntil), Member: jobID}).Err()
	if err != nil {
		return fmt.Errorf("renew lease for %s: %w", jobID, err)
	}
	return nil
}

func (s *RedisStore) Requeue(ctx context.Context, j *Job, delay time.Duration) error {
	j.Status = StatusDelayed
	if err := s.putJob(ctx, j); err != nil {
		return err
	}
	readyAt := time.Now().Add(delay).Unix()
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, s.delayedKey(), redis.Z{Score: float64(readyAt), Member: j.ID})
	pipe.ZRem(ctx, s.activeKey(), j.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue job %s: %w", j.ID, err)
	}
	return nil
}

// promoteSet is shared logic for moving jobs out of a "pending" sorted
// set (delayed retries or stalled active leases) back into the waiting
// queue with a fresh sequence number.
func (s *RedisStore) promoteSet(ctx context.Context, setKey string, newStatus Status) (int, error) {
	now := time.Now().Unix()
	ids, err := s.rdb.ZRangeByScore(ctx, setKey, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", setKey, err)
	}
	count := 0
	for _, id := range ids {
		j, err := s.getJob(ctx, id)
		if err != nil || j == nil {
			_ = s.rdb.ZRem(ctx, setKey, id).Err()
			continue
		}
		seq, err := s.nextSeq(ctx)
		if err != nil {
			return count, fmt.Errorf("assign sequence: %w", err)
		}
		j.Seq = seq
		j.Status = newStatus
		if err := s.putJob(ctx, j); err != nil {
			return count, err
		}
		pipe := s.rdb.TxPipeline()
		pipe.ZAdd(ctx, s.jobsKey(), redis.Z{Score: priorityScore(j.Priority, seq), Member: j.ID})
		pipe.ZRem(ctx, setKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return count, fmt.Errorf("promote job %s: %w", id, err)
		}
		count++
	}
	return count, nil
}

func (s *RedisStore) PromoteDueDelayed(ctx context.Context) (int, error) {
	return s.promoteSet(ctx, s.delayedKey(), StatusWaiting)
}

func (s *RedisStore) RecoverExpiredLeases(ctx context.Context) (int, error) {
	return s.promoteSet(ctx, s.activeKey(), StatusWaiting)
}

func (s *RedisStore) CreateBatch(ctx context.Context, b *Batch) error {
	key := s.batchKey(b.BatchID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"total":      b.Total,
		"completed":  0,
		"failed":     0,
		"created_at": b.CreatedAt.UTC().Format(time.RFC3339),
		"tool":       b.Tool,
	})
	pipe.Expire(ctx, key, s.batchTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create batch %s: %w", b.BatchID, err)
	}
	return nil
}

func (s *RedisStore) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	fields, err := s.rdb.HGetAll(ctx, s.batchKey(batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", batchID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseBatch(batchID, fields)
}

func parseBatch(batchID string, fields map[string]string) (*Batch, error) {
	b := &Batch{BatchID: batchID, Tool: fields["tool"]}
	var err error
	if b.Total, err = strconv.Atoi(fields["total"]); err != nil {
		return nil, fmt.Errorf("parse batch %s total: %w", batchID, err)
	}
	if b.Completed, err = strconv.Atoi(fields["completed"]); err != nil {
		return nil, fmt.Errorf("parse batch %s completed: %w", batchID, err)
	}
	if b.Failed, err = strconv.Atoi(fields["failed"]); err != nil {
		return nil, fmt.Errorf("parse batch %s failed: %w", batchID, err)
	}
	if b.CreatedAt, err = time.Parse(time.RFC3339, fields["created_at"]); err != nil {
		return nil, fmt.Errorf("parse batch %s created_at: %w", batchID, err)
	}
	return b, nil
}

func (s *RedisStore) incrementBatch(ctx context.Context, batchID, field string) (*Batch, error) {
	key := s.batchKey(batchID)
	if err := s.rdb.HIncrBy(ctx, key, field, 1).Err(); err != nil {
		return nil, fmt.Errorf("increment %s on batch %s: %w", field, batchID, err)
	}
	return s.GetBatch(ctx, batchID)
}

func (s *RedisStore) IncrementCompleted(ctx context.Context, batchID string) (*Batch, error) {
	return s.incrementBatch(ctx, batchID, "completed")
}

func (s *RedisStore) IncrementFailed(ctx context.Context, batchID string) (*Batch, error) {
	return s.incrementBatch(ctx, batchID, "failed")
}

func (s *RedisStore) WriteResult(ctx context.Context, r *ResultRecord) error {
	r.StoredAt = time.Now().UTC()
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result %s: %w", r.JobID, err)
	}

	key := s.resultKey(r.JobID, r.BatchID)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, key, data, s.resultTTL)
	pipe.ZRem(ctx, s.activeKey(), r.JobID)
	if r.BatchID != "" {
		brKey := s.batchResultsKey(r.BatchID)
		pipe.ZAdd(ctx, brKey, redis.Z{Score: float64(r.StoredAt.Unix()), Member: r.JobID})
		pipe.Expire(ctx, brKey, s.resultTTL)
	}
	idxKey := s.completedIdxKey()
	if r.Status == StatusFailed {
		idxKey = s.failedIdxKey()
	}
	pipe.ZAdd(ctx, idxKey, redis.Z{
		Score:  float64(r.FinishedAt.Unix()),
		Member: r.JobID + "|" + r.BatchID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write result %s: %w", r.JobID, err)
	}

	return s.trimRetained(ctx, idxKey, s.retentionFor(r.Status))
}

type retention struct {
	maxCount int
	maxAge   time.Duration
}

func (s *RedisStore) retentionFor(status Status) retention {
	if status == StatusFailed {
		return retention{maxCount: s.failedMaxCount, maxAge: s.failedMaxAge}
	}
	return retention{maxCount: s.completedMaxCount, maxAge: s.completedMaxAge}
}

// trimRetained deletes only the jobs that are BOTH beyond the newest
// maxCount entries AND older than maxAge, matching the "keep N or keep
// younger than T" retention rule (a record survives if either bound
// alone would keep it). maxCount<=0 disables this bound entirely
// (unlimited), matching MemStore.trimOrder.
func (s *RedisStore) trimRetained(ctx context.Context, idxKey string, r retention) error {
	if r.maxCount <= 0 {
		return nil
	}
	total, err := s.rdb.ZCard(ctx, idxKey).Result()
	if err != nil {
		return fmt.Errorf("count %s: %w", idxKey, err)
	}
	if int(total) <= r.maxCount {
		return nil
	}
	excess := int(total) - r.maxCount
	victims, err := s.rdb.ZRangeWithScores(ctx, idxKey, 0, int64(excess-1)).Result()
	if err != nil {
		return fmt.Errorf("range %s: %w", idxKey, err)
	}
	cutoff := time.Now().Add(-r.maxAge).Unix()
	for _, v := range victims {
		if int64(v.Score) >= cutoff {
			continue
		}
		member, _ := v.Member.(string)
		jobID, batchID := splitIndexMember(member)
		pipe := s.rdb.TxPipeline()
		pipe.Del(ctx, s.resultKey(jobID, batchID))
		pipe.Del(ctx, s.jobKey(jobID))
		pipe.ZRem(ctx, idxKey, member)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("evict %s: %w", member, err)
		}
	}
	return nil
}

func splitIndexMember(member string) (jobID, batchID string) {
	for i := 0; i < len(member); i++ {
		if member[i] == '|' {
			return member[:i], member[i+1:]
		}
	}
	return member, ""
}

func (s *RedisStore) Sweep(ctx context.Context) error {
	if err := s.trimRetained(ctx, s.completedIdxKey(), retention{maxCount: s.completedMaxCount, maxAge: s.completedMaxAge}); err != nil {
		return err
	}
	return s.trimRetained(ctx, s.failedIdxKey(), retention{maxCount: s.failedMaxCount, maxAge: s.failedMaxAge})
}

func (s *RedisStore) GetResult(ctx context.Context, jobID string) (*ResultRecord, error) {
	// Results may be keyed with or without a batch suffix; job records
	// retain batch_id so we can reconstruct the exact key.
	j, err := s.getJob(ctx, jobID)
	batchID := ""
	if err == nil && j != nil {
		batchID = j.BatchID
	}
	data, err := s.rdb.Get(ctx, s.resultKey(jobID, batchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", jobID, err)
	}
	var r ResultRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal result %s: %w", jobID, err)
	}
	return &r, nil
}

func (s *RedisStore) ListResultsByBatch(ctx context.Context, batchID string, limit int) ([]*ResultRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.rdb.ZRevRange(ctx, s.batchResultsKey(batchID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list results for batch %s: %w", batchID, err)
	}
	results := make([]*ResultRecord, 0, len(ids))
	for _, id := range ids {
		data, err := s.rdb.Get(ctx, s.resultKey(id, batchID)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get result %s: %w", id, err)
		}
		var r ResultRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("unmarshal result %s: %w", id, err)
		}
		results = append(results, &r)
	}
	return results, nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	pipe := s.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, s.jobsKey())
	active := pipe.ZCard(ctx, s.activeKey())
	completed := pipe.ZCard(ctx, s.completedIdxKey())
	failed := pipe.ZCard(ctx, s.failedIdxKey())
	delayed := pipe.ZCard(ctx, s.delayedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return Stats{
		Waiting:           waiting.Val(),
		Active:            active.Val(),
		CompletedRetained: completed.Val(),
		FailedRetained:    failed.Val(),
		Delayed:           delayed.Val(),
	}, nil
}

package job

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by unit tests that exercise the
// scheduler and API layers without a live Redis instance.
//
// MemStore keeps no timers: Requeue does not record its delay,
// PromoteDueDelayed moves every delayed job back to waiting, and
// RecoverExpiredLeases moves every active job back to waiting, whether or
// not its lease has expired.
type MemStore struct {
	mu sync.Mutex

	seq     int64
	waiting map[string]*Job
	active  map[string]*Job
	delayed map[string]*Job
	jobs    map[string]*Job

	batches map[string]*Batch
	results map[string]*ResultRecord

	completedMaxCount int
	completedMaxAge   time.Duration
	failedMaxCount    int
	failedMaxAge      time.Duration

	completedOrder []string
	failedOrder    []string
}

// NewMemStore returns an empty MemStore. A count limit of 0 disables
// retention trimming for that outcome (unlimited); an age limit of 0 gives
// no age-based protection, so only the count limit decides.
func NewMemStore(completedMaxCount int, completedMaxAge time.Duration, failedMaxCount int, failedMaxAge time.Duration) *MemStore {
	return &MemStore{
		waiting:           make(map[string]*Job),
		active:            make(map[string]*Job),
		delayed:           make(map[string]*Job),
		jobs:              make(map[string]*Job),
		batches:           make(map[string]*Batch),
		results:           make(map[string]*ResultRecord),
		completedMaxCount: completedMaxCount,
		completedMaxAge:   completedMaxAge,
		failedMaxCount:    failedMaxCount,
		failedMaxAge:      failedMaxAge,
	}
}

func (m *MemStore) Close() error { return nil }

func (m *MemStore) PushOne(ctx context.Context, j *Job) error {
	return m.PushBulk(ctx, []*Job{j})
}

func (m *MemStore) PushBulk(ctx context.Context, jobs []*Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, j := range jobs {
		m.seq++
		j.Seq = m.seq
		j.Status = StatusWaiting
		j.EnqueuedAt = now
		m.waiting[j.ID] = j
		m.jobs[j.ID] = j
	}
	return nil
}

// bestWaiting returns the highest priority (lowest Priority number),
// lowest seq job currently waiting, or nil if none.
func (m *MemStore) bestWaiting() *Job {
	var best *Job
	for _, j := range m.waiting {
		if best == nil || j.Priority < best.Priority || (j.Priority == best.Priority && j.Seq < best.Seq) {
			best = j
		}
	}
	return best
}

func (m *MemStore) ClaimNext(ctx context.Context, timeout time.Duration) (*Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		j := m.bestWaiting()
		if j != nil {
			delete(m.waiting, j.ID)
			now := time.Now().UTC()
			j.Status = StatusActive
			j.StartedAt = &now
			m.active[j.ID] = j
			m.mu.Unlock()
			return j, nil
		}
		m.mu.Unlock()
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (m *MemStore) RenewLease(ctx context.Context, jobID string) error {
	return nil
}

func (m *MemStore) Requeue(ctx context.Context, j *Job, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j.Status = StatusDelayed
	delete(m.active, j.ID)
	m.delayed[j.ID] = j
	m.jobs[j.ID] = j
	return nil
}

func (m *MemStore) PromoteDueDelayed(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, j := range m.delayed {
		m.seq++
		j.Seq = m.seq
		j.Status = StatusWaiting
		delete(m.delayed, id)
		m.waiting[id] = j
		count++
	}
	return count, nil
}

func (m *MemStore) RecoverExpiredLeases(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, j := range m.active {
		m.seq++
		j.Seq = m.seq
		j.Status = StatusWaiting
		delete(m.active, id)
		m.waiting[id] = j
		count++
	}
	return count, nil
}

func (m *MemStore) CreateBatch(ctx context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := *b
	m.batches[b.BatchID] = &copy
	return nil
}

func (m *MemStore) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return nil, nil
	}
	copy := *b
	return &copy, nil
}

func (m *MemStore) IncrementCompleted(ctx context.Context, batchID string) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return nil, nil
	}
	b.Completed++
	copy := *b
	return &copy, nil
}

func (m *MemStore) IncrementFailed(ctx context.Context, batchID string) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return nil, nil
	}
	b.Failed++
	copy := *b
	return &copy, nil
}

func (m *MemStore) WriteResult(ctx context.Context, r *ResultRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.StoredAt = time.Now().UTC()
	copy := *r
	m.results[r.JobID] = &copy
	delete(m.active, r.JobID)

	if r.Status == StatusFailed {
		m.failedOrder = append(m.failedOrder, r.JobID)
		m.trimOrder(&m.failedOrder, m.failedMaxCount, m.failedMaxAge)
	} else {
		m.completedOrder = append(m.completedOrder, r.JobID)
		m.trimOrder(&m.completedOrder, m.completedMaxCount, m.completedMaxAge)
	}
	return nil
}

func (m *MemStore) trimOrder(order *[]string, maxCount int, maxAge time.Duration) {
	if maxCount <= 0 {
		return
	}
	total := len(*order)
	if total <= maxCount {
		return
	}
	excess := total - maxCount
	cutoff := time.Now().Add(-maxAge)
	kept := (*order)[:0:0]
	for i, id := range *order {
		r, ok := m.results[id]
		if i < excess && ok && r.FinishedAt.Before(cutoff) {
			delete(m.results, id)
			delete(m.jobs, id)
			continue
		}
		kept = append(kept, id)
	}
	*order = kept
}

func (m *MemStore) GetResult(ctx context.Context, jobID string) (*ResultRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[jobID]
	if !ok {
		return nil, nil
	}
	copy := *r
	return &copy, nil
}

func (m *MemStore) ListResultsByBatch(ctx context.Context, batchID string, limit int) ([]*ResultRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matches []*ResultRecord
	for _, r := range m.results {
		if r.BatchID == batchID {
			copy := *r
			matches = append(matches, &copy)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].StoredAt.After(matches[j].StoredAt)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (m *MemStore) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Waiting:           int64(len(m.waiting)),
		Active:            int64(len(m.active)),
		CompletedRetained: int64(len(m.completedOrder)),
		FailedRetained:    int64(len(m.failedOrder)),
		Delayed:           int64(len(m.delayed)),
	}, nil
}

func (m *MemStore) Sweep(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trimOrder(&m.completedOrder, m.completedMaxCount, m.completedMaxAge)
	m.trimOrder(&m.failedOrder, m.failedMaxCount, m.failedMaxAge)
	return nil
}

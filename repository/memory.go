package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/TimeWtr/minute_scheduler/domain"
	"github.com/TimeWtr/minute_scheduler/matcher"
)

// MemoryJobStore 进程内的JobStore，所有操作在同一把锁内完成，
// 抢占与数据库实现一样按id+epoch+running做条件更新
type MemoryJobStore struct {
	mp map[string]domain.JobRecord
	mu *sync.RWMutex
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		mp: make(map[string]domain.JobRecord),
		mu: &sync.RWMutex{},
	}
}

func (m *MemoryJobStore) Reconcile(_ context.Context, specs []JobSpec, now time.Time) (ReconcileResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res ReconcileResult
	stored := make([]string, 0, len(m.mp))
	for id := range m.mp {
		stored = append(stored, id)
	}

	rows, unscheduled, err := newRows(specs, stored, now, now.Unix())
	res.Unscheduled = unscheduled
	for _, row := range rows {
		m.mp[row.ID] = toDomain(row)
		res.Inserted++
	}

	registered := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		registered[s.ID] = struct{}{}
	}
	for id := range m.mp {
		if _, ok := registered[id]; !ok {
			delete(m.mp, id)
			res.Deleted++
		}
	}

	return res, err
}

func (m *MemoryJobStore) FetchDue(_ context.Context, now time.Time) ([]domain.JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now = matcher.Truncate(now)
	var res []domain.JobRecord
	for _, rec := range m.mp {
		if rec.IsDue(now) {
			res = append(res, rec)
		}
	}
	return res, nil
}

func (m *MemoryJobStore) Claim(_ context.Context, rec domain.JobRecord, now time.Time) (domain.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.mp[rec.ID]
	if !ok || cur.Running || cur.Epoch != rec.Epoch {
		return domain.JobRecord{}, ErrPreemptFailed
	}

	cur.Running = true
	cur.Epoch++
	cur.ClaimedAt = now
	m.mp[rec.ID] = cur
	return cur, nil
}

func (m *MemoryJobStore) Reset(_ context.Context, rec domain.JobRecord, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.mp[rec.ID]
	if !ok || !cur.Running || cur.Epoch != rec.Epoch {
		return ErrReleaseConflict
	}

	cur.Running = false
	cur.Epoch++
	cur.DueAt = matcher.Truncate(next)
	m.mp[rec.ID] = cur
	return nil
}

func (m *MemoryJobStore) Refresh(_ context.Context, rec domain.JobRecord, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.mp[rec.ID]
	if !ok || !cur.Running || cur.Epoch != rec.Epoch {
		return ErrReleaseConflict
	}

	cur.ClaimedAt = now
	m.mp[rec.ID] = cur
	return nil
}

func (m *MemoryJobStore) ReleaseStale(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, rec := range m.mp {
		if rec.Running && rec.ClaimedAt.Before(cutoff) {
			rec.Running = false
			rec.Epoch++
			m.mp[id] = rec
			n++
		}
	}
	return n, nil
}

// Get 单条记录
func (m *MemoryJobStore) Get(id string) (domain.JobRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.mp[id]
	return rec, ok
}

// Records 全部记录，按ID排序
func (m *MemoryJobStore) Records() []domain.JobRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.JobRecord, 0, len(m.mp))
	for _, rec := range m.mp {
		res = append(res, rec)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

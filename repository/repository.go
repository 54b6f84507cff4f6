package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TimeWtr/minute_scheduler/domain"
	"github.com/TimeWtr/minute_scheduler/matcher"
	"github.com/TimeWtr/minute_scheduler/repository/dao"
	"go.uber.org/multierr"
)

var (
	ErrPreemptFailed   = dao.ErrPreemptFailed
	ErrReleaseConflict = dao.ErrReleaseConflict
)

// JobSpec 注册到调度器的Job在对账时需要的信息
type JobSpec struct {
	ID       string
	Schedule matcher.Expression
	// Parked 已知没有下一次到期时间，对账时不再计算，只用于判定孤儿记录
	Parked bool
}

// ReconcileResult 对账结果
type ReconcileResult struct {
	Inserted int64
	Deleted  int64
	// Unscheduled 没有下一次到期时间、本次未插入的Job
	Unscheduled []string
}

// JobStore 持久化的Job调度状态
type JobStore interface {
	// Reconcile 对账：插入新注册的Job，删除已不再注册的记录，可以每轮调用
	Reconcile(ctx context.Context, specs []JobSpec, now time.Time) (ReconcileResult, error)
	// FetchDue 到期且空闲的记录，不保证顺序
	FetchDue(ctx context.Context, now time.Time) ([]domain.JobRecord, error)
	// Claim 抢占记录，竞争失败返回ErrPreemptFailed，成功返回抢占后的记录
	Claim(ctx context.Context, rec domain.JobRecord, now time.Time) (domain.JobRecord, error)
	// Reset 释放记录并写入下次到期时间
	Reset(ctx context.Context, rec domain.JobRecord, next time.Time) error
	// Refresh 续约，记录已不属于当前持有者时返回ErrReleaseConflict
	Refresh(ctx context.Context, rec domain.JobRecord, now time.Time) error
	// ReleaseStale 回收抢占时间早于cutoff的记录，返回回收的数量
	ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error)
}

type JobRepository struct {
	dao dao.JobDAO
	// 测试时替换
	now func() time.Time
}

func NewJobRepository(d dao.JobDAO) *JobRepository {
	return &JobRepository{dao: d, now: time.Now}
}

func (r *JobRepository) Reconcile(ctx context.Context, specs []JobSpec, now time.Time) (ReconcileResult, error) {
	var res ReconcileResult

	stored, err := r.dao.ListIDs(ctx)
	if err != nil {
		return res, fmt.Errorf("list stored jobs: %w", err)
	}

	inserts, unscheduled, err := newRows(specs, stored, now, r.now().Unix())
	res.Unscheduled = unscheduled
	if len(inserts) > 0 {
		n, ierr := r.dao.Insert(ctx, inserts)
		res.Inserted = n
		err = multierr.Append(err, wrap("insert jobs", ierr))
	}

	ids := make([]string, 0, len(specs))
	for _, s := range specs {
		ids = append(ids, s.ID)
	}
	n, derr := r.dao.DeleteNotIn(ctx, ids)
	res.Deleted = n
	err = multierr.Append(err, wrap("delete orphan jobs", derr))

	return res, err
}

func (r *JobRepository) FetchDue(ctx context.Context, now time.Time) ([]domain.JobRecord, error) {
	rows, err := r.dao.FindDue(ctx, matcher.Truncate(now).Unix())
	if err != nil {
		return nil, err
	}

	res := make([]domain.JobRecord, 0, len(rows))
	for _, row := range rows {
		res = append(res, toDomain(row))
	}
	return res, nil
}

func (r *JobRepository) Claim(ctx context.Context, rec domain.JobRecord, now time.Time) (domain.JobRecord, error) {
	if err := r.dao.Preempt(ctx, rec.ID, rec.Epoch, now.Unix()); err != nil {
		return domain.JobRecord{}, err
	}

	rec.Running = true
	rec.Epoch++
	rec.ClaimedAt = time.Unix(now.Unix(), 0)
	return rec, nil
}

func (r *JobRepository) Reset(ctx context.Context, rec domain.JobRecord, next time.Time) error {
	return r.dao.Release(ctx, rec.ID, rec.Epoch, matcher.Truncate(next).Unix(), r.now().Unix())
}

func (r *JobRepository) Refresh(ctx context.Context, rec domain.JobRecord, now time.Time) error {
	return r.dao.Refresh(ctx, rec.ID, rec.Epoch, now.Unix())
}

func (r *JobRepository) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.dao.ReleaseStale(ctx, cutoff.Unix(), r.now().Unix())
}

// newRows 计算需要插入的新记录，下次到期时间基于now计算
func newRows(specs []JobSpec, stored []string, now time.Time, ts int64) ([]dao.Jobs, []string, error) {
	exists := make(map[string]struct{}, len(stored))
	for _, id := range stored {
		exists[id] = struct{}{}
	}

	var (
		rows        []dao.Jobs
		unscheduled []string
		err         error
	)
	for _, s := range specs {
		if _, ok := exists[s.ID]; ok || s.Parked {
			continue
		}
		due, nerr := s.Schedule.Next(now)
		if nerr != nil {
			unscheduled = append(unscheduled, s.ID)
			if !errors.Is(nerr, matcher.ErrNoNextDue) {
				err = multierr.Append(err, fmt.Errorf("job %s: %w", s.ID, nerr))
			}
			continue
		}
		rows = append(rows, dao.Jobs{
			ID:          s.ID,
			DueAt:       due.Unix(),
			UpdatedTime: ts,
			CreatedTime: ts,
		})
	}
	return rows, unscheduled, err
}

func toDomain(row dao.Jobs) domain.JobRecord {
	rec := domain.JobRecord{
		ID:      row.ID,
		Running: row.Running,
		DueAt:   time.Unix(row.DueAt, 0),
		Epoch:   row.Epoch,
	}
	if row.ClaimedAt > 0 {
		rec.ClaimedAt = time.Unix(row.ClaimedAt, 0)
	}
	return rec
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

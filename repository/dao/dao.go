package dao

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrPreemptFailed 条件更新没有命中任何行，任务已被其他节点抢占或版本已变化
	ErrPreemptFailed = errors.New("preempt failed")
	// ErrReleaseConflict 释放时记录已不属于当前持有者（被回收或被删除）
	ErrReleaseConflict = errors.New("release conflict")
)

type JobDAO interface {
	// ListIDs 所有已持久化的Job ID
	ListIDs(ctx context.Context) ([]string, error)
	// Insert 批量插入，主键冲突时忽略，返回实际插入的行数
	Insert(ctx context.Context, jobs []Jobs) (int64, error)
	// DeleteNotIn 删除不在ids中的记录，与running状态无关
	DeleteNotIn(ctx context.Context, ids []string) (int64, error)
	// FindDue 到期且空闲的记录
	FindDue(ctx context.Context, now int64) ([]Jobs, error)
	// Preempt 条件抢占：id、epoch匹配且running=false时置为running并递增epoch
	Preempt(ctx context.Context, id string, epoch int64, now int64) error
	// Release 条件释放：id、epoch匹配且running=true时置为空闲并写入下次到期时间
	Release(ctx context.Context, id string, epoch int64, dueAt int64, now int64) error
	// Refresh 续约，刷新抢占时间，防止执行时间较长的Job被当作过期记录回收
	Refresh(ctx context.Context, id string, epoch int64, now int64) error
	// ReleaseStale 回收抢占时间早于cutoff的记录
	ReleaseStale(ctx context.Context, cutoff int64, now int64) (int64, error)
}

type GORMJobDAO struct {
	db *gorm.DB
}

func NewGORMJobDAO(db *gorm.DB) JobDAO {
	return &GORMJobDAO{db: db}
}

// InitTable 建表
func InitTable(db *gorm.DB) error {
	return db.AutoMigrate(&Jobs{})
}

func (g *GORMJobDAO) ListIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := g.db.WithContext(ctx).Model(&Jobs{}).Pluck("id", &ids).Error
	return ids, err
}

func (g *GORMJobDAO) Insert(ctx context.Context, jobs []Jobs) (int64, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	// 多个节点可能同时对账，主键冲突说明其他节点已经插入
	res := g.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&jobs)
	return res.RowsAffected, res.Error
}

func (g *GORMJobDAO) DeleteNotIn(ctx context.Context, ids []string) (int64, error) {
	db := g.db.WithContext(ctx)
	if len(ids) == 0 {
		res := db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Jobs{})
		return res.RowsAffected, res.Error
	}
	res := db.Where("id NOT IN ?", ids).Delete(&Jobs{})
	return res.RowsAffected, res.Error
}

func (g *GORMJobDAO) FindDue(ctx context.Context, now int64) ([]Jobs, error) {
	var jobs []Jobs
	err := g.db.WithContext(ctx).
		Where("running = ? AND due_at <= ?", false, now).
		Find(&jobs).Error
	return jobs, err
}

func (g *GORMJobDAO) Preempt(ctx context.Context, id string, epoch int64, now int64) error {
	res := g.db.WithContext(ctx).Model(&Jobs{}).
		Where("id = ? AND epoch = ? AND running = ?", id, epoch, false).
		Updates(map[string]interface{}{
			"running":      true,
			"epoch":        epoch + 1,
			"claimed_at":   now,
			"updated_time": now,
		})
	if res.Error != nil {
		return res.Error
	}

	if res.RowsAffected == 0 {
		// 抢占失败
		return ErrPreemptFailed
	}

	return nil
}

func (g *GORMJobDAO) Release(ctx context.Context, id string, epoch int64, dueAt int64, now int64) error {
	res := g.db.WithContext(ctx).Model(&Jobs{}).
		Where("id = ? AND epoch = ? AND running = ?", id, epoch, true).
		Updates(map[string]interface{}{
			"running":      false,
			"epoch":        epoch + 1,
			"due_at":       dueAt,
			"updated_time": now,
		})
	if res.Error != nil {
		return res.Error
	}

	if res.RowsAffected == 0 {
		return ErrReleaseConflict
	}

	return nil
}

// Refresh 续约条件：
// 1. 持有Job的ID，防止出现续约错误的Job；
// 2. 版本为当前版本
// 3. 状态为运行中
func (g *GORMJobDAO) Refresh(ctx context.Context, id string, epoch int64, now int64) error {
	res := g.db.WithContext(ctx).Model(&Jobs{}).
		Where("id = ? AND epoch = ? AND running = ?", id, epoch, true).
		Updates(map[string]interface{}{
			"claimed_at":   now,
			"updated_time": now,
		})
	if res.Error != nil {
		return res.Error
	}

	if res.RowsAffected == 0 {
		return ErrReleaseConflict
	}

	return nil
}

func (g *GORMJobDAO) ReleaseStale(ctx context.Context, cutoff int64, now int64) (int64, error) {
	res := g.db.WithContext(ctx).Model(&Jobs{}).
		Where("running = ? AND claimed_at < ?", true, cutoff).
		Updates(map[string]interface{}{
			"running":      false,
			"epoch":        gorm.Expr("epoch + 1"),
			"updated_time": now,
		})
	return res.RowsAffected, res.Error
}

// Jobs 调度记录表
type Jobs struct {
	// ID Job的唯一标识
	ID string `gorm:"column:id;type:varchar(255);primaryKey" json:"id"`
	// Running 是否执行中，跨进程互斥的唯一凭证
	Running bool `gorm:"column:running;not null;default:false" json:"running"`
	// DueAt 下次到期时间，Unix秒，对齐到分钟
	DueAt int64 `gorm:"column:due_at;type:bigint;not null;index" json:"due_at"`
	// Epoch 乐观锁，等同于version，抢占和释放都会递增
	Epoch int64 `gorm:"column:epoch;type:bigint;not null" json:"epoch"`
	// ClaimedAt 最近一次抢占时间
	ClaimedAt int64 `gorm:"column:claimed_at;type:bigint;not null" json:"claimed_at"`
	// UpdatedTime 更新时间
	UpdatedTime int64 `gorm:"column:updated_time;type:bigint;not null" json:"updated_time"`
	// CreatedTime 创建时间
	CreatedTime int64 `gorm:"column:created_time;type:bigint;not null" json:"created_time"`
}

func (Jobs) TableName() string {
	return "scheduler_jobs"
}

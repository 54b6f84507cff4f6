package lock

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/zeebo/blake3"
)

// RetryDelay 阻塞等待文件锁时的轮询间隔
const RetryDelay = 50 * time.Millisecond

// Guard 基于文件的跨进程建议锁，保证同一个Job在多个进程之间不会并发执行。
// 锁文件不存在时创建，执行完毕后不删除，下次运行仍然可以找到。
type Guard struct {
	dir string
}

// NewGuard dir为空时使用系统临时目录
func NewGuard(dir string) *Guard {
	if dir == "" {
		dir = os.TempDir()
	}
	return &Guard{dir: dir}
}

func (g *Guard) Dir() string {
	return g.dir
}

// Path Job对应的锁文件路径，文件名为Job ID的哈希值
func (g *Guard) Path(jobID string) string {
	sum := blake3.Sum256([]byte(jobID))
	return filepath.Join(g.dir, hex.EncodeToString(sum[:])+".lock")
}

// WithExclusiveLock 阻塞获取排他锁后执行fn，无论fn正常返回、返回错误还是panic都会释放锁
func (g *Guard) WithExclusiveLock(ctx context.Context, jobID string, fn func() error) (err error) {
	if err = os.MkdirAll(g.dir, 0o755); err != nil {
		return fmt.Errorf("create lock dir %s: %w", g.dir, err)
	}

	fl := flock.New(g.Path(jobID))
	locked, err := fl.TryLockContext(ctx, RetryDelay)
	if err != nil {
		_ = fl.Close()
		return fmt.Errorf("acquire lock for job %q: %w", jobID, err)
	}
	if !locked {
		_ = fl.Close()
		return fmt.Errorf("acquire lock for job %q: not acquired", jobID)
	}

	defer func() {
		if uerr := fl.Unlock(); uerr != nil && err == nil {
			err = fmt.Errorf("release lock for job %q: %w", jobID, uerr)
		}
		_ = fl.Close()
	}()

	return fn()
}

package minute_scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidDuration = errors.New("duration must be an integer number of minutes")
	ErrNilExecutor     = errors.New("job executor must not be nil")
	ErrDuplicateJob    = errors.New("duplicate job id")
	ErrEmptyJobID      = errors.New("job id must not be empty")
)

// JobExecutionError Job执行失败，包括执行体返回的错误和panic
type JobExecutionError struct {
	JobID string
	Err   error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %s failed: %v", e.JobID, e.Err)
}

func (e *JobExecutionError) Unwrap() error {
	return e.Err
}

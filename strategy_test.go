package minute_scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedScheduleStrategy(t *testing.T) {
	s := NewFixedScheduleStrategy(time.Second, 2)

	for i := 0; i < 2; i++ {
		interval, err := s.Next()
		require.NoError(t, err)
		assert.Equal(t, time.Second, interval)
	}

	_, err := s.Next()
	assert.ErrorIs(t, err, ErrOverMaxCount)
}

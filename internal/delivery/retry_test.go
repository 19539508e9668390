package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelay(t *testing.T) {
	assert.Equal(t, time.Minute, NextDelay(1, DefaultRetrySchedule))
	assert.Equal(t, 5*time.Minute, NextDelay(2, DefaultRetrySchedule))
	assert.Equal(t, 24*time.Hour, NextDelay(7, DefaultRetrySchedule))
	assert.Equal(t, 24*time.Hour, NextDelay(30, DefaultRetrySchedule))
	assert.Equal(t, time.Minute, NextDelay(0, DefaultRetrySchedule))
	assert.Equal(t, time.Minute, NextDelay(1, nil))
}

func TestNextDelay_NonDecreasing(t *testing.T) {
	prev := time.Duration(0)
	for n := 1; n <= 20; n++ {
		d := NextDelay(n, DefaultRetrySchedule)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", n)
		prev = d
	}
}

func TestIsSuccess(t *testing.T) {
	assert.True(t, IsSuccess(200))
	assert.True(t, IsSuccess(204))
	assert.True(t, IsSuccess(299))
	assert.False(t, IsSuccess(199))
	assert.False(t, IsSuccess(301))
	assert.False(t, IsSuccess(500))
	assert.False(t, IsSuccess(0))
}

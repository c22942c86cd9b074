package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestAddTicker_Fires(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()

	var count int32
	s.AddTicker("tick", 20*time.Millisecond, func() {
		atomic.AddInt32(&count, 1)
	})

	time.Sleep(120 * time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&count), int32(3))
}

func TestAddTicker_Replaces(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()

	var count1, count2 int32
	s.AddTicker("task", 20*time.Millisecond, func() { atomic.AddInt32(&count1, 1) })
	time.Sleep(30 * time.Millisecond)
	s.AddTicker("task", 20*time.Millisecond, func() { atomic.AddInt32(&count2, 1) })
	time.Sleep(80 * time.Millisecond)

	snap1 := atomic.LoadInt32(&count1)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, snap1, atomic.LoadInt32(&count1), "old ticker must stop after replacement")
	assert.Positive(t, atomic.LoadInt32(&count2))
}

func TestAddTicker_PanicRecovered(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()

	var count int32
	s.AddTicker("panicky", 20*time.Millisecond, func() {
		atomic.AddInt32(&count, 1)
		panic("boom")
	})

	time.Sleep(90 * time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&count), int32(2), "task keeps running after a panic")
}

func TestAddDelay_FiresOnce(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()

	var count int32
	s.AddDelay("once", 30*time.Millisecond, func() {
		atomic.AddInt32(&count, 1)
	})

	time.Sleep(120 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&count))
}

func TestRemove_StopsTicker(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()

	var count int32
	s.AddTicker("doomed", 20*time.Millisecond, func() { atomic.AddInt32(&count, 1) })
	time.Sleep(50 * time.Millisecond)
	s.Remove("doomed")
	snap := atomic.LoadInt32(&count)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, snap, atomic.LoadInt32(&count))
	assert.Empty(t, s.ListTasks())
}

func TestAddDailyUTC_Registers(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()

	s.AddDailyUTC("daily-reset", 0, func() {})
	assert.Contains(t, s.ListTasks(), "daily-reset")

	// Replacing under the same name keeps a single registration.
	s.AddDailyUTC("daily-reset", 0, func() {})
	assert.Len(t, s.ListTasks(), 1)
}

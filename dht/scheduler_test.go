package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSchedulerRunsExpiredInOrder(t *testing.T) {
	s := NewScheduler()
	var order []int

	s.Add(func() { order = append(order, 2) }, 20*time.Millisecond, 0)
	s.Add(func() { order = append(order, 1) }, 10*time.Millisecond, 0)
	s.Add(func() { order = append(order, 3) }, 30*time.Millisecond, 0)

	time.Sleep(50 * time.Millisecond)
	s.SyncTime()
	s.Run()

	assert.Equal(t, []int{1, 2, 3}, order)
	assert.True(t, s.NextDeadline().IsZero())
}

func TestSchedulerFixedDelayReArms(t *testing.T) {
	s := NewScheduler()
	count := 0
	job := s.Add(func() { count++ }, 0, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		time.Sleep(15 * time.Millisecond)
		s.SyncTime()
		s.Run()
	}
	assert.GreaterOrEqual(t, count, 3)

	job.Cancel()
	was := count
	time.Sleep(15 * time.Millisecond)
	s.SyncTime()
	s.Run()
	assert.Equal(t, was, count)
}

func TestSchedulerCancelBeforeRun(t *testing.T) {
	s := NewScheduler()
	ran := false
	job := s.Add(func() { ran = true }, 0, 0)
	job.Cancel()

	s.SyncTime()
	s.Run()
	assert.False(t, ran)
}

func TestSchedulerDoesNotRunFutureJobs(t *testing.T) {
	s := NewScheduler()
	ran := false
	s.Add(func() { ran = true }, time.Hour, 0)

	s.SyncTime()
	next := s.Run()
	assert.False(t, ran)
	assert.False(t, next.IsZero())
	assert.True(t, next.After(time.Now()))
}

package debounce

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

func TestScheduler_fires_after_quiet_window(t *testing.T) {
	clk := NewManualClock(epoch)
	s := New(clk)
	var calls int

	s.Schedule(300*time.Millisecond, func() { calls++ })
	clk.Advance(299 * time.Millisecond)
	assert.Equal(t, 0, calls)
	assert.True(t, s.Pending())

	clk.Advance(time.Millisecond)
	assert.Equal(t, 1, calls)
	assert.False(t, s.Pending())
}

func TestScheduler_last_call_wins(t *testing.T) {
	clk := NewManualClock(epoch)
	s := New(clk)
	var got []string

	for _, v := range []string{"a", "am", "ami", "amin", "amina"} {
		s.Schedule(300*time.Millisecond, func() { got = append(got, v) })
		clk.Advance(100 * time.Millisecond)
	}
	clk.Advance(time.Second)

	assert.Equal(t, []string{"amina"}, got)
	assert.Zero(t, clk.Pending())
}

func TestScheduler_Cancel(t *testing.T) {
	clk := NewManualClock(epoch)
	s := New(clk)
	var calls int

	s.Schedule(300*time.Millisecond, func() { calls++ })
	s.Cancel()
	clk.Advance(time.Second)

	assert.Equal(t, 0, calls)
}

func TestScheduler_Flush(t *testing.T) {
	clk := NewManualClock(epoch)
	s := New(clk)
	var calls int

	assert.False(t, s.Flush(), "nothing pending")

	s.Schedule(300*time.Millisecond, func() { calls++ })
	assert.True(t, s.Flush())
	assert.Equal(t, 1, calls)

	clk.Advance(time.Second)
	assert.Equal(t, 1, calls, "flushed call must not fire again")
}

func TestScheduler_Stop(t *testing.T) {
	clk := NewManualClock(epoch)
	s := New(clk)
	var calls int

	s.Schedule(300*time.Millisecond, func() { calls++ })
	s.Stop()
	s.Schedule(300*time.Millisecond, func() { calls++ })
	clk.Advance(time.Second)

	assert.Equal(t, 0, calls)
	assert.False(t, s.Pending())
}

func TestScheduler_fn_may_reschedule(t *testing.T) {
	clk := NewManualClock(epoch)
	s := New(clk)
	var calls int

	var fn func()
	fn = func() {
		calls++
		if calls < 3 {
			s.Schedule(10*time.Millisecond, fn)
		}
	}
	s.Schedule(10*time.Millisecond, fn)
	clk.Advance(time.Second)

	assert.Equal(t, 3, calls)
}

func TestScheduler_real_clock(t *testing.T) {
	s := New(nil)
	var calls atomic.Int32
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		s.Schedule(20*time.Millisecond, func() {
			calls.Add(1)
			close(done)
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("debounced call never fired")
	}
	time.Sleep(40 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestManualClock_orders_timers(t *testing.T) {
	clk := NewManualClock(epoch)
	var order []int
	clk.AfterFunc(30*time.Millisecond, func() { order = append(order, 3) })
	clk.AfterFunc(10*time.Millisecond, func() { order = append(order, 1) })
	clk.AfterFunc(20*time.Millisecond, func() { order = append(order, 2) })
	stopped := clk.AfterFunc(15*time.Millisecond, func() { order = append(order, 99) })
	assert.True(t, stopped.Stop())
	assert.False(t, stopped.Stop())

	clk.Advance(25 * time.Millisecond)
	assert.Equal(t, []int{1, 2}, order)
	assert.Equal(t, epoch.Add(25*time.Millisecond), clk.Now())

	clk.Advance(10 * time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, order)
}

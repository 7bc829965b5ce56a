package reactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduleFiresTask(t *testing.T) {
	r := New()
	done := make(chan struct{})

	r.Schedule(10*time.Millisecond, func() {
		close(done)
		r.Watch().Trip()
	})

	go r.Run()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduled task never ran")
	}
}

func TestCancelBeforeFirePreventsTask(t *testing.T) {
	r := New()
	ran := false

	token := r.Schedule(100*time.Millisecond, func() {
		ran = true
	})
	require.True(t, token.Cancel())

	stopped := make(chan struct{})
	r.Schedule(150*time.Millisecond, func() {
		close(stopped)
		r.Watch().Trip()
	})

	go r.Run()
	<-stopped

	require.False(t, ran)
}

func TestCancelAfterFireIsNoOp(t *testing.T) {
	r := New()
	fired := make(chan struct{})

	token := r.Schedule(5*time.Millisecond, func() {
		close(fired)
	})

	<-fired
	// The timer already fired and posted its task (which may still be
	// queued or even mid-dispatch); cancelling now must be a no-op and
	// must not panic.
	token.Cancel()
}

func TestWatchVariableStopsLoopAfterInFlightTask(t *testing.T) {
	r := New()
	taskCompleted := false

	r.Post(func() {
		time.Sleep(10 * time.Millisecond)
		taskCompleted = true
		r.Watch().Trip()
	})

	runReturned := make(chan struct{})
	go func() {
		r.Run()
		close(runReturned)
	}()

	select {
	case <-runReturned:
	case <-time.After(time.Second):
		t.Fatal("Run never returned after Trip")
	}
	require.True(t, taskCompleted)
}

func TestRegisterReaderPumpsEventsOntoLoop(t *testing.T) {
	r := New()
	results := make(chan int, 10)

	cancel := r.RegisterReader(func(ctx context.Context, post func(Task)) {
		for i := 0; i < 3; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			v := i
			post(func() { results <- v })
		}
	})
	defer cancel()

	go r.Run()

	for i := 0; i < 3; i++ {
		select {
		case v := <-results:
			require.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatal("pump never posted task")
		}
	}
	r.Watch().Trip()
}

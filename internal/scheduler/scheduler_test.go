package scheduler

import (
	"sync"
	"testing"
	"time"
	"weak"

	"github.com/stretchr/testify/require"
)

func TestPost_RunsOnSchedulerGoroutine(t *testing.T) {
	s := New()
	defer s.Stop()

	done := make(chan struct{})
	s.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("posted step never ran")
	}
}

func TestPost_PreservesOrder(t *testing.T) {
	s := New()
	defer s.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		i := i
		s.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestStop_DropsPendingSteps(t *testing.T) {
	s := New()
	s.Stop()

	ran := false
	s.Post(func() { ran = true })
	time.Sleep(10 * time.Millisecond)
	require.False(t, ran)
}

type job struct {
	fired bool
}

func TestPostWeak_RunsWhileReferenceAlive(t *testing.T) {
	s := New()
	defer s.Stop()

	j := &job{}
	ref := weak.Make(j)

	done := make(chan struct{})
	PostWeak(s, ref, func(j *job) {
		j.fired = true
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("weak step never ran")
	}
	require.True(t, j.fired)
}

func TestWeakStep_CompletesWhetherOrNotReferenceCollected(t *testing.T) {
	s := New()
	defer s.Stop()

	ref := weak.Make(&job{})
	// The only strong reference drops here; the runtime is free to collect
	// the job before the scheduler gets to the step. We can't force a GC
	// deterministically across goroutines, so this test only asserts the
	// call never panics and completes when given a cleared value.
	fired := false
	done := make(chan struct{})
	s.Post(func() {
		if v := ref.Value(); v != nil {
			fired = v.fired
		}
		close(done)
	})
	<-done
	_ = fired
}

package executor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

// recorder collects task ids in execution order.
type recorder struct {
	mu  sync.Mutex
	ids []int
}

func (r *recorder) task(id int) Task {
	return func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.ids = append(r.ids, id)
		return nil
	}
}

func (r *recorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.ids...)
}

// drain submits a marker and waits until it ran.
func drain(t *testing.T, e *TaskExecutor) {
	t.Helper()
	done := make(chan struct{})
	e.Submit(func() error {
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("executor did not drain")
	}
}

func TestTaskExecutor_FIFO(t *testing.T) {
	e := New(func(err error) { t.Errorf("unexpected error: %v", err) })
	defer e.Release(func() error { return nil }, testTimeout)

	rec := &recorder{}
	for i := 0; i < 100; i++ {
		e.Submit(rec.task(i))
	}
	drain(t, e)

	ids := rec.snapshot()
	require.Len(t, ids, 100)
	for i, id := range ids {
		assert.Equal(t, i, id)
	}
}

func TestTaskExecutor_HighPriorityRunsBeforePending(t *testing.T) {
	e := New(nil)
	defer e.Release(func() error { return nil }, testTimeout)

	rec := &recorder{}
	gate := make(chan struct{})
	started := make(chan struct{})
	e.Submit(func() error {
		close(started)
		<-gate
		return nil
	})
	<-started

	e.Submit(rec.task(1))
	e.Submit(rec.task(2))
	e.SubmitWithHighPriority(rec.task(100))
	close(gate)
	drain(t, e)

	assert.Equal(t, []int{100, 1, 2}, rec.snapshot())
}

func TestTaskExecutor_ErrorReportedOnce(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	firstReport := make(chan struct{})
	e := New(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, err)
		if len(reported) == 1 {
			close(firstReport)
		}
	})

	first := errors.New("first")
	rec := &recorder{}
	e.Submit(func() error { return first })
	e.Submit(func() error { return errors.New("cascade") })
	e.Submit(rec.task(1))

	select {
	case <-firstReport:
	case <-time.After(testTimeout):
		t.Fatal("error not reported")
	}

	// Submissions after failure are dropped.
	e.Submit(rec.task(2))

	var releaseRan bool
	err := e.Release(func() error {
		releaseRan = true
		return nil
	}, testTimeout)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], first)
	assert.Empty(t, rec.snapshot())
	assert.True(t, releaseRan)
}

func TestTaskExecutor_PanicBecomesError(t *testing.T) {
	errCh := make(chan error, 1)
	e := New(func(err error) { errCh <- err })
	defer e.Release(func() error { return nil }, testTimeout)

	e.Submit(func() error { panic("boom") })

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTaskPanicked)
	case <-time.After(testTimeout):
		t.Fatal("panic not reported")
	}
}

func TestTaskExecutor_ReleaseDropsQueuedWork(t *testing.T) {
	e := New(nil)
	rec := &recorder{}
	gate := make(chan struct{})
	started := make(chan struct{})
	e.Submit(func() error {
		close(started)
		<-gate
		return nil
	})
	<-started
	e.Submit(rec.task(1))
	e.SubmitWithHighPriority(rec.task(2))

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(gate)
	}()
	require.NoError(t, e.Release(rec.task(99), testTimeout))

	assert.Equal(t, []int{99}, rec.snapshot())
	assert.True(t, e.IsReleased())
	assert.Zero(t, e.Pending())
}

func TestTaskExecutor_ReleaseReturnsTaskError(t *testing.T) {
	e := New(nil)
	releaseErr := errors.New("destroy failed")
	err := e.Release(func() error { return releaseErr }, testTimeout)
	assert.ErrorIs(t, err, releaseErr)
}

func TestTaskExecutor_ReleaseTimeout(t *testing.T) {
	e := New(nil)
	finished := make(chan struct{})
	err := e.Release(func() error {
		time.Sleep(100 * time.Millisecond)
		close(finished)
		return nil
	}, 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrReleaseTimeout)

	// The release task still completes.
	select {
	case <-finished:
	case <-time.After(testTimeout):
		t.Fatal("release task did not complete")
	}
}

func TestTaskExecutor_ReleaseIdempotent(t *testing.T) {
	e := New(nil)
	calls := 0
	task := func() error {
		calls++
		return nil
	}
	require.NoError(t, e.Release(task, testTimeout))
	require.NoError(t, e.Release(task, testTimeout))
	assert.Equal(t, 1, calls)
}

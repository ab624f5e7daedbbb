package simulation

import (
	"math/rand"
	"sync"

	"github.com/opd-ai/transformer/executor"
)

// ManualExecutor queues submitted tasks until the test runs them. It lets
// tests choose an exact interleaving of otherwise concurrent hand-offs.
type ManualExecutor struct {
	mu     sync.Mutex
	tasks  []executor.Task
	errors []error
}

// NewManualExecutor creates an empty manual executor.
func NewManualExecutor() *ManualExecutor {
	return &ManualExecutor{}
}

// Submit queues task.
func (e *ManualExecutor) Submit(task executor.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, task)
}

// Pending returns the number of queued tasks.
func (e *ManualExecutor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// RunNext runs the oldest queued task. It reports whether a task ran.
func (e *ManualExecutor) RunNext() bool {
	e.mu.Lock()
	if len(e.tasks) == 0 {
		e.mu.Unlock()
		return false
	}
	task := e.tasks[0]
	e.tasks = e.tasks[1:]
	e.mu.Unlock()

	if err := task(); err != nil {
		e.mu.Lock()
		e.errors = append(e.errors, err)
		e.mu.Unlock()
	}
	return true
}

// RunAll runs tasks, including ones submitted while running, until the
// queue is empty.
func (e *ManualExecutor) RunAll() {
	for e.RunNext() {
	}
}

// RunSome runs a random number of tasks, at most max, from the front of
// the queue.
func (e *ManualExecutor) RunSome(rng *rand.Rand, max int) {
	n := rng.Intn(max + 1)
	for i := 0; i < n && e.RunNext(); i++ {
	}
}

// Errors returns the errors returned by tasks.
func (e *ManualExecutor) Errors() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errors...)
}

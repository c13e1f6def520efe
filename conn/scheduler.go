package conn

import "time"

// Scheduler schedules cancellable one-shot tasks. The connection manager
// and keepalive handler never call time.AfterFunc directly so tests can
// drive timers deterministically.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) Task
}

// Task is a handle to a scheduled closure. Cancel is idempotent and safe
// after the task has fired.
type Task interface {
	Cancel()
}

// SystemScheduler runs tasks on the runtime timer heap.
var SystemScheduler Scheduler = systemScheduler{}

type systemScheduler struct{}

func (systemScheduler) Schedule(d time.Duration, fn func()) Task {
	return timerTask{t: time.AfterFunc(d, fn)}
}

type timerTask struct {
	t *time.Timer
}

func (t timerTask) Cancel() {
	t.t.Stop()
}

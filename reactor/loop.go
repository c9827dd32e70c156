package reactor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/wirestage/wirestage/wlog"
)

// Loop is a serialised executor. All callbacks belonging to connections bound to the
// loop - bytes received, timers firing, TLS handshake completion, disconnection - run
// one after another on the loop's single goroutine, hence connection state never needs
// locking.
type Loop struct {
	logger wlog.Logger

	tasks    chan func()
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewLoop constructs a loop and starts its executor goroutine.
func NewLoop() *Loop {
	loop := &Loop{
		logger:  wlog.Logger{ComponentName: "reactor"},
		tasks:   make(chan func(), 256),
		stopped: make(chan struct{}),
	}
	go loop.run()
	return loop
}

func (loop *Loop) run() {
	for {
		select {
		case fun := <-loop.tasks:
			fun()
		case <-loop.stopped:
			// Drain whatever was queued before shutdown.
			for {
				select {
				case fun := <-loop.tasks:
					fun()
				default:
					return
				}
			}
		}
	}
}

// InvokeLater schedules the function to run on the loop. It never blocks the loop itself:
// when invoked from a loop callback and the queue is full, the function is handed to a
// transient goroutine that waits for room.
func (loop *Loop) InvokeLater(fun func()) {
	select {
	case loop.tasks <- fun:
	case <-loop.stopped:
	default:
		go func() {
			select {
			case loop.tasks <- fun:
			case <-loop.stopped:
			}
		}()
	}
}

// invokeAndWait runs the function on the loop and blocks the caller until it has finished.
// It must never be called from a loop callback.
func (loop *Loop) invokeAndWait(fun func()) {
	done := make(chan struct{})
	loop.InvokeLater(func() {
		defer close(done)
		fun()
	})
	select {
	case <-done:
	case <-loop.stopped:
	}
}

// Shutdown stops the executor goroutine. Pending tasks already queued still run.
func (loop *Loop) Shutdown() {
	loop.stopOnce.Do(func() {
		close(loop.stopped)
	})
}

// Timer is a handle to a scheduled callback. Cancel is idempotent and safe to call
// from inside the callback itself.
type Timer struct {
	cancelled atomic.Bool
	timer     *time.Timer
}

// ScheduleTimer arranges for the callback to run on the loop after the delay.
func (loop *Loop) ScheduleTimer(delay time.Duration, fun func()) *Timer {
	handle := &Timer{}
	handle.timer = time.AfterFunc(delay, func() {
		loop.InvokeLater(func() {
			if handle.cancelled.Load() {
				return
			}
			handle.cancelled.Store(true)
			fun()
		})
	})
	return handle
}

// Cancel stops the timer if it has not fired yet.
func (handle *Timer) Cancel() {
	if handle.cancelled.Swap(true) {
		return
	}
	handle.timer.Stop()
}

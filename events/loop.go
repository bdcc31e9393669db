package events

import (
	"fmt"

	"github.com/Workiva/go-datastructures/queue"
	"gopkg.in/tomb.v2"

	"github.com/gatewayclient/transport/logger"
)

const (
	// how many tasks the loop pulls off its queue at once
	batchSize = 32

	// queue size hint; the queue grows past it on demand
	taskQueueHint = 64
)

// Loop runs posted tasks one at a time, in the order they were posted, on a single
// goroutine. A task never runs inside the call that posted it.
type Loop struct {
	tmb    tomb.Tomb
	logger *logger.Logger

	tasks *queue.Queue
}

func NewLoop(logger *logger.Logger) *Loop {
	l := &Loop{
		logger: logger,
		tasks:  queue.New(taskQueueHint),
	}

	l.tmb.Go(l.run)
	return l
}

// Post schedules a task and reports whether the loop accepted it. Tasks posted after
// Stop are dropped.
func (l *Loop) Post(task func()) bool {
	if err := l.tasks.Put(task); err != nil {
		l.logger.Tracef("dropping task posted to a stopped loop: %s", err)
		return false
	}
	return true
}

// Stop discards tasks that have not started yet and ends the loop goroutine. It is
// safe to call from inside a task since it does not wait for the goroutine to exit.
func (l *Loop) Stop() {
	if l.tasks.Disposed() {
		return
	}

	l.tasks.Dispose()
	l.tmb.Kill(nil)
}

func (l *Loop) Done() <-chan struct{} {
	return l.tmb.Dead()
}

func (l *Loop) run() error {
	for {
		items, err := l.tasks.Get(batchSize)
		if err != nil {
			// the only error Get returns is queue.ErrDisposed
			return nil
		}

		for _, item := range items {
			if l.tasks.Disposed() {
				return nil
			}
			l.execute(item.(func()))
		}
	}
}

func (l *Loop) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error(fmt.Errorf("recovered from panic in dispatched task: %v", r))
		}
	}()

	task()
}

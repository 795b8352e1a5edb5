package rpcsrv

import (
	"sync"

	"go.uber.org/zap"
)

const defaultLoopQueue = 1024

// eventLoop is the task queue shared by all workers. Sessions post inbound
// requests into it, outbound requests post their completions.
type eventLoop struct {
	tasks    chan func()
	quit     chan struct{}
	stopOnce sync.Once
}

func newEventLoop(queue int) *eventLoop {
	if queue <= 0 {
		queue = defaultLoopQueue
	}
	return &eventLoop{
		tasks: make(chan func(), queue),
		quit:  make(chan struct{}),
	}
}

// post queues the task, it returns false if the loop is stopped.
func (l *eventLoop) post(f func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.tasks <- f:
		return true
	case <-l.quit:
		return false
	}
}

// Post implements the rpcclient.Executor interface. Tasks posted after stop
// are dropped.
func (l *eventLoop) Post(f func()) {
	l.post(f)
}

// run executes tasks until the loop is stopped. Task panics are propagated
// to the caller.
func (l *eventLoop) run() {
	for {
		select {
		case <-l.quit:
			return
		case f := <-l.tasks:
			f()
		}
	}
}

func (l *eventLoop) stop() {
	l.stopOnce.Do(func() { close(l.quit) })
}

func (l *eventLoop) stopped() bool {
	select {
	case <-l.quit:
		return true
	default:
		return false
	}
}

// worker drives the loop, it's restarted after a task panic and exits when
// the loop is stopped.
func (s *Server) worker(id int) {
	defer s.workers.Done()
	log := s.log.With(zap.Int("worker", id))
	for !s.runWorker(log) {
	}
	log.Debug("worker stopped")
}

func (s *Server) runWorker(log *zap.Logger) (clean bool) {
	defer func() {
		if r := recover(); r != nil {
			workerPanics.Inc()
			log.Error("panic in worker, restarting", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	s.loop.run()
	return true
}

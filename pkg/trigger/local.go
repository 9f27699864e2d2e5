package trigger

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// DefaultLocalConcurrency bounds in-process workers.
const DefaultLocalConcurrency = 4

// Local runs the handler in-process on a bounded set of goroutines. Fire
// returns immediately; invocations beyond the bound wait for a free slot.
type Local struct {
	handler Handler
	log     *zap.Logger
	sem     chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewLocal(h Handler, concurrency int, log *zap.Logger) *Local {
	if concurrency <= 0 {
		concurrency = DefaultLocalConcurrency
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Local{handler: h, log: log, sem: make(chan struct{}, concurrency)}
}

// Fire schedules inv. The worker runs detached from ctx cancellation so a
// finished HTTP request does not abort its job.
func (l *Local) Fire(ctx context.Context, inv Invocation) error {
	if err := inv.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.wg.Add(1)
	l.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer l.wg.Done()
		l.sem <- struct{}{}
		defer func() { <-l.sem }()

		if err := l.handler.Handle(runCtx, inv); err != nil {
			l.log.Warn("Worker invocation failed",
				zap.String("user_id", inv.UserID),
				zap.String("job_id", inv.JobID),
				zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every fired invocation has returned.
func (l *Local) Wait() {
	l.wg.Wait()
}

// Close rejects further invocations and waits for in-flight ones.
func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}

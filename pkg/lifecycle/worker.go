package lifecycle

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/srediag/plugin-bridge/api"
	"github.com/srediag/plugin-bridge/internal/thread"
	"github.com/srediag/plugin-bridge/pkg/wire"
)

// worker is one run of the long-running logic on its own OS thread.
type worker struct {
	cancel   context.CancelFunc
	done     chan struct{}
	threadID atomic.Int64
}

func (w *worker) running() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// workerRuntime is the api.Runtime handed to the logic.
type workerRuntime struct {
	st *shared
}

func (r workerRuntime) Emit(sig wire.Signal) { r.st.stream.Emit(sig) }

func (r workerRuntime) Report(message string) { r.st.stream.Report(message) }

func (r workerRuntime) Handles() api.HandleTable { return r.st.handles }

func (c *Coordinator) spawn(st *shared) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{cancel: cancel, done: make(chan struct{})}
	rt := workerRuntime{st: st}

	go func() {
		defer close(w.done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		w.threadID.Store(int64(thread.ID()))
		logger.Infof("worker logic running on thread %d", w.threadID.Load())

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.cfg.RestartInitialInterval
		b.MaxInterval = c.cfg.RestartMaxInterval
		b.MaxElapsedTime = 0

		err := backoff.RetryNotify(func() error {
			err := runLogic(ctx, c.logic, rt)
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
			c.restarts.Add(1)
			c.metrics.WorkerRestarts.Inc()
			logger.Warnf("worker logic failed, restarting in %s: %v", next, err)
			rt.Report(fmt.Sprintf("worker restarting: %v", err))
		})
		switch {
		case err == nil:
			logger.Infof("worker logic finished")
		case ctx.Err() != nil:
			logger.Debugf("worker logic stopped")
		default:
			logger.Errorf("worker logic gave up: %v", err)
		}
	}()
	return w
}

func runLogic(ctx context.Context, logic api.Logic, rt api.Runtime) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Errorf("worker logic panicked: %v\n%s", p, debug.Stack())
			err = api.NewError(api.KindHandlerFailure, fmt.Sprintf("worker logic panicked: %v", p))
		}
	}()
	return logic(ctx, rt)
}

// stopWorkerLocked cancels the worker and waits for it up to the drain
// timeout. Logic that ignores its context is abandoned.
func (c *Coordinator) stopWorkerLocked() {
	w := c.worker
	if w == nil {
		return
	}
	c.worker = nil
	w.cancel()
	select {
	case <-w.done:
	case <-time.After(c.cfg.DrainTimeout):
		logger.Errorf("worker logic ignored cancellation for %s, abandoning it", c.cfg.DrainTimeout)
	}
}

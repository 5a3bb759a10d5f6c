package etshare

import (
	"context"
	"sync"
)

// OnceShutdownHandler is implemented by anything ShutdownHelper manages. It
// is invoked exactly once, in its own goroutine, with an advisory
// completion error, and returns the real completion error.
type OnceShutdownHandler interface {
	HandleOnceShutdown(completionErr error) error
}

// AsyncShutdowner is implemented by objects ShutdownHelper can wait on as a
// child (ForwardConns waited on by the port-forward handler, the handler
// and channel waited on by the engine, and so on).
type AsyncShutdowner interface {
	StartShutdown(completionErr error)
	ShutdownDoneChan() <-chan struct{}
	WaitShutdown() error
}

// ShutdownHelper gives an object exactly-once, ordered teardown: its own
// HandleOnceShutdown runs first, then every registered child is told to
// shut down and waited on. Embedding it is how the Session engine
// guarantees console.teardown() runs on every exit path (spec.md P5):
// the engine's own HandleOnceShutdown tears the console down.
type ShutdownHelper struct {
	Logger

	mu sync.Mutex

	handler OnceShutdownHandler

	started bool
	done    bool
	err     error

	startedChan chan struct{}
	handledChan chan struct{}
	doneChan    chan struct{}

	wg sync.WaitGroup
}

// Init wires the helper to the object it manages. Must be called before any
// other method.
func (h *ShutdownHelper) Init(logger Logger, handler OnceShutdownHandler) {
	h.Logger = logger
	h.handler = handler
	h.startedChan = make(chan struct{})
	h.handledChan = make(chan struct{})
	h.doneChan = make(chan struct{})
}

// StartShutdown schedules teardown. Safe to call more than once or from
// multiple goroutines; only the first call has any effect.
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.err = completionErr
	h.mu.Unlock()

	close(h.startedChan)
	go func() {
		h.err = h.handler.HandleOnceShutdown(h.err)
		close(h.handledChan)
		h.wg.Wait()
		h.mu.Lock()
		h.done = true
		h.mu.Unlock()
		close(h.doneChan)
	}()
}

// ShutdownOnContext begins shutting down with ctx.Err() as soon as ctx is
// done, unless shutdown has already started for some other reason.
func (h *ShutdownHelper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.startedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsStartedShutdown reports whether StartShutdown has been called.
func (h *ShutdownHelper) IsStartedShutdown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// ShutdownStartedChan is closed the moment shutdown begins.
func (h *ShutdownHelper) ShutdownStartedChan() <-chan struct{} { return h.startedChan }

// ShutdownDoneChan is closed once HandleOnceShutdown and every child have
// finished.
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} { return h.doneChan }

// WaitShutdown blocks until shutdown is complete and returns the final
// completion error. It does not itself initiate shutdown.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.doneChan
	return h.err
}

// Shutdown starts and waits for shutdown, returning the final status.
func (h *ShutdownHelper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// AddShutdownChild registers a child to be shut down (with this object's
// completion error as advisory status) once HandleOnceShutdown returns, and
// waited on before this object is considered fully torn down.
func (h *ShutdownHelper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
		case <-h.handledChan:
			child.StartShutdown(h.err)
			child.WaitShutdown()
		}
		h.wg.Done()
	}()
}

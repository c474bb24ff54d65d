// Package hub implements the hub coordinator: namespace-serialised
// dispatch of swap/txMonitor/targetList jobs with at-most-one in-flight
// per namespace, lifecycle events, detached jobs, and atomic status/HUD
// publication.
package hub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Kind enumerates the three job kinds the coordinator dispatches.
type Kind string

const (
	KindSwap       Kind = "swap"
	KindTxMonitor  Kind = "txMonitor"
	KindTargetList Kind = "targetList"
)

// ErrAlreadyRunning is returned when a job is submitted for a namespace
// that already has one in flight.
var ErrAlreadyRunning = errors.New("hub: already running")

// ErrTimeout marks a job cancelled by its own options.TimeoutMs.
var ErrTimeout = errors.New("hub: timeout")

// LifecycleEvent is one start/result/error notification.
type LifecycleEvent struct {
	Kind      Kind
	Namespace string
	Phase     string // "start" | "result" | "error"
	Payload   any
	Err       error
	At        time.Time
}

// Options configures one Run call.
type Options struct {
	Detached  bool
	TimeoutMs int
}

// DetachedDescriptor is returned immediately for a detached job.
type DetachedDescriptor struct {
	Detached    bool
	PID         string // a generated job id standing in for a spawned process id
	PayloadFile string
}

// Coordinator is the per-process dispatch registry; construct exactly
// one with New and pass it down explicitly rather than holding it in a
// package-scope singleton.
type Coordinator struct {
	mu     sync.Mutex
	active map[string]struct{}

	statusDir     string
	hudEventsPath string

	listenersMu sync.Mutex
	listeners   []func(LifecycleEvent)

	cleanupMu sync.Mutex
	cleanup   []func()

	attachSignals bool
	sigCh         chan os.Signal
	stopOnce      sync.Once
}

// New builds a coordinator. statusDir and hudEventsPath are the
// directories/files publishStatus/publishHudEvent write to.
func New(statusDir, hudEventsPath string, attachSignals bool) *Coordinator {
	return &Coordinator{
		active:        make(map[string]struct{}),
		statusDir:     statusDir,
		hudEventsPath: hudEventsPath,
		attachSignals: attachSignals,
	}
}

// OnLifecycleEvent registers a listener invoked for every start/result/
// error event, across all namespaces.
func (c *Coordinator) OnLifecycleEvent(fn func(LifecycleEvent)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// RegisterCleanup adds a handler invoked exactly once on orderly
// shutdown.
func (c *Coordinator) RegisterCleanup(fn func()) {
	c.cleanupMu.Lock()
	defer c.cleanupMu.Unlock()
	c.cleanup = append(c.cleanup, fn)
}

func (c *Coordinator) emit(ev LifecycleEvent) {
	ev.At = time.Now()
	c.listenersMu.Lock()
	listeners := append([]func(LifecycleEvent){}, c.listeners...)
	c.listenersMu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

func namespace(kind Kind, key string) string {
	switch kind {
	case KindSwap:
		return "wallet:" + key
	case KindTxMonitor:
		return "tx:" + key
	case KindTargetList:
		return "targetList"
	default:
		return string(kind) + ":" + key
	}
}

// Run dispatches fn under the namespace (kind, key), enforcing at-most-
// one-in-flight semantics. A job with options.Detached=true is started as
// a fire-and-forget goroutine; its result is written to a payload file
// instead of being awaited, and Run returns a DetachedDescriptor.
func (c *Coordinator) Run(ctx context.Context, kind Kind, key string, fn func(ctx context.Context) (any, error), opts Options) (any, error) {
	ns := namespace(kind, key)

	c.mu.Lock()
	if _, busy := c.active[ns]; busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: namespace %s", ErrAlreadyRunning, ns)
	}
	c.active[ns] = struct{}{}
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.active, ns)
		c.mu.Unlock()
	}

	c.emit(LifecycleEvent{Kind: kind, Namespace: ns, Phase: "start"})

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
	}

	if opts.Detached {
		jobID := uuid.NewString()
		payloadFile := detachedPayloadPath(c.statusDir, jobID)
		go func() {
			if cancel != nil {
				defer cancel()
			}
			defer release()
			result, err := fn(runCtx)
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("%w", ErrTimeout)
			}
			writeDetachedPayload(payloadFile, result, err)
			if err != nil {
				c.emit(LifecycleEvent{Kind: kind, Namespace: ns, Phase: "error", Err: err})
				return
			}
			c.emit(LifecycleEvent{Kind: kind, Namespace: ns, Phase: "result", Payload: result})
		}()
		return DetachedDescriptor{Detached: true, PID: jobID, PayloadFile: payloadFile}, nil
	}

	if cancel != nil {
		defer cancel()
	}
	defer release()

	result, err := fn(runCtx)
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w", ErrTimeout)
	}
	if err != nil {
		c.emit(LifecycleEvent{Kind: kind, Namespace: ns, Phase: "error", Err: err})
		return nil, err
	}
	c.emit(LifecycleEvent{Kind: kind, Namespace: ns, Phase: "result", Payload: result})
	return result, nil
}

// AttachSignals installs SIGINT/SIGTERM handling that runs every
// registered cleanup handler exactly once, then removes the handlers.
func (c *Coordinator) AttachSignals() {
	if !c.attachSignals {
		return
	}
	c.sigCh = make(chan os.Signal, 1)
	signal.Notify(c.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig, ok := <-c.sigCh
		if !ok {
			return
		}
		log.Info().Str("signal", sig.String()).Msg("hub: shutdown signal received")
		c.Shutdown()
	}()
}

// Shutdown runs every registered cleanup handler exactly once.
func (c *Coordinator) Shutdown() {
	c.stopOnce.Do(func() {
		if c.sigCh != nil {
			signal.Stop(c.sigCh)
			close(c.sigCh)
		}
		c.cleanupMu.Lock()
		handlers := append([]func(){}, c.cleanup...)
		c.cleanupMu.Unlock()
		for _, h := range handlers {
			h()
		}
	})
}

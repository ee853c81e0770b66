package syncstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/norasector/bladestream/pkg/stream"
	"github.com/norasector/bladestream/pkg/util"
)

const (
	workerInitTimeout  = time.Second
	workerStartTimeout = 250 * time.Millisecond
	workerStopTimeout  = 3 * time.Second
)

type workerState int

const (
	workerStartup workerState = iota
	workerIdle
	workerRunning
	workerShuttingDown
	workerStopped
)

func (s workerState) String() string {
	switch s {
	case workerStartup:
		return "startup"
	case workerIdle:
		return "idle"
	case workerRunning:
		return "running"
	case workerShuttingDown:
		return "shutting_down"
	case workerStopped:
		return "stopped"
	}
	return fmt.Sprintf("worker_state(%d)", int(s))
}

type request uint

const (
	requestStart request = 1 << iota
	requestStop
)

// worker owns the goroutine that runs the underlying async stream. The API
// side drives it through start and stop requests.
type worker struct {
	stream *stream.Stream

	stateMu      sync.Mutex
	state        workerState
	err          error
	runs         uint64
	stateChanged util.Notifier

	reqMu      sync.Mutex
	requests   request
	reqPending util.Notifier
}

func (w *worker) submit(r request) {
	w.reqMu.Lock()
	w.requests |= r
	w.reqMu.Unlock()
	w.reqPending.Broadcast()
}

func (w *worker) stopRequested() bool {
	w.reqMu.Lock()
	defer w.reqMu.Unlock()
	return w.requests&requestStop != 0
}

// takeRequests blocks until at least one request is pending and clears them.
func (w *worker) takeRequests() request {
	w.reqMu.Lock()
	defer w.reqMu.Unlock()
	for w.requests == 0 {
		ch := w.reqPending.C()
		w.reqMu.Unlock()
		<-ch
		w.reqMu.Lock()
	}
	r := w.requests
	w.requests = 0
	return r
}

func (w *worker) setState(state workerState) {
	w.stateMu.Lock()
	w.state = state
	if state == workerRunning {
		w.runs++
	}
	w.stateMu.Unlock()
	w.stateChanged.Broadcast()
}

// takeState returns the worker state along with any stream error recorded
// since the last call. Each error is reported once.
func (w *worker) takeState() (workerState, error) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	err := w.err
	w.err = nil
	return w.state, err
}

func (w *worker) currentState() (workerState, uint64) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.state, w.runs
}

func (w *worker) setErr(err error) {
	w.stateMu.Lock()
	w.err = err
	w.stateMu.Unlock()
}

// waitFor blocks until cond holds for the worker state or the timeout
// expires. A zero timeout waits forever.
func (w *worker) waitFor(cond func(state workerState, runs uint64) bool, timeout time.Duration) error {
	deadline := util.NewDeadline(timeout)
	defer deadline.Stop()

	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	for !cond(w.state, w.runs) {
		ch := w.stateChanged.C()
		w.stateMu.Unlock()
		select {
		case <-ch:
			w.stateMu.Lock()
		case <-deadline.C():
			w.stateMu.Lock()
			return fmt.Errorf("waiting on worker (state %s): %w", w.state, stream.ErrTimeout)
		}
	}
	return nil
}

func (w *worker) waitForState(state workerState, timeout time.Duration) error {
	return w.waitFor(func(s workerState, _ uint64) bool { return s == state }, timeout)
}

func (s *SyncStream) workerTask() {
	w := &s.w
	state := workerIdle
	w.setState(state)

	for state != workerStopped {
		switch state {
		case workerIdle:
			state = s.execIdle()
			w.setState(state)

		case workerRunning:
			s.execRunning()
			state = workerIdle
			w.setState(state)

			// Wake the API side so it notices the stream ended.
			s.b.mu.Lock()
			s.b.ready.Broadcast()
			s.b.mu.Unlock()

		case workerShuttingDown:
			s.logger.Debug().Msg("worker shutting down")
			state = workerStopped
			w.setState(state)

		default:
			s.logger.Error().Str("state", state.String()).Msg("worker in unexpected state")
			state = workerShuttingDown
			w.setState(state)
		}
	}
}

func (s *SyncStream) execIdle() workerState {
	requests := s.w.takeRequests()

	if requests&requestStop != 0 {
		return workerShuttingDown
	}

	if requests&requestStart != 0 {
		b := &s.b
		b.mu.Lock()
		if s.cfg.Direction == stream.TX {
			// Transfers cancelled by an earlier stream end leave stale
			// in-flight marks behind.
			for i := range b.status {
				if b.status[i] == bufInFlight {
					b.status[i] = bufEmpty
				}
			}
			b.inFlight = 0
		} else {
			b.resetRX(s.cfg.NumTransfers)
		}
		b.ready.Broadcast()
		b.mu.Unlock()
		return workerRunning
	}

	return workerIdle
}

func (s *SyncStream) execRunning() {
	err := s.w.stream.Run(context.Background())
	if err != nil {
		s.logger.Debug().Err(err).Msg("stream ended with error")
	}
	s.w.setErr(err)
}

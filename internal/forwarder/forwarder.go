// Package forwarder drives the wait, drain, aggregate and publish cycle that
// ships journal entries to the broker.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/setevik/logpublisher/internal/batch"
	"github.com/setevik/logpublisher/internal/publish"
	"github.com/setevik/logpublisher/internal/watcher"
)

// DefaultPollTimeout bounds each wait on the journal.
const DefaultPollTimeout = 1500 * time.Millisecond

// ErrDisconnected is returned by Run when the transport loses its connection.
var ErrDisconnected = errors.New("transport disconnected")

// State is the forwarding loop's position in its cycle.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StatePolling
	StateFlushing
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePolling:
		return "polling"
	case StateFlushing:
		return "flushing"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transport is the broker connection the loop publishes through.
type Transport interface {
	publish.Publisher
	Connect(ctx context.Context) error
	// Lost is closed when the connection drops.
	Lost() <-chan struct{}
	Err() error
}

// Options configures a Forwarder.
type Options struct {
	PollTimeout time.Duration
	Recorder    publish.Recorder
	// OnCycle, if set, runs after every poll iteration.
	OnCycle func()
}

// Forwarder owns one source and one transport. It is not safe for
// concurrent use; Run is the only entry point.
type Forwarder struct {
	src       watcher.Source
	transport Transport
	router    *publish.Router
	opts      Options
	state     State
}

// New creates a Forwarder.
func New(src watcher.Source, transport Transport, opts Options) *Forwarder {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	return &Forwarder{
		src:       src,
		transport: transport,
		router:    publish.NewRouter(transport, opts.Recorder),
		opts:      opts,
		state:     StateConnecting,
	}
}

// State returns the current state.
func (f *Forwarder) State() State {
	return f.state
}

func (f *Forwarder) setState(s State) {
	if f.state == s {
		return
	}
	slog.Debug("forwarder state", "from", f.state, "to", s)
	f.state = s
}

// Run connects the transport and forwards journal entries until ctx is
// cancelled, the transport disconnects or the source fails. Cancellation
// returns nil; anything buffered but not yet flushed is dropped.
func (f *Forwarder) Run(ctx context.Context) error {
	f.setState(StateConnecting)
	if err := f.transport.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connecting transport: %w", err)
	}
	f.setState(StateConnected)

	slog.Info("forwarding journal entries", "poll_timeout", f.opts.PollTimeout)

	for {
		f.setState(StatePolling)

		if err := f.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if f.opts.OnCycle != nil {
			f.opts.OnCycle()
		}
	}
}

// poll runs one iteration: wait, confirm, and flush if there is new data.
func (f *Forwarder) poll(ctx context.Context) error {
	if err := f.checkTransport(); err != nil {
		return err
	}

	ready, err := f.src.Wait(ctx, f.opts.PollTimeout)
	if err != nil {
		return fmt.Errorf("waiting on journal: %w", err)
	}
	if !ready || !f.src.Advance() {
		return nil
	}

	f.setState(StateFlushing)
	return f.flush(ctx)
}

func (f *Forwarder) flush(ctx context.Context) error {
	records, err := f.src.Drain()
	if err != nil {
		return fmt.Errorf("draining journal: %w", err)
	}

	b := batch.Aggregate(records)
	if b.Empty() {
		return nil
	}

	res := f.router.Route(ctx, b)
	slog.Debug("cycle flushed",
		"cycle", b.ID,
		"entries", b.Entries,
		"skipped", b.Skipped,
		"groups", len(b.Groups),
		"published", res.Published,
		"failed", res.Failed,
	)

	return f.checkTransport()
}

func (f *Forwarder) checkTransport() error {
	select {
	case <-f.transport.Lost():
		f.setState(StateDisconnected)
		if err := f.transport.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
		return ErrDisconnected
	default:
		return nil
	}
}

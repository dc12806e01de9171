package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/veldaine/unifyd/internal/state"
)

// Logger defines the logging interface used by the Aggregator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Adapter is the contract a backend adapter satisfies.
//
// Run connects to the backend, calls ready exactly once when the connection
// is established and before the first event, emits a full-state replay as
// added events, and keeps emitting change events until the connection fails
// or the context is cancelled. It returns nil on cancellation and an error
// on connection failure or loss; the aggregator handles reconnection with
// backoff. A Run that returns without calling ready counts as a failed
// connection attempt, not a lost one.
//
// Events delivers the adapter's ordered event sequence. The channel is owned
// by the adapter and stays open across reconnections.
//
// Execute performs one command against the backend and returns once the
// backend acknowledges receipt. The resulting state change, if any, arrives
// later through Events.
type Adapter interface {
	Backend() state.Backend
	Run(ctx context.Context, ready func()) error
	Events() <-chan state.ChangeEvent
	Execute(ctx context.Context, cmd state.Command) error
}

// Notifier receives every normalised change, synchronously, in store order.
// Satisfied by the subscription registry.
type Notifier interface {
	Notify(change state.NormalizedChange)
}

// Recorder persists normalised changes. Satisfied by the change journal.
// Optional: a nil Recorder disables journaling.
type Recorder interface {
	Record(change state.NormalizedChange) error
}

// ObservationWriter exports numeric observations from normalised changes.
// Satisfied by the telemetry client. Optional.
type ObservationWriter interface {
	WriteObservation(category, entityID, field string, value float64)
}

// AdapterStatus describes one adapter's connection state for status reporting.
type AdapterStatus struct {
	Backend    state.Backend `json:"backend"`
	Connected  bool          `json:"connected"`
	LastError  string        `json:"last_error,omitempty"`
	Reconnects int           `json:"reconnects"`
	Since      time.Time     `json:"since"`
}

// Options holds configuration for creating an Aggregator.
type Options struct {
	// Store is the state store; the aggregation loop is its only writer.
	Store *state.Store

	// Adapters are the backend adapters to supervise.
	Adapters []Adapter

	// Notifier receives normalised changes in store order.
	Notifier Notifier

	// Journal is the optional change recorder.
	Journal Recorder

	// Telemetry is the optional observation exporter.
	Telemetry ObservationWriter

	// EventBuffer is the per-adapter pending-event capacity. When exceeded
	// the oldest pending event is dropped with a logged warning.
	EventBuffer int

	// ReconnectInitial and ReconnectMax bound the exponential backoff
	// between adapter reconnection attempts.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// SweepInterval is how often vanished devices are checked against the
	// grace period.
	SweepInterval time.Duration

	// Logger is an optional structured logger.
	Logger Logger
}

// controlKind distinguishes adapter lifecycle envelopes from event envelopes.
type controlKind int

const (
	controlNone controlKind = iota
	controlReady
	controlLost
)

// envelope is the unit flowing through the merged intake channel. Lifecycle
// transitions travel the same channel as events so the single loop observes
// them in arrival order.
type envelope struct {
	control controlKind
	backend state.Backend
	err     error
	ev      state.ChangeEvent
}

// Aggregator drains events from all adapters concurrently, serialises their
// application to the state store, and fans the resulting normalised changes
// out to subscribers, the journal, and telemetry.
//
// One supervisor goroutine per adapter handles connection lifecycle and
// buffering; a single loop goroutine is the only writer to the store, which
// eliminates cross-component data races by construction. After each apply
// the notifier is invoked synchronously, so subscribers never observe store
// states out of order relative to each other.
type Aggregator struct {
	store     *state.Store
	adapters  []Adapter
	notifier  Notifier
	journal   Recorder
	telemetry ObservationWriter
	logger    Logger

	bufferCap        int
	reconnectInitial time.Duration
	reconnectMax     time.Duration
	sweepInterval    time.Duration

	merged chan envelope

	status   map[state.Backend]*AdapterStatus
	statusMu sync.RWMutex

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates an aggregator. Call Start to begin operation.
func New(opts Options) (*Aggregator, error) {
	if opts.Store == nil {
		return nil, errors.New("aggregate: store is required")
	}
	if opts.Notifier == nil {
		return nil, errors.New("aggregate: notifier is required")
	}
	if len(opts.Adapters) == 0 {
		return nil, errors.New("aggregate: at least one adapter is required")
	}
	if opts.EventBuffer < 1 {
		return nil, errors.New("aggregate: event buffer must be at least 1")
	}
	if opts.ReconnectInitial <= 0 || opts.ReconnectMax < opts.ReconnectInitial {
		return nil, errors.New("aggregate: invalid reconnect backoff bounds")
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = 10 * time.Second
	}

	a := &Aggregator{
		store:            opts.Store,
		adapters:         opts.Adapters,
		notifier:         opts.Notifier,
		journal:          opts.Journal,
		telemetry:        opts.Telemetry,
		logger:           logger,
		bufferCap:        opts.EventBuffer,
		reconnectInitial: opts.ReconnectInitial,
		reconnectMax:     opts.ReconnectMax,
		sweepInterval:    sweep,
		merged:           make(chan envelope),
		status:           make(map[state.Backend]*AdapterStatus),
	}
	for _, ad := range opts.Adapters {
		a.status[ad.Backend()] = &AdapterStatus{Backend: ad.Backend(), Since: time.Now().UTC()}
	}
	return a, nil
}

// Start launches the supervisor goroutines and the aggregation loop.
// It returns immediately; Stop shuts everything down.
func (a *Aggregator) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	for _, ad := range a.adapters {
		a.wg.Add(1)
		go func(ad Adapter) {
			defer a.wg.Done()
			a.supervise(ctx, ad)
		}(ad)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.loop(ctx)
	}()

	a.logger.Info("aggregator started", "adapters", len(a.adapters))
}

// Stop shuts the aggregator down and waits for all goroutines to exit.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()
		a.logger.Info("aggregator stopped")
	})
}

// Status returns the connection state of every adapter.
func (a *Aggregator) Status() []AdapterStatus {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()

	out := make([]AdapterStatus, 0, len(a.status))
	for _, st := range a.status {
		out = append(out, *st)
	}
	return out
}

// supervise owns one adapter's connection lifecycle: wait for the adapter
// to come up, announce readiness, forward events with bounded buffering,
// announce loss, back off, retry. Readiness is announced only once the
// adapter has signalled an established connection, so failed connect
// attempts never show up as connected in status and never open a new store
// generation.
//
// Forwarding and run-completion detection happen in the same select so no
// event of a dead connection can be observed after its loss envelope.
func (a *Aggregator) supervise(ctx context.Context, ad Adapter) {
	backend := ad.Backend()
	backoff := a.reconnectInitial

	for {
		if ctx.Err() != nil {
			return
		}

		runErr := make(chan error, 1)
		connected := make(chan struct{}, 1)
		runCtx, cancelRun := context.WithCancel(ctx)
		go func() {
			runErr <- ad.Run(runCtx, func() {
				select {
				case connected <- struct{}{}:
				default:
				}
			})
		}()

		var err error
		select {
		case <-connected:
			if !a.send(ctx, envelope{control: controlReady, backend: backend}) {
				cancelRun()
				return
			}
			connectedAt := time.Now()
			err = a.forward(ctx, ad, runErr)
			cancelRun()
			if ctx.Err() != nil {
				return
			}
			if !a.send(ctx, envelope{control: controlLost, backend: backend, err: err}) {
				return
			}
			// A connection that held for a while earns a fresh backoff.
			if time.Since(connectedAt) >= a.reconnectMax {
				backoff = a.reconnectInitial
			}

		case err = <-runErr:
			// Connect attempt failed: no generation was opened and the
			// store holds nothing from this backend to clear.
			cancelRun()
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				err = errors.New("aggregate: adapter run ended")
			}
			a.setStatus(backend, false, err)

		case <-ctx.Done():
			cancelRun()
			return
		}

		a.logger.Warn("adapter lost, reconnecting",
			"backend", backend,
			"error", err,
			"retry_in", backoff,
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > a.reconnectMax {
			backoff = a.reconnectMax
		}
	}
}

// forward shuttles adapter events into the merged channel until the adapter's
// Run call completes. Pending events beyond the buffer capacity are dropped
// oldest-first with a logged warning. On completion any remaining pending
// events are flushed before returning, preserving per-adapter order.
func (a *Aggregator) forward(ctx context.Context, ad Adapter, runErr <-chan error) error {
	backend := ad.Backend()
	var pending []state.ChangeEvent

	for {
		var intake chan envelope
		var head envelope
		if len(pending) > 0 {
			intake = a.merged
			head = envelope{backend: backend, ev: pending[0]}
		}

		select {
		case ev := <-ad.Events():
			pending = append(pending, ev)
			if len(pending) > a.bufferCap {
				dropped := pending[0]
				pending = pending[1:]
				a.logger.Warn("event buffer full, dropping oldest",
					"backend", backend,
					"kind", dropped.Kind,
					"sequence", dropped.Sequence,
				)
			}
		case intake <- head:
			pending = pending[1:]
		case err := <-runErr:
			// Drain anything the adapter emitted before its run ended.
			for {
				select {
				case ev := <-ad.Events():
					pending = append(pending, ev)
					continue
				default:
				}
				break
			}
			for _, ev := range pending {
				if !a.send(ctx, envelope{backend: backend, ev: ev}) {
					return err
				}
			}
			if err == nil {
				err = errors.New("aggregate: adapter run ended")
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// send delivers an envelope to the merged channel, honouring cancellation.
func (a *Aggregator) send(ctx context.Context, env envelope) bool {
	select {
	case a.merged <- env:
		return true
	case <-ctx.Done():
		return false
	}
}

// loop is the single writer to the state store. It merges adapter readiness,
// loss, and events by arrival order, applies them, and fans out the
// resulting changes before touching the next event.
func (a *Aggregator) loop(ctx context.Context) {
	ticker := time.NewTicker(a.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-a.merged:
			a.handle(env)
		case <-ticker.C:
			for _, ch := range a.store.SweepVanished(time.Now().UTC()) {
				a.fanout(ch)
			}
		case <-ctx.Done():
			return
		}
	}
}

// handle processes one envelope on the aggregation loop.
func (a *Aggregator) handle(env envelope) {
	switch env.control {
	case controlReady:
		a.store.BeginGeneration(env.backend)
		a.setStatus(env.backend, true, nil)
		a.logger.Info("adapter ready", "backend", env.backend)

	case controlLost:
		// Clearing produces synthetic removals so subscriber views match
		// the store; entities return via the replay on reconnection.
		for _, ch := range a.store.ClearBackend(env.backend) {
			a.fanout(ch)
		}
		a.setStatus(env.backend, false, env.err)

	default:
		if env.ev.Kind == state.EventScanComplete {
			for _, ch := range a.store.CompleteScan(env.ev.Sequence) {
				a.fanout(ch)
			}
			return
		}
		ch, err := a.store.Apply(env.ev)
		if err != nil {
			// Invariant violations are dropped here; subscribers never see
			// an event as if it had occurred.
			a.logger.Warn("event dropped",
				"backend", env.ev.Backend,
				"kind", env.ev.Kind,
				"sequence", env.ev.Sequence,
				"error", err,
			)
			return
		}
		if ch != nil {
			a.fanout(*ch)
		}
	}
}

// fanout delivers one normalised change to the notifier, the journal, and
// telemetry. Runs on the aggregation loop so delivery order matches store
// order.
func (a *Aggregator) fanout(ch state.NormalizedChange) {
	a.notifier.Notify(ch)

	if a.journal != nil {
		if err := a.journal.Record(ch); err != nil {
			a.logger.Debug("journal write failed", "entity", ch.EntityID, "error", err)
		}
	}
	if a.telemetry != nil {
		a.observe(ch)
	}
}

// observe exports the numeric fields of a change as telemetry observations.
func (a *Aggregator) observe(ch state.NormalizedChange) {
	switch {
	case ch.Network != nil:
		a.telemetry.WriteObservation(string(ch.Category), ch.EntityID, "signal", float64(ch.Network.Signal))
	case ch.Audio != nil:
		a.telemetry.WriteObservation(string(ch.Category), ch.EntityID, "volume", float64(ch.Audio.Volume))
		muted := 0.0
		if ch.Audio.Muted {
			muted = 1.0
		}
		a.telemetry.WriteObservation(string(ch.Category), ch.EntityID, "muted", muted)
	case ch.Device != nil:
		if ch.Device.Signal != nil {
			a.telemetry.WriteObservation(string(ch.Category), ch.EntityID, "signal", float64(*ch.Device.Signal))
		}
		if ch.Device.Battery != nil {
			a.telemetry.WriteObservation(string(ch.Category), ch.EntityID, "battery", float64(*ch.Device.Battery))
		}
	}
}

// setStatus records an adapter's connection transition.
func (a *Aggregator) setStatus(b state.Backend, connected bool, err error) {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()

	st, ok := a.status[b]
	if !ok {
		st = &AdapterStatus{Backend: b}
		a.status[b] = st
	}
	if st.Connected && !connected {
		st.Reconnects++
	}
	st.Connected = connected
	st.Since = time.Now().UTC()
	st.LastError = ""
	if err != nil {
		st.LastError = fmt.Sprintf("%v", err)
	}
}

package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/veldaine/unifyd/internal/state"
)

// Logger defines the logging interface used by the Router.
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

// Executor runs one command against a backend. Satisfied by the backend
// adapters registered with the aggregator.
type Executor interface {
	Execute(ctx context.Context, cmd state.Command) error
}

// Reader supplies the current-state lookups used for validation.
// Satisfied by *state.Store.
type Reader interface {
	Device(id string) (state.Device, bool)
	AudioEntity(id string) (state.AudioEntity, bool)
	Network(id string) (state.Network, bool)
}

// TimeoutPolicy maps an action to its acknowledgement deadline.
// Satisfied by config.CommandsConfig.
type TimeoutPolicy interface {
	TimeoutFor(action string) time.Duration
}

// Receipt acknowledges an accepted command. Acceptance means the owning
// backend returned without error inside the deadline; resulting state
// changes arrive asynchronously through the event path.
type Receipt struct {
	ID       string        `json:"id"`
	Backend  state.Backend `json:"backend"`
	Action   state.Action  `json:"action"`
	EntityID string        `json:"entity_id,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Options configures a Router.
type Options struct {
	Store     Reader
	Timeouts  TimeoutPolicy
	Executors map[state.Backend]Executor
	Logger    Logger
}

// Router validates commands against current state and dispatches them to
// the owning backend adapter. Validation happens before any adapter call,
// so a malformed command never reaches a backend.
type Router struct {
	store     Reader
	timeouts  TimeoutPolicy
	executors map[state.Backend]Executor
	logger    Logger
}

// NewRouter creates a router from the given options.
func NewRouter(opts Options) (*Router, error) {
	if opts.Store == nil {
		return nil, errors.New("command: store is required")
	}
	if opts.Timeouts == nil {
		return nil, errors.New("command: timeout policy is required")
	}
	if len(opts.Executors) == 0 {
		return nil, errors.New("command: at least one executor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	execs := make(map[state.Backend]Executor, len(opts.Executors))
	for b, e := range opts.Executors {
		execs[b] = e
	}
	return &Router{
		store:     opts.Store,
		timeouts:  opts.Timeouts,
		executors: execs,
		logger:    logger,
	}, nil
}

// Dispatch validates cmd and forwards it to the owning adapter, waiting up
// to the action's configured deadline for acknowledgement. The caller's
// context cancels an in-flight dispatch.
func (r *Router) Dispatch(ctx context.Context, cmd state.Command) (Receipt, error) {
	exec, ok := r.executors[cmd.Backend]
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %q", ErrUnknownBackend, cmd.Backend)
	}
	if err := r.validate(cmd); err != nil {
		return Receipt{}, err
	}

	timeout := r.timeouts.TimeoutFor(string(cmd.Action))
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := exec.Execute(ctx, cmd)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.logger.Warn("command timed out",
				"backend", cmd.Backend, "action", cmd.Action, "entity", cmd.EntityID, "timeout", timeout)
			return Receipt{}, fmt.Errorf("%w: %s after %s", ErrTimeout, cmd.Action, timeout)
		}
		r.logger.Warn("command failed",
			"backend", cmd.Backend, "action", cmd.Action, "entity", cmd.EntityID, "error", err)
		return Receipt{}, &BackendError{Backend: string(cmd.Backend), Action: string(cmd.Action), Err: err}
	}

	receipt := Receipt{
		ID:       uuid.NewString(),
		Backend:  cmd.Backend,
		Action:   cmd.Action,
		EntityID: cmd.EntityID,
		Elapsed:  elapsed,
	}
	r.logger.Debug("command acknowledged",
		"id", receipt.ID, "backend", cmd.Backend, "action", cmd.Action, "entity", cmd.EntityID, "elapsed", elapsed)
	return receipt, nil
}

// validate rejects commands that are malformed or illegal for the target's
// current state.
func (r *Router) validate(cmd state.Command) error {
	switch cmd.Backend {
	case state.BackendBluetooth:
		return r.validateDevice(cmd)
	case state.BackendAudio:
		return r.validateAudio(cmd)
	case state.BackendNetwork:
		return r.validateNetwork(cmd)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, cmd.Backend)
	}
}

func (r *Router) validateDevice(cmd state.Command) error {
	switch cmd.Action {
	case state.ActionConnect, state.ActionDisconnect, state.ActionPair, state.ActionRemove:
	default:
		return fmt.Errorf("%w: action %q not valid for bluetooth", ErrInvalidTransition, cmd.Action)
	}

	dev, ok := r.store.Device(cmd.EntityID)
	if !ok {
		return fmt.Errorf("%w: device %q", ErrUnknownEntity, cmd.EntityID)
	}

	switch cmd.Action {
	case state.ActionPair:
		if dev.State == state.DevicePaired || dev.State == state.DeviceConnected {
			return fmt.Errorf("%w: device %q already paired", ErrInvalidTransition, cmd.EntityID)
		}
	case state.ActionDisconnect:
		if dev.State != state.DeviceConnected {
			return fmt.Errorf("%w: device %q is not connected", ErrInvalidTransition, cmd.EntityID)
		}
	}
	return nil
}

func (r *Router) validateAudio(cmd state.Command) error {
	switch cmd.Action {
	case state.ActionSetVolume, state.ActionSetMute, state.ActionSetDefault:
	default:
		return fmt.Errorf("%w: action %q not valid for audio", ErrInvalidTransition, cmd.Action)
	}

	ent, ok := r.store.AudioEntity(cmd.EntityID)
	if !ok {
		return fmt.Errorf("%w: audio entity %q", ErrUnknownEntity, cmd.EntityID)
	}

	switch cmd.Action {
	case state.ActionSetVolume:
		if cmd.Level == nil {
			return fmt.Errorf("%w: set_volume requires a level", ErrInvalidTransition)
		}
		if *cmd.Level < 0 || *cmd.Level > 100 {
			return fmt.Errorf("%w: volume %d outside 0-100", ErrInvalidTransition, *cmd.Level)
		}
	case state.ActionSetMute:
		if cmd.Mute == nil {
			return fmt.Errorf("%w: set_mute requires a mute flag", ErrInvalidTransition)
		}
	case state.ActionSetDefault:
		if ent.Kind == state.AudioStream {
			return fmt.Errorf("%w: streams cannot be made default", ErrInvalidTransition)
		}
	}
	return nil
}

func (r *Router) validateNetwork(cmd state.Command) error {
	switch cmd.Action {
	case state.ActionScan:
		// Scan is backend-wide; no target entity.
		return nil
	case state.ActionConnectNetwork, state.ActionDisconnectNetwork:
	default:
		return fmt.Errorf("%w: action %q not valid for network", ErrInvalidTransition, cmd.Action)
	}

	net, ok := r.store.Network(cmd.EntityID)
	if !ok {
		return fmt.Errorf("%w: network %q", ErrUnknownEntity, cmd.EntityID)
	}

	switch cmd.Action {
	case state.ActionConnectNetwork:
		if net.State == state.NetworkConnecting {
			return fmt.Errorf("%w: network %q already connecting", ErrInvalidTransition, cmd.EntityID)
		}
	case state.ActionDisconnectNetwork:
		if net.State != state.NetworkConnected && net.State != state.NetworkConnecting {
			return fmt.Errorf("%w: network %q is not connected", ErrInvalidTransition, cmd.EntityID)
		}
	}
	return nil
}

package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/swiftpay/internal/frame"
	"github.com/congo-pay/swiftpay/internal/logging"
	"github.com/congo-pay/swiftpay/internal/money"
	"github.com/congo-pay/swiftpay/internal/transport"
)

// Machine drives a single transfer attempt. It is not reusable: a new
// attempt needs a new Machine.
type Machine struct {
	id      string
	adapter transport.Adapter
	params  Params
	logger  *slog.Logger

	mu          sync.Mutex
	state       State
	transitions []Transition
	started     bool
	cancelled   bool
	cancel      context.CancelCauseFunc
}

// Option customises a Machine.
type Option func(*Machine)

// WithLogger sets the logger used for transitions and ignored frames.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSessionID overrides the generated session id.
func WithSessionID(id string) Option {
	return func(m *Machine) {
		if id != "" {
			m.id = id
		}
	}
}

// New builds an idle machine bound to adapter.
func New(adapter transport.Adapter, params Params, opts ...Option) *Machine {
	m := &Machine{
		id:      uuid.NewString(),
		adapter: adapter,
		params:  params,
		logger:  logging.Discard(),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.params.Deadline <= 0 {
		m.params.Deadline = DefaultDeadline
	}
	m.logger = m.logger.With(slog.String("session_id", m.id), slog.String("role", string(params.Role)))
	return m
}

// ID returns the local session id.
func (m *Machine) ID() string { return m.id }

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transitions returns a copy of the transition history.
func (m *Machine) Transitions() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.transitions))
	copy(out, m.transitions)
	return out
}

// Cancel aborts the session if it has not reached a terminal state. It may
// be called before Run, in which case Run aborts immediately.
func (m *Machine) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel(ErrAborted)
		return
	}
	m.cancelled = true
}

// Run drives the handshake to a terminal state. The returned error is nil
// only when the state is Agreed.
func (m *Machine) Run(ctx context.Context) (Result, error) {
	res := Result{SessionID: m.id, Role: m.params.Role, StartedAt: time.Now().UTC()}

	m.mu.Lock()
	if m.started {
		res.State = m.state
		m.mu.Unlock()
		res.Err = ErrReused
		return res, ErrReused
	}
	m.started = true
	runCtx, cancel := context.WithCancelCause(ctx)
	m.cancel = cancel
	if m.cancelled {
		cancel(ErrAborted)
	}
	m.mu.Unlock()
	defer cancel(nil)

	if err := m.params.validate(); err != nil {
		return m.finish(res, StateAborted, err)
	}

	runCtx, stop := context.WithTimeoutCause(runCtx, m.params.Deadline, ErrTimeout)
	defer stop()

	m.transition(StateAwaitingPeer)

	var err error
	switch m.params.Role {
	case RoleSender:
		err = m.runSender(runCtx, &res)
	default:
		err = m.runReceiver(runCtx, &res)
	}

	if err == nil {
		res.AttemptID = frame.AttemptKey(res.Offer)
		return m.finish(res, StateAgreed, nil)
	}

	state, cause := classify(runCtx, err)
	return m.finish(res, state, cause)
}

func (m *Machine) runSender(ctx context.Context, res *Result) error {
	offer := frame.Offer{
		UserID:   m.params.LocalID,
		Amount:   m.params.Amount,
		Currency: m.params.Currency,
		TS:       time.Now().UnixMilli(),
	}
	res.Offer = offer

	data, err := frame.Encode(offer.Fields())
	if err != nil {
		return err
	}
	if err := m.adapter.WriteFrame(ctx, data); err != nil {
		return err
	}
	m.logger.Debug("offer presented", slog.String("amount", money.Format(offer.Amount)))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := m.adapter.ReadFrame(ctx)
		if err != nil {
			return err
		}
		fields, err := frame.Decode(raw)
		if err != nil {
			m.ignore(res, err)
			continue
		}
		ack, err := frame.ParseAck(fields)
		if err != nil {
			m.ignore(res, err)
			continue
		}
		if !ack.Matches(offer) {
			m.ignore(res, errors.New("ack does not match offer"))
			continue
		}
		if hint := m.params.PeerHint; hint != "" && ack.UserID != "" && ack.UserID != hint {
			m.ignore(res, fmt.Errorf("ack from unexpected peer %q", ack.UserID))
			continue
		}

		res.PeerID = ack.UserID
		if res.PeerID == "" {
			res.PeerID = m.params.PeerHint
		}
		m.transition(StatePeerDiscovered)
		return nil
	}
}

func (m *Machine) runReceiver(ctx context.Context, res *Result) error {
	var offer frame.Offer
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := m.adapter.ReadFrame(ctx)
		if err != nil {
			return err
		}
		fields, err := frame.Decode(raw)
		if err != nil {
			m.ignore(res, err)
			continue
		}
		offer, err = frame.ParseOffer(fields)
		if err != nil {
			m.ignore(res, err)
			continue
		}
		if err := m.acceptable(offer); err != nil {
			m.ignore(res, err)
			continue
		}
		break
	}

	res.Offer = offer
	res.PeerID = offer.UserID
	m.transition(StatePeerDiscovered)
	m.transition(StateAwaitingAck)

	data, err := frame.Encode(frame.AckFor(offer, m.params.LocalID).Fields())
	if err != nil {
		return err
	}
	return m.adapter.WriteFrame(ctx, data)
}

func (m *Machine) acceptable(offer frame.Offer) error {
	p := m.params
	if offer.UserID == "" {
		return errors.New("offer without sender id")
	}
	if p.PeerHint != "" && offer.UserID != p.PeerHint {
		return fmt.Errorf("offer from unexpected peer %q", offer.UserID)
	}
	if offer.UserID == p.LocalID {
		return errors.New("offer from own wallet")
	}
	if !p.Amount.IsZero() && !offer.Amount.Equal(p.Amount) {
		return fmt.Errorf("offer amount %s differs from expected %s", money.Format(offer.Amount), money.Format(p.Amount))
	}
	if !p.MaxAmount.IsZero() && offer.Amount.GreaterThan(p.MaxAmount) {
		return fmt.Errorf("offer amount %s above limit", money.Format(offer.Amount))
	}
	if p.Currency != "" && offer.Currency != "" && offer.Currency != p.Currency {
		return fmt.Errorf("offer currency %s differs from %s", offer.Currency, p.Currency)
	}
	return nil
}

func (m *Machine) ignore(res *Result, reason error) {
	res.Ignored++
	m.logger.Debug("frame ignored", slog.String("state", string(m.State())), slog.Any("reason", reason))
}

func (m *Machine) transition(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.transitions = append(m.transitions, Transition{From: from, To: to, At: time.Now().UTC()})
	m.mu.Unlock()
	m.logger.Debug("handshake transition", slog.String("from", string(from)), slog.String("to", string(to)))
}

func (m *Machine) finish(res Result, state State, cause error) (Result, error) {
	m.transition(state)
	res.State = state
	res.Err = cause
	res.EndedAt = time.Now().UTC()

	attrs := []any{slog.String("state", string(state)), slog.Int("ignored_frames", res.Ignored), slog.Duration("duration", res.EndedAt.Sub(res.StartedAt))}
	if cause != nil {
		attrs = append(attrs, slog.Any("error", cause))
	}
	m.logger.Info("handshake finished", attrs...)
	return res, cause
}

// classify maps the error that stopped a waiting state to the terminal
// state and its cause.
func classify(ctx context.Context, err error) (State, error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, ErrTimeout), errors.Is(cause, context.DeadlineExceeded):
			return StateTimedOut, ErrTimeout
		case errors.Is(cause, ErrAborted):
			return StateAborted, ErrAborted
		case cause != nil:
			return StateAborted, fmt.Errorf("%w: %w", ErrAborted, cause)
		default:
			return StateAborted, fmt.Errorf("%w: %w", ErrAborted, err)
		}
	}
	return StateAborted, fmt.Errorf("%w: %w", ErrAborted, err)
}

func (p Params) validate() error {
	switch p.Role {
	case RoleSender, RoleReceiver:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidParams, p.Role)
	}
	if p.LocalID == "" {
		return fmt.Errorf("%w: local id is required", ErrInvalidParams)
	}
	if p.Role == RoleSender && !money.Positive(p.Amount) {
		return fmt.Errorf("%w: %w", ErrInvalidParams, money.ErrInvalid)
	}
	return nil
}

package shadow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"irbt-go/internal/cloud"
	"irbt-go/internal/retry"
)

// DefaultStatusTimeout bounds the shadow get that follows a command.
const DefaultStatusTimeout = 5 * time.Second

const deltaBuffer = 16

// State is the lifecycle position of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StatePublishing
	StateAwaitingStatus
	StateReconnecting
	StateCompleted
	StateFailed
)

var stateNames = [...]string{
	StateDisconnected:   "disconnected",
	StateConnecting:     "connecting",
	StateConnected:      "connected",
	StatePublishing:     "publishing",
	StateAwaitingStatus: "awaiting_status",
	StateReconnecting:   "reconnecting",
	StateCompleted:      "completed",
	StateFailed:         "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithStatusTimeout sets how long each shadow get may take.
func WithStatusTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.statusTimeout = d
		}
	}
}

// WithObserver registers fn to receive every snapshot and delta of every
// session. fn runs on the transport's delivery goroutine.
func WithObserver(fn func(Snapshot)) DispatcherOption {
	return func(disp *Dispatcher) {
		disp.observers = append(disp.observers, fn)
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(disp *Dispatcher) {
		disp.logger = l
	}
}

// Dispatcher publishes commands and reads back the robot status.
type Dispatcher struct {
	dialer        Dialer
	topicPrefix   string
	statusTimeout time.Duration
	observers     []func(Snapshot)
	logger        *slog.Logger
}

// NewDispatcher creates a dispatcher publishing below topicPrefix (the
// discovered irbtTopics value).
func NewDispatcher(dialer Dialer, topicPrefix string, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		dialer:        dialer,
		topicPrefix:   topicPrefix,
		statusTimeout: DefaultStatusTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	return d
}

// Send connects, publishes cmd (except status), then waits for the shadow
// to report the robot state. A failed status read gets one reconnect and
// one more read. The returned session is never nil; on error it is Failed
// and holds no connection. On success it stays connected and streams
// deltas until Disconnect.
func (d *Dispatcher) Send(ctx context.Context, deviceID string, cmd Command, rooms string, active cloud.ActiveMap) (*Session, error) {
	s := &Session{
		d:        d,
		deviceID: deviceID,
		command:  cmd,
		logger:   d.logger.With("device", deviceID, "command", string(cmd)),
		subs:     make(map[*Subscription]struct{}),
	}

	msg, err := BuildMessage(cmd, rooms, active)
	if err != nil {
		s.setState(StateFailed)
		return s, err
	}
	payload, err := msg.Encode()
	if err != nil {
		s.setState(StateFailed)
		return s, fmt.Errorf("encode %s command: %w", cmd, err)
	}

	s.setState(StateConnecting)
	t, err := d.dialer.Dial(ctx, deviceID)
	if err != nil {
		s.setState(StateFailed)
		return s, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	s.attach(t, StateConnected)

	if cmd != CommandStatus {
		s.setState(StatePublishing)
		s.logger.Info("executing command", "rooms", rooms)
		if err := t.Publish(ctx, CommandTopic(d.topicPrefix, deviceID), payload); err != nil {
			s.abort()
			return s, &PublishError{Command: cmd, Err: err}
		}
	}

	s.setState(StateAwaitingStatus)
	policy := retry.Once(retryableFetch)
	policy.OnRetry = func(_ int, err error) {
		s.logger.Warn("status read failed, reconnecting", "err", err)
	}

	var snap Snapshot
	err = policy.Do(ctx, func(ctx context.Context) error {
		var err error
		snap, err = s.fetch(ctx)
		return err
	}, s.reconnect)
	if err == nil {
		err = s.watchDeltas()
	}
	if err != nil {
		s.abort()
		return s, &CommandFailedError{Command: cmd, Err: err}
	}

	s.complete(snap)
	d.notify(snap)
	return s, nil
}

func (d *Dispatcher) notify(snap Snapshot) {
	for _, fn := range d.observers {
		fn(snap)
	}
}

func retryableFetch(err error) bool {
	var rejected *ShadowRejectedError
	return !errors.As(err, &rejected)
}

// Session is one command's connection and its status stream.
type Session struct {
	d        *Dispatcher
	deviceID string
	command  Command
	logger   *slog.Logger

	mu          sync.Mutex
	state       State
	transport   Transport
	cancelDelta func()
	status      Snapshot
	hasStatus   bool
	reconnects  int
	subs        map[*Subscription]struct{}
	closed      bool

	// early holds deltas received before the first Subscribe.
	early      []Snapshot
	subscribed bool
}

// DeviceID returns the target device.
func (s *Session) DeviceID() string { return s.deviceID }

// Command returns the command this session sent.
func (s *Session) Command() Command { return s.command }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reconnects returns how many times the session re-dialed.
func (s *Session) Reconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

// Status returns the snapshot read after the command.
func (s *Session) Status() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.hasStatus
}

// Subscribe returns a stream of the deltas received from now on. The first
// subscription also gets the deltas that arrived since the status read.
// The channel is closed by Subscription.Close or Disconnect.
func (s *Session) Subscribe() *Subscription {
	ch := make(chan Snapshot, deltaBuffer)
	sub := &Subscription{C: ch, ch: ch, s: s}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.subscribed {
		s.subscribed = true
		for _, snap := range s.early {
			ch <- snap
		}
		s.early = nil
	}
	if s.closed {
		sub.closeChan()
		return sub
	}
	s.subs[sub] = struct{}{}
	return sub
}

// Disconnect closes the connection and every subscription. It is safe to
// call in any state and more than once.
func (s *Session) Disconnect() {
	s.mu.Lock()
	t, cancel := s.transport, s.cancelDelta
	subs := s.subs
	s.transport, s.cancelDelta, s.subs = nil, nil, nil
	s.closed = true
	prev := s.state
	s.state = StateDisconnected
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t != nil {
		if err := t.Close(); err != nil {
			s.logger.Debug("close transport", "err", err)
		}
	}
	for sub := range subs {
		sub.closeChan()
	}
	if prev != StateDisconnected {
		s.logger.Debug("session state", "from", prev.String(), "to", StateDisconnected.String())
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.logger.Debug("session state", "from", prev.String(), "to", st.String())
	}
}

func (s *Session) attach(t Transport, st State) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
	s.setState(st)
}

func (s *Session) currentTransport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

func (s *Session) detach() {
	s.mu.Lock()
	t, cancel := s.transport, s.cancelDelta
	s.transport, s.cancelDelta = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if t != nil {
		if err := t.Close(); err != nil {
			s.logger.Debug("close transport", "err", err)
		}
	}
}

func (s *Session) abort() {
	s.detach()
	s.setState(StateFailed)
}

func (s *Session) fetch(ctx context.Context) (Snapshot, error) {
	t := s.currentTransport()
	if t == nil {
		return Snapshot{}, ErrClosed
	}
	fctx, cancel := context.WithTimeout(ctx, s.d.statusTimeout)
	defer cancel()

	raw, err := t.GetShadow(fctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Snapshot{}, ErrStatusTimeout
		}
		return Snapshot{}, err
	}
	return ParseSnapshot(s.deviceID, raw, false)
}

func (s *Session) reconnect(ctx context.Context) error {
	s.setState(StateReconnecting)
	s.detach()

	t, err := s.d.dialer.Dial(ctx, s.deviceID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	s.mu.Lock()
	s.reconnects++
	s.mu.Unlock()
	s.attach(t, StateAwaitingStatus)
	return nil
}

func (s *Session) watchDeltas() error {
	t := s.currentTransport()
	if t == nil {
		return ErrClosed
	}
	cancel, err := t.SubscribeDelta(s.onDelta)
	if err != nil {
		return fmt.Errorf("subscribe to shadow deltas: %w", err)
	}
	s.mu.Lock()
	s.cancelDelta = cancel
	s.mu.Unlock()
	return nil
}

func (s *Session) complete(snap Snapshot) {
	s.mu.Lock()
	s.status = snap
	s.hasStatus = true
	s.mu.Unlock()
	s.setState(StateCompleted)
}

func (s *Session) onDelta(payload []byte) {
	snap, err := ParseSnapshot(s.deviceID, payload, true)
	if err != nil {
		s.logger.Warn("invalid shadow delta", "err", err)
		return
	}
	s.d.notify(snap)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.subscribed {
		if len(s.early) < deltaBuffer {
			s.early = append(s.early, snap)
		}
		return
	}
	for sub := range s.subs {
		select {
		case sub.ch <- snap:
		default:
			s.logger.Warn("delta subscriber is not keeping up, dropping delta")
		}
	}
}

// Subscription is a delta stream of one session.
type Subscription struct {
	C <-chan Snapshot

	ch   chan Snapshot
	s    *Session
	once sync.Once
}

// Close stops delivery and closes C. It leaves the session running.
func (sub *Subscription) Close() {
	sub.s.mu.Lock()
	_, ok := sub.s.subs[sub]
	delete(sub.s.subs, sub)
	sub.s.mu.Unlock()
	if ok {
		sub.closeChan()
	}
}

func (sub *Subscription) closeChan() {
	sub.once.Do(func() { close(sub.ch) })
}

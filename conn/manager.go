package conn

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"google.golang.org/grpc/codes"

	"github.com/conduitrpc/conduit/status"
)

// Multiplexer is the per-channel stream factory the manager hands out.
// Its concrete surface belongs to the HTTP/2 layer; the manager only
// controls when callers may have one.
type Multiplexer interface {
	// OpenStream allocates a stream on the channel.
	OpenStream(ctx context.Context) (Stream, error)
}

// Stream is an opaque handle to one HTTP/2 stream.
type Stream interface {
	// ID returns the HTTP/2 stream identifier.
	ID() uint32
	// CloseWithError resets the stream.
	CloseWithError(err error) error
}

// Channel is one underlying HTTP/2 connection produced by a Provider.
type Channel interface {
	// Multiplexer returns the stream factory for this channel.
	Multiplexer() Multiplexer
	// Done is closed when the channel terminates for any reason.
	Done() <-chan struct{}
	// Err reports why the channel terminated; nil before Done.
	Err() error
	// Quiesce stops the channel from accepting new streams while
	// existing ones drain.
	Quiesce()
	// Close tears the channel down.
	Close() error
}

// Provider dials channels. It is the only way the manager obtains a
// connection; TLS, sockets and HTTP/2 setup live behind it.
type Provider interface {
	Dial(ctx context.Context) (Channel, error)
}

// State is the manager's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateReady
	StateTransientFailure
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateReady:
		return "ready"
	case StateTransientFailure:
		return "transient-failure"
	case StateShutdown:
		return "shutdown"
	}
	return "invalid"
}

// ErrManagerShutdown is returned for any multiplexer request after
// shutdown.
var ErrManagerShutdown = errors.New("conn: connection manager is shut down")

// ErrUnexpectedConnectionDrop marks a channel that terminated without a
// prior status; callers see it as Unavailable.
var ErrUnexpectedConnectionDrop = errors.New("conn: unexpected connection drop")

// Config parameterizes a Manager.
type Config struct {
	// Backoff enables reconnection. Nil makes exactly one connect
	// attempt; its failure terminates the manager with Unavailable.
	Backoff *BackoffConfig
	// DialTimeout bounds the first connect attempt, before backoff
	// pacing provides per-attempt timeouts. Zero means no bound.
	DialTimeout time.Duration `validate:"gte=0"`
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Backoff != nil {
		return c.Backoff.Validate()
	}
	return nil
}

// Manager is a finite state machine owning a single channel's lifecycle.
// All state lives on its run loop goroutine; public entry points post
// events onto the mailbox and never touch state directly, so they are safe
// from any goroutine.
type Manager struct {
	cfg       Config
	provider  Provider
	scheduler Scheduler
	logger    *zap.Logger
	rng       *rand.Rand

	mailbox chan func()
	closed  chan struct{} // run loop exited

	// Everything below is owned by the run loop.
	state     State
	channel   Channel
	candidate Channel
	lastErr   error
	backoff   *backoffIterator
	retryTask Task

	attempt    uint64
	connID     uuid.UUID
	connEpoch  uint64 // guards stale dial results and watchers
	maxStreams uint32 // peer's MAX_CONCURRENT_STREAMS, 0 until seen

	activeWaiters []chan mplexResult // fail-fast callers
	readyWaiters  []chan mplexResult // patient callers

	shuttingDown bool
	graceTask    Task
	shutdownDone chan struct{}
}

type mplexResult struct {
	mux Multiplexer
	err error
}

// NewManager creates and starts a manager. The manager owns no channel
// until the first GetMultiplexer call.
func NewManager(cfg Config, provider Provider, scheduler Scheduler, logger *zap.Logger) *Manager {
	if scheduler == nil {
		scheduler = SystemScheduler
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:          cfg,
		provider:     provider,
		scheduler:    scheduler,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		mailbox:      make(chan func(), 16),
		closed:       make(chan struct{}),
		state:        StateIdle,
		connID:       uuid.New(),
		shutdownDone: make(chan struct{}),
	}
	m.logger = logger.With(zap.String("grpc_connection_id", m.connID.String()))
	go m.run()
	return m
}

// run is the manager's executor: every event is a closure, mutation is
// serialized here.
func (m *Manager) run() {
	defer close(m.closed)
	for fn := range m.mailbox {
		fn()
		if m.state == StateShutdown && m.channel == nil && m.candidate == nil {
			select {
			case <-m.shutdownDone:
			default:
				close(m.shutdownDone)
			}
			// Keep draining the mailbox so posters never block, but
			// stop once nothing is pending.
			for {
				select {
				case fn := <-m.mailbox:
					fn()
					continue
				default:
				}
				return
			}
		}
	}
}

// post hops onto the manager's executor.
func (m *Manager) post(fn func()) {
	select {
	case <-m.closed:
		// Late event after shutdown completed; drop it.
	case m.mailbox <- fn:
	}
}

// State returns a snapshot of the current state.
func (m *Manager) State() State {
	reply := make(chan State, 1)
	m.post(func() { reply <- m.state })
	select {
	case s := <-reply:
		return s
	case <-m.closed:
		return StateShutdown
	}
}

// MaxConcurrentStreams returns the peer's last advertised stream limit,
// zero before the first SETTINGS frame.
func (m *Manager) MaxConcurrentStreams() uint32 {
	reply := make(chan uint32, 1)
	m.post(func() { reply <- m.maxStreams })
	select {
	case v := <-reply:
		return v
	case <-m.closed:
		return 0
	}
}

// GetMultiplexer returns the channel's multiplexer, connecting on demand.
// A patient caller (failFast false) waits until a channel is Ready. A
// fail-fast caller accepts a candidate channel that has not yet seen the
// peer's SETTINGS, and fails immediately in TransientFailure.
func (m *Manager) GetMultiplexer(ctx context.Context, failFast bool) (Multiplexer, error) {
	reply := make(chan mplexResult, 1)
	m.post(func() { m.getMultiplexer(failFast, reply) })

	select {
	case res := <-reply:
		return res.mux, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, ErrManagerShutdown
	}
}

func (m *Manager) getMultiplexer(failFast bool, reply chan mplexResult) {
	switch m.state {
	case StateIdle:
		m.enqueueWaiter(failFast, reply)
		m.startConnecting()
	case StateConnecting:
		m.enqueueWaiter(failFast, reply)
	case StateActive:
		if failFast {
			reply <- mplexResult{mux: m.candidate.Multiplexer()}
			return
		}
		m.readyWaiters = append(m.readyWaiters, reply)
	case StateReady:
		reply <- mplexResult{mux: m.channel.Multiplexer()}
	case StateTransientFailure:
		if failFast {
			reply <- mplexResult{err: m.unavailable()}
			return
		}
		m.readyWaiters = append(m.readyWaiters, reply)
	case StateShutdown:
		reply <- mplexResult{err: ErrManagerShutdown}
	}
}

func (m *Manager) enqueueWaiter(failFast bool, reply chan mplexResult) {
	if failFast {
		m.activeWaiters = append(m.activeWaiters, reply)
	} else {
		m.readyWaiters = append(m.readyWaiters, reply)
	}
}

// startConnecting launches a dial attempt. Runs on the loop.
func (m *Manager) startConnecting() {
	m.state = StateConnecting
	m.attempt++
	epoch := m.connEpoch
	attempt := m.attempt

	timeout := m.cfg.DialTimeout
	if m.backoff == nil && m.cfg.Backoff != nil {
		m.backoff = newBackoffIterator(*m.cfg.Backoff, m.rng)
	}

	m.logger.Info("connecting",
		zap.Uint64("attempt", attempt),
		zap.Duration("timeout", timeout))

	go func() {
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		ch, err := m.provider.Dial(ctx)
		m.post(func() {
			if epoch != m.connEpoch || m.state == StateShutdown {
				// A newer epoch superseded this attempt.
				if ch != nil {
					ch.Close()
				}
				return
			}
			if err != nil {
				m.channelError(err)
				return
			}
			m.channelActive(ch)
		})
	}()
}

// channelActive admits a freshly dialed channel as the candidate.
func (m *Manager) channelActive(ch Channel) {
	if m.state != StateConnecting {
		// A channel arriving in any state other than Connecting is not
		// admitted; it is closed.
		ch.Close()
		return
	}
	m.candidate = ch
	m.state = StateActive
	m.logger.Info("channel active", zap.Uint64("attempt", m.attempt))

	// Fail-fast callers can use the candidate.
	for _, w := range m.activeWaiters {
		w <- mplexResult{mux: ch.Multiplexer()}
	}
	m.activeWaiters = nil

	epoch := m.connEpoch
	go func() {
		<-ch.Done()
		m.post(func() {
			if epoch != m.connEpoch {
				return
			}
			m.channelInactive(ch.Err())
		})
	}()
}

// Ready records that the peer's initial SETTINGS frame was observed; the
// candidate is promoted and patient callers are released.
func (m *Manager) Ready() {
	m.post(func() {
		if m.state != StateActive {
			// Legal only while a candidate exists; anywhere else the
			// notification is stale.
			if m.state != StateShutdown {
				m.logger.Warn("ready notification in unexpected state",
					zap.String("state", m.state.String()))
			}
			return
		}
		m.channel = m.candidate
		m.candidate = nil
		m.state = StateReady
		m.backoff = nil // a healthy channel resets pacing
		m.logger.Info("channel ready")

		for _, w := range m.readyWaiters {
			w <- mplexResult{mux: m.channel.Multiplexer()}
		}
		m.readyWaiters = nil
	})
}

// NotifyError records a channel-level error without tearing anything down;
// the subsequent inactive event does that.
func (m *Manager) NotifyError(err error) {
	m.post(func() {
		switch m.state {
		case StateIdle:
			m.logger.Warn("channel error while idle", zap.Error(err))
		case StateConnecting:
			m.channelError(err)
		case StateActive, StateReady:
			m.lastErr = err
		default:
			// TransientFailure and Shutdown ignore late errors.
		}
	})
}

// BeginQuiescing reacts to a peer GOAWAY: no new streams, existing ones
// drain, and the normal inactive path runs when the channel closes.
func (m *Manager) BeginQuiescing() {
	m.post(func() {
		switch m.state {
		case StateReady:
			m.logger.Info("peer goaway received, quiescing")
			m.channel.Quiesce()
		case StateActive:
			m.logger.Info("peer goaway received on candidate, quiescing")
			m.candidate.Quiesce()
		}
	})
}

// Idle evicts a healthy but unused channel; the next GetMultiplexer dials
// a fresh one.
func (m *Manager) Idle() {
	m.post(func() {
		switch m.state {
		case StateActive, StateReady:
		default:
			return
		}
		m.logger.Info("idle timeout, releasing channel")
		if m.channel != nil {
			m.channel.Close()
			m.channel = nil
		}
		if m.candidate != nil {
			m.candidate.Close()
			m.candidate = nil
		}
		m.newEpoch()
		m.state = StateIdle
	})
}

// channelError handles a failed connect attempt. Runs on the loop.
func (m *Manager) channelError(err error) {
	m.lastErr = err
	for _, w := range m.activeWaiters {
		w <- mplexResult{err: m.unavailable()}
	}
	m.activeWaiters = nil

	if m.shuttingDown {
		m.toShutdown()
		return
	}
	if m.cfg.Backoff == nil {
		// No reconnection configured: one attempt only.
		m.logger.Warn("connect failed, no backoff configured", zap.Error(err))
		m.failWaiters()
		m.toShutdown()
		return
	}
	if m.backoff == nil {
		// A ready channel reset pacing; start a fresh sequence.
		m.backoff = newBackoffIterator(*m.cfg.Backoff, m.rng)
	}

	connectTimeout, delay, ok := m.backoff.Next()
	if !ok {
		m.logger.Warn("backoff exhausted", zap.Error(err))
		m.failWaiters()
		m.toShutdown()
		return
	}

	m.newEpoch()
	m.state = StateTransientFailure
	m.logger.Warn("connect failed, retrying",
		zap.Error(err),
		zap.Duration("backoff", delay),
		zap.Duration("next_timeout", connectTimeout))

	m.retryTask = m.scheduler.Schedule(delay, func() {
		m.post(func() {
			if m.state != StateTransientFailure {
				return
			}
			m.cfg.DialTimeout = connectTimeout
			m.startConnecting()
		})
	})
}

// channelInactive handles the established channel dropping.
func (m *Manager) channelInactive(err error) {
	switch m.state {
	case StateConnecting, StateActive, StateReady:
	default:
		return
	}
	if err == nil {
		err = ErrUnexpectedConnectionDrop
	}
	m.channel = nil
	m.candidate = nil
	m.lastErr = err

	if m.shuttingDown {
		m.toShutdown()
		return
	}
	m.logger.Warn("channel inactive", zap.Error(err))
	m.channelError(err)
}

// Shutdown forcefully terminates the manager and waits for completion.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.post(func() { m.shutdown(false, time.Time{}) })
	return m.awaitShutdown(ctx)
}

// ShutdownGraceful quiesces a ready channel and lets in-flight streams run
// to their status until the deadline, then closes hard. The returned error
// only reflects ctx; the shutdown itself always completes.
func (m *Manager) ShutdownGraceful(ctx context.Context, deadline time.Time) error {
	m.post(func() { m.shutdown(true, deadline) })
	return m.awaitShutdown(ctx)
}

func (m *Manager) awaitShutdown(ctx context.Context) error {
	select {
	case <-m.shutdownDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown drives the per-state shutdown behavior. Runs on the loop.
func (m *Manager) shutdown(graceful bool, deadline time.Time) {
	if m.state == StateShutdown {
		return
	}
	m.shuttingDown = true
	if m.retryTask != nil {
		m.retryTask.Cancel()
		m.retryTask = nil
	}

	switch m.state {
	case StateIdle, StateTransientFailure:
		m.failWaiters()
		m.toShutdown()

	case StateConnecting:
		// The in-flight dial observes the epoch change and closes any
		// channel it produces.
		m.newEpoch()
		m.failWaiters()
		m.toShutdown()

	case StateActive:
		m.failWaiters()
		m.candidate.Close()
		m.candidate = nil
		m.toShutdown()

	case StateReady:
		if graceful && deadline.After(time.Now()) {
			m.logger.Info("graceful shutdown, quiescing",
				zap.Time("deadline", deadline))
			m.failWaiters()
			ch := m.channel
			ch.Quiesce()
			m.state = StateShutdown
			m.graceTask = m.scheduler.Schedule(time.Until(deadline), func() {
				m.post(func() {
					if m.channel == ch {
						m.logger.Warn("graceful deadline reached, closing hard")
						ch.Close()
					}
				})
			})
			epoch := m.connEpoch
			go func() {
				<-ch.Done()
				m.post(func() {
					if m.connEpoch != epoch {
						return
					}
					if m.graceTask != nil {
						m.graceTask.Cancel()
						m.graceTask = nil
					}
					m.channel = nil
				})
			}()
			return
		}
		m.failWaiters()
		m.channel.Close()
		m.channel = nil
		m.toShutdown()
	}
}

// toShutdown finalizes the terminal state. Runs on the loop.
func (m *Manager) toShutdown() {
	m.state = StateShutdown
	if m.channel != nil {
		m.channel.Close()
		m.channel = nil
	}
	if m.candidate != nil {
		m.candidate.Close()
		m.candidate = nil
	}
}

// failWaiters resolves every pending future with Unavailable.
func (m *Manager) failWaiters() {
	for _, w := range m.activeWaiters {
		w <- mplexResult{err: m.unavailable()}
	}
	for _, w := range m.readyWaiters {
		w <- mplexResult{err: m.unavailable()}
	}
	m.activeWaiters, m.readyWaiters = nil, nil
}

// unavailable wraps the last error as the Unavailable status callers see.
func (m *Manager) unavailable() error {
	if m.lastErr != nil {
		return status.Newf(codes.Unavailable, "connection unavailable: %v", m.lastErr).Err()
	}
	return status.New(codes.Unavailable, "connection unavailable").Err()
}

// newEpoch rotates the connection identity used in logs and invalidates
// stale async results.
func (m *Manager) newEpoch() {
	m.connEpoch++
	m.connID = uuid.New()
	m.logger = m.logger.With(zap.String("grpc_connection_id", m.connID.String()))
}

// Events returns the adapter wiring a KeepaliveHandler's notifications to
// this manager.
func (m *Manager) Events() ConnectionEvents {
	return &managerEvents{m: m}
}

// managerEvents translates keepalive notifications into manager events.
type managerEvents struct {
	m *Manager
}

func (e *managerEvents) OnMaxConcurrentStreams(n uint32) {
	e.m.post(func() {
		e.m.maxStreams = n
		e.m.logger.Debug("peer max concurrent streams", zap.Uint32("max_streams", n))
	})
}

func (e *managerEvents) OnIdle() {
	e.m.Idle()
}

func (e *managerEvents) OnKeepaliveTimeout(err error) {
	e.m.NotifyError(err)
	e.m.post(func() {
		if e.m.state == StateReady || e.m.state == StateActive {
			if e.m.channel != nil {
				e.m.channel.Close()
			}
			if e.m.candidate != nil {
				e.m.candidate.Close()
			}
		}
	})
}

func (e *managerEvents) OnGoAwaySent(code http2.ErrCode) {
	e.m.post(func() {
		e.m.logger.Info("goaway sent", zap.String("code", code.String()))
	})
}

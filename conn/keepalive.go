package conn

import (
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// Keepalive defaults, matching the gRPC specification.
const (
	defaultKeepaliveTime        = 2 * time.Hour
	defaultKeepaliveTimeout     = 20 * time.Second
	defaultMaxPingsWithoutData  = 2
	defaultEnforcementMinTime   = 5 * time.Minute
	defaultMaxPingStrikes       = 2
	goAwayDebugTooManyPings     = "too_many_pings"
	secondGoAwayDelay           = 1 * time.Second
)

// keepalivePingData is the fixed opaque payload carried by keepalive PINGs,
// distinguishing them from other PING traffic on the connection.
var keepalivePingData = [8]byte{1, 6, 1, 8, 0, 3, 3, 9}

// goAwayPingData tags the PING that follows the second GOAWAY of a graceful
// shutdown.
var goAwayPingData = [8]byte{1, 1, 2, 3, 5, 8, 13, 21}

// ErrKeepaliveTimeout reports a keepalive PING that was never acknowledged.
var ErrKeepaliveTimeout = errors.New("conn: keepalive ping not acknowledged within timeout")

// KeepaliveParameters configures the PING cadence of one side.
type KeepaliveParameters struct {
	// Time between keepalive PINGs.
	Time time.Duration `validate:"gte=0"`
	// Timeout for a PING acknowledgement before the connection is
	// declared dead.
	Timeout time.Duration `validate:"gte=0"`
	// PermitWithoutStream allows PINGs with no open calls.
	PermitWithoutStream bool
	// MaxPingsWithoutData caps consecutive PINGs sent while no data
	// frames flow.
	MaxPingsWithoutData int `validate:"gte=0"`
}

// DefaultKeepaliveParameters returns the client-side defaults.
func DefaultKeepaliveParameters() KeepaliveParameters {
	return KeepaliveParameters{
		Time:                defaultKeepaliveTime,
		Timeout:             defaultKeepaliveTimeout,
		MaxPingsWithoutData: defaultMaxPingsWithoutData,
	}
}

// EnforcementPolicy is the server-side defense against ping floods.
type EnforcementPolicy struct {
	// MinTime is the minimum interval between received PINGs when no
	// data frames are flowing; faster PINGs earn strikes.
	MinTime time.Duration `validate:"gte=0"`
	// PermitWithoutStream tolerates PINGs with no open streams.
	PermitWithoutStream bool
	// MaxPingStrikes terminates the connection when exceeded. Zero
	// tolerates any number.
	MaxPingStrikes int `validate:"gte=0"`
}

// DefaultEnforcementPolicy returns the server-side defaults.
func DefaultEnforcementPolicy() EnforcementPolicy {
	return EnforcementPolicy{
		MinTime:        defaultEnforcementMinTime,
		MaxPingStrikes: defaultMaxPingStrikes,
	}
}

// FrameWriter is the slice of the HTTP/2 framer the handler needs.
type FrameWriter interface {
	WritePing(ack bool, data [8]byte) error
	WriteGoAway(maxStreamID uint32, code http2.ErrCode, debugData []byte) error
}

// ConnectionEvents receives the notifications the connection manager
// observes. Implementations must not call back into the handler.
type ConnectionEvents interface {
	// OnMaxConcurrentStreams forwards the peer's SETTINGS value.
	OnMaxConcurrentStreams(n uint32)
	// OnIdle fires when the idle timeout elapses with no open streams.
	OnIdle()
	// OnKeepaliveTimeout fires when a keepalive PING goes unacknowledged.
	OnKeepaliveTimeout(err error)
	// OnGoAwaySent fires after the handler emits a GOAWAY on its own,
	// e.g. on a ping-strike violation.
	OnGoAwaySent(code http2.ErrCode)
}

// KeepaliveConfig assembles the handler's knobs.
type KeepaliveConfig struct {
	Params KeepaliveParameters
	Policy EnforcementPolicy
	// IdleTimeout evicts the connection after this long with zero open
	// streams. Zero disables idle tracking.
	IdleTimeout time.Duration `validate:"gte=0"`
}

// KeepaliveHandler multiplexes three concerns over one connection: stream
// accounting, the idle timer and PING-based keepalive with server-side
// strike counting. It is driven by the connection's frame loop and by
// scheduler callbacks; a mutex serializes the two.
type KeepaliveHandler struct {
	cfg       KeepaliveConfig
	writer    FrameWriter
	events    ConnectionEvents
	scheduler Scheduler
	logger    *zap.Logger
	now       func() time.Time

	mu               sync.Mutex
	started          bool
	stopped          bool
	openStreams      int
	lastPeerStreamID uint32

	// Keepalive send side.
	pingTask         Task
	ackTask          Task
	pingsWithoutData int
	dataSincePing    bool

	// Server enforcement side.
	lastPingRecv time.Time
	pingStrikes  int

	// Idle tracking.
	idleTask Task

	// Graceful shutdown.
	quiescing  bool
	secondTask Task
}

// NewKeepaliveHandler wires the handler to a frame writer and an observer.
func NewKeepaliveHandler(cfg KeepaliveConfig, w FrameWriter, ev ConnectionEvents, sched Scheduler, logger *zap.Logger) *KeepaliveHandler {
	if cfg.Params.Time == 0 {
		cfg.Params = DefaultKeepaliveParameters()
	}
	if cfg.Policy.MinTime == 0 {
		cfg.Policy = DefaultEnforcementPolicy()
	}
	if sched == nil {
		sched = SystemScheduler
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeepaliveHandler{
		cfg:       cfg,
		writer:    w,
		events:    ev,
		scheduler: sched,
		logger:    logger,
		now:       time.Now,
	}
}

// Start arms the keepalive and idle timers. Idempotent.
func (k *KeepaliveHandler) Start() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started || k.stopped {
		return
	}
	k.started = true
	k.schedulePingLocked()
	k.armIdleLocked()
}

// Stop cancels every pending task. Idempotent.
func (k *KeepaliveHandler) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stopped = true
	for _, t := range []Task{k.pingTask, k.ackTask, k.idleTask, k.secondTask} {
		if t != nil {
			t.Cancel()
		}
	}
	k.pingTask, k.ackTask, k.idleTask, k.secondTask = nil, nil, nil, nil
}

// OnStreamOpen accounts for a new stream and disarms the idle timer.
func (k *KeepaliveHandler) OnStreamOpen(streamID uint32, peerInitiated bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.openStreams++
	if peerInitiated && streamID > k.lastPeerStreamID {
		k.lastPeerStreamID = streamID
	}
	if k.idleTask != nil {
		k.idleTask.Cancel()
		k.idleTask = nil
	}
}

// OnStreamClose accounts for a finished stream and re-arms the idle timer
// at zero open streams.
func (k *KeepaliveHandler) OnStreamClose() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.openStreams > 0 {
		k.openStreams--
	}
	if k.openStreams == 0 {
		k.armIdleLocked()
	}
}

// OpenStreams returns the current stream count.
func (k *KeepaliveHandler) OpenStreams() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.openStreams
}

// OnData records peer activity: any DATA or HEADERS frame counts and
// resets the ping-without-data accounting.
func (k *KeepaliveHandler) OnData() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pingsWithoutData = 0
	k.dataSincePing = true
}

// OnSettings forwards a MAX_CONCURRENT_STREAMS update to the manager.
func (k *KeepaliveHandler) OnSettings(s http2.Setting) {
	if s.ID == http2.SettingMaxConcurrentStreams {
		k.events.OnMaxConcurrentStreams(s.Val)
	}
}

// OnPing handles both directions: an ack may complete our keepalive probe,
// a peer ping feeds the strike counter.
func (k *KeepaliveHandler) OnPing(ack bool, data [8]byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if ack {
		if data == keepalivePingData && k.ackTask != nil {
			k.ackTask.Cancel()
			k.ackTask = nil
		}
		return
	}
	k.enforcePingLocked()
}

// enforcePingLocked implements minimum_received_ping_interval accounting.
func (k *KeepaliveHandler) enforcePingLocked() {
	now := k.now()
	defer func() { k.lastPingRecv = now }()

	if k.openStreams > 0 || k.cfg.Policy.PermitWithoutStream {
		return
	}
	if k.lastPingRecv.IsZero() || now.Sub(k.lastPingRecv) >= k.cfg.Policy.MinTime {
		k.pingStrikes = 0
		return
	}
	k.pingStrikes++
	if k.cfg.Policy.MaxPingStrikes > 0 && k.pingStrikes > k.cfg.Policy.MaxPingStrikes {
		k.logger.Warn("too many ping strikes, closing connection",
			zap.Int("strikes", k.pingStrikes))
		_ = k.writer.WriteGoAway(k.lastPeerStreamID, http2.ErrCodeEnhanceYourCalm, []byte(goAwayDebugTooManyPings))
		k.events.OnGoAwaySent(http2.ErrCodeEnhanceYourCalm)
	}
}

// schedulePingLocked arms the next keepalive tick.
func (k *KeepaliveHandler) schedulePingLocked() {
	if k.cfg.Params.Time <= 0 || k.stopped {
		return
	}
	k.pingTask = k.scheduler.Schedule(k.cfg.Params.Time, k.pingTick)
}

// pingTick sends one keepalive PING when the regime allows it and arms the
// ack timeout.
func (k *KeepaliveHandler) pingTick() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopped {
		return
	}
	defer k.schedulePingLocked()

	if k.openStreams == 0 && !k.cfg.Params.PermitWithoutStream {
		return
	}
	if !k.dataSincePing && k.cfg.Params.MaxPingsWithoutData > 0 &&
		k.pingsWithoutData >= k.cfg.Params.MaxPingsWithoutData {
		return
	}

	if err := k.writer.WritePing(false, keepalivePingData); err != nil {
		k.logger.Warn("keepalive ping write failed", zap.Error(err))
		return
	}
	k.pingsWithoutData++
	k.dataSincePing = false
	if k.ackTask == nil && k.cfg.Params.Timeout > 0 {
		k.ackTask = k.scheduler.Schedule(k.cfg.Params.Timeout, k.ackTimeout)
	}
}

// ackTimeout fires when a keepalive PING was never acknowledged.
func (k *KeepaliveHandler) ackTimeout() {
	k.mu.Lock()
	if k.stopped || k.ackTask == nil {
		k.mu.Unlock()
		return
	}
	k.ackTask = nil
	k.mu.Unlock()
	k.events.OnKeepaliveTimeout(ErrKeepaliveTimeout)
}

// armIdleLocked schedules the idle eviction task.
func (k *KeepaliveHandler) armIdleLocked() {
	if k.cfg.IdleTimeout <= 0 || !k.started || k.stopped || k.idleTask != nil {
		return
	}
	k.idleTask = k.scheduler.Schedule(k.cfg.IdleTimeout, k.idleFired)
}

func (k *KeepaliveHandler) idleFired() {
	k.mu.Lock()
	if k.stopped || k.openStreams != 0 {
		k.idleTask = nil
		k.mu.Unlock()
		return
	}
	k.idleTask = nil
	k.mu.Unlock()
	k.events.OnIdle()
}

// InitiateGracefulShutdown emits a GOAWAY advertising the maximum stream ID,
// then after a short delay a second GOAWAY carrying the highest processed
// peer stream ID plus a tagged PING, so in-flight streams are acknowledged
// before the connection closes.
func (k *KeepaliveHandler) InitiateGracefulShutdown() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.quiescing || k.stopped {
		return
	}
	k.quiescing = true

	// First GOAWAY advertises the maximum stream ID so the peer can
	// finish everything already in flight.
	if err := k.writer.WriteGoAway(math.MaxUint32>>1, http2.ErrCodeNo, nil); err != nil {
		k.logger.Warn("graceful goaway write failed", zap.Error(err))
		return
	}
	k.secondTask = k.scheduler.Schedule(secondGoAwayDelay, func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		if k.stopped {
			return
		}
		_ = k.writer.WriteGoAway(k.lastPeerStreamID, http2.ErrCodeNo, nil)
		_ = k.writer.WritePing(false, goAwayPingData)
	})
}

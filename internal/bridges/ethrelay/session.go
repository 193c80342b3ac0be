package ethrelay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and intervals for module communication.
const (
	// defaultConnectTimeout is the maximum time to wait for the TCP dial.
	defaultConnectTimeout = 10 * time.Second

	// defaultIOTimeout bounds a single request/response exchange.
	defaultIOTimeout = 5 * time.Second

	// defaultPollInterval is the pause between poll passes.
	defaultPollInterval = 100 * time.Millisecond

	// defaultCloseGracePeriod is how long Close waits for the poll loop to
	// log out on its own before forcing the transport closed.
	defaultCloseGracePeriod = time.Second

	// defaultChannels matches the two-relay ETH002.
	defaultChannels = 2

	// telemetryQueueSize is the buffer size for the telemetry callback queue.
	telemetryQueueSize = 16
)

// SessionConfig holds the connection parameters for one module.
type SessionConfig struct {
	// Address is the module's IP address or host name.
	Address string

	// Port is the module's TCP port.
	// Default: 17494.
	Port int

	// Password unlocks the module if it is password protected.
	Password string

	// Channels is the number of relays fitted.
	// Default: 2.
	Channels int

	// ConnectTimeout bounds the TCP dial.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// IOTimeout bounds each request/response exchange.
	// Default: 5 seconds.
	IOTimeout time.Duration

	// PollInterval is the pause between poll passes.
	// Default: 100 milliseconds.
	PollInterval time.Duration

	// CloseGracePeriod is how long Close lets the poll loop finish its
	// current pass and log out before forcing the transport closed.
	// Default: 1 second.
	CloseGracePeriod time.Duration
}

func (c *SessionConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Channels == 0 {
		c.Channels = defaultChannels
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.IOTimeout == 0 {
		c.IOTimeout = defaultIOTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.CloseGracePeriod == 0 {
		c.CloseGracePeriod = defaultCloseGracePeriod
	}
}

// ErrorSink receives a human-readable description of the failure that
// closed a session. It is invoked at most once per session, after the
// session has reached StateClosed.
type ErrorSink func(message string)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Telemetry is a point-in-time copy of the cached module readings.
type Telemetry struct {
	SessionID     string
	Address       string
	ModuleID      uint8
	Hardware      uint8
	Firmware      uint8
	SerialNumber  string
	SupplyVoltage Voltage
	Outputs       Outputs
	Channels      int
	Timestamp     time.Time
}

// SessionStats holds operational statistics.
type SessionStats struct {
	CommandsTx       uint64
	PollsTotal       uint64
	ErrorsTotal      uint64
	TelemetryDropped uint64 // Snapshots dropped due to full callback queue
	LastActivity     time.Time
	ConnectedSince   time.Time
	State            State
}

// Controller is the command and telemetry surface of a session.
// This allows mocking the session in bridge and console tests.
type Controller interface {
	SubmitCommand(channel int, activate bool, hold time.Duration) error
	Toggle(channel int) error
	Pulse(channel int, hold time.Duration) error
	SetOnTelemetry(callback func(Telemetry))
	Address() string
	State() State
	Snapshot() Telemetry
	Stats() SessionStats
}

// Ensure Session implements Controller.
var _ Controller = (*Session)(nil)

// Session is an authenticated connection to one ETH relay module.
//
// Connect performs the unlock handshake, reads the module identity and
// starts a single poll goroutine. From then on only that goroutine touches
// the transport: each pass drains the command queue in order, then reads
// the supply voltage and relay states.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Connect must be called at most once.
//   - Telemetry callbacks are invoked in a dedicated goroutine and must not
//     call Close.
//
// Failure:
//   - There is no reconnection. The first transport or protocol failure
//     closes the session and is reported once through the ErrorSink.
type Session struct {
	cfg   SessionConfig
	id    string
	state atomic.Int32

	// Transport, written by Connect and teardown
	connMu sync.RWMutex
	conn   net.Conn

	queue *CommandQueue

	// Telemetry cache
	identified atomic.Bool
	polled     atomic.Bool
	moduleID   atomic.Uint32
	hardware   atomic.Uint32
	firmware   atomic.Uint32
	serial     atomic.Pointer[string]
	supply     atomic.Uint32
	outputs    atomic.Uint32

	// Error sink (single subscriber)
	onError   ErrorSink
	errorMu   sync.RWMutex
	errorOnce sync.Once

	// Telemetry observer and its bounded queue
	onTelemetry    func(Telemetry)
	telemetryMu    sync.RWMutex
	telemetryQueue chan Telemetry

	// Shutdown coordination
	lifeMu    sync.Mutex
	started   bool
	done      *closeOnce // close requested
	loopDone  *closeOnce // poll goroutine finished
	shutdown  sync.Once
	wg        sync.WaitGroup

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex

	// Statistics (atomic for performance)
	commandsTx       atomic.Uint64
	pollsTotal       atomic.Uint64
	errorsTotal      atomic.Uint64
	telemetryDropped atomic.Uint64
	lastActivity     atomic.Int64 // Unix nanoseconds
	connectedSince   atomic.Int64 // Unix nanoseconds
}

// NewSession creates a disconnected session. No I/O happens until Connect.
func NewSession(cfg SessionConfig) *Session {
	cfg.applyDefaults()

	s := &Session{
		cfg:            cfg,
		id:             uuid.NewString(),
		queue:          NewCommandQueue(),
		telemetryQueue: make(chan Telemetry, telemetryQueueSize),
		done:           newCloseOnce(),
		loopDone:       newCloseOnce(),
	}
	s.state.Store(int32(StateDisconnected))
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Address returns the module's host:port.
func (s *Session) Address() string {
	return net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port))
}

// Channels returns the number of relays the session drives.
func (s *Session) Channels() int {
	return s.cfg.Channels
}

// Connect opens the transport, unlocks the module, reads its identity
// and starts the poll loop.
//
// The handshake is:
//  1. GET_UNLOCK; a non-zero reply means the module is already unlocked.
//  2. Otherwise SET_PASSWORD, then GET_UNLOCK again. Still zero means the
//     password was rejected.
//  3. GET_MODULE_INFO and GET_SERIAL_NUMBER, once.
//  4. GET_PSU and GET_DIGITAL_OUTPUT, so every telemetry getter holds a
//     value read from the module by the time Connect returns.
//
// Parameters:
//   - ctx: Context for cancellation (bounds the dial and handshake only)
//
// Returns:
//   - error: ErrConnectionFailed, ErrWrongPassword, ErrProtocol,
//     ErrSessionClosed or ErrAlreadyConnected. Failures other than the
//     last two are also reported to the ErrorSink and leave the session
//     closed.
func (s *Session) Connect(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		if s.State() == StateClosed {
			return ErrSessionClosed
		}
		return ErrAlreadyConnected
	}

	if ctx == nil {
		ctx = context.Background()
	}
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", s.Address())
	if err != nil {
		return s.abortConnect(fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, s.Address(), err))
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	if s.isClosed() {
		return s.abortConnect(ErrSessionClosed)
	}
	s.logInfo("connected to module", "address", s.Address(), "session_id", s.id)

	// Cancelling ctx mid-handshake closes the transport so a blocked
	// exchange returns immediately.
	stop := context.AfterFunc(ctx, s.releaseTransport)

	err = s.handshake()
	if err == nil {
		// Telemetry is only exposed once it has been read from the module.
		err = s.refreshTelemetry()
	}
	if !stop() {
		err = fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	}
	if err != nil {
		return s.abortConnect(err)
	}

	s.lifeMu.Lock()
	if s.isClosed() {
		s.lifeMu.Unlock()
		return s.abortConnect(ErrSessionClosed)
	}
	if !s.state.CompareAndSwap(int32(StateReady), int32(StatePolling)) {
		s.lifeMu.Unlock()
		return s.abortConnect(ErrSessionClosed)
	}
	s.started = true
	s.connectedSince.Store(time.Now().UnixNano())

	s.wg.Add(1)
	go s.telemetryWorker()
	go s.pollLoop()
	s.lifeMu.Unlock()

	s.logInfo("session polling",
		"serial", s.SerialNumber(),
		"firmware", s.FirmwareRevision(),
		"poll_interval", s.cfg.PollInterval.String())
	return nil
}

// handshake runs the unlock sequence and the identity fetch.
//
// State moves forward only from the expected previous state, so a Close
// racing the handshake is never overwritten.
func (s *Session) handshake() error {
	if !s.advance(StateConnecting, StateAuthenticating) {
		return ErrSessionClosed
	}

	unlocked, err := s.unlocked()
	if err != nil {
		return fmt.Errorf("error getting unlock status: %w", err)
	}
	if !unlocked {
		resp, err := s.exchange(PasswordFrame(s.cfg.Password))
		if err != nil {
			return fmt.Errorf("error sending password: %w", err)
		}
		s.logDebug("password sent", "accepted", resp[0] == 1)

		unlocked, err = s.unlocked()
		if err != nil {
			return fmt.Errorf("error getting unlock status: %w", err)
		}
		if !unlocked {
			return ErrWrongPassword
		}
	}

	if !s.advance(StateAuthenticating, StateReady) {
		return ErrSessionClosed
	}

	resp, err := s.exchange(NewFrame(CmdGetModuleInfo))
	if err != nil {
		return fmt.Errorf("error getting module info: %w", err)
	}
	info, err := ParseModuleInfo(resp)
	if err != nil {
		return err
	}

	resp, err = s.exchange(NewFrame(CmdGetSerialNumber))
	if err != nil {
		return fmt.Errorf("error getting serial number: %w", err)
	}
	serial, err := FormatSerial(resp)
	if err != nil {
		return err
	}

	s.moduleID.Store(uint32(info.ID))
	s.hardware.Store(uint32(info.Hardware))
	s.firmware.Store(uint32(info.Firmware))
	s.serial.Store(&serial)
	s.identified.Store(true)
	return nil
}

// advance moves the state from one step to the next.
func (s *Session) advance(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func (s *Session) unlocked() (bool, error) {
	resp, err := s.exchange(NewFrame(CmdGetUnlock))
	if err != nil {
		return false, err
	}
	return resp[0] != 0, nil
}

// abortConnect tears down a session whose Connect failed. Failures caused
// by Close are returned without reaching the ErrorSink.
func (s *Session) abortConnect(err error) error {
	userClosed := s.isClosed()

	s.releaseTransport()
	s.queue.Close()
	s.state.Store(int32(StateClosed))
	s.done.Close()
	s.loopDone.Close()

	if userClosed {
		return ErrSessionClosed
	}
	s.errorsTotal.Add(1)
	s.logError("connect failed", err)
	s.reportError(err)
	return err
}

// pollLoop owns the transport once polling has started.
func (s *Session) pollLoop() {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-s.done.Done():
			s.logout()
			return
		case <-timer.C:
		}

		if err := s.pollOnce(); err != nil {
			if s.isClosed() {
				// Close forced the transport shut mid-pass.
				s.finishLoop()
				return
			}
			s.fail(err)
			return
		}
		timer.Reset(s.cfg.PollInterval)
	}
}

// pollOnce drains queued commands in order, then refreshes telemetry.
func (s *Session) pollOnce() error {
	for _, f := range s.queue.Drain() {
		resp, err := s.exchange(f)
		if err != nil {
			return fmt.Errorf("error sending %s: %w", f.Command(), err)
		}
		s.commandsTx.Add(1)
		s.logDebug("command sent", "frame", f.String(), "ack", resp[0])
	}

	return s.refreshTelemetry()
}

// refreshTelemetry reads the supply voltage and relay states.
func (s *Session) refreshTelemetry() error {
	resp, err := s.exchange(NewFrame(CmdGetPSU))
	if err != nil {
		return fmt.Errorf("error getting PSU: %w", err)
	}
	s.supply.Store(uint32(resp[0]))

	resp, err = s.exchange(NewFrame(CmdGetDigitalOutputs))
	if err != nil {
		return fmt.Errorf("error getting outputs: %w", err)
	}
	s.outputs.Store(uint32(resp[0]))
	s.polled.Store(true)

	s.pollsTotal.Add(1)
	s.publishTelemetry()
	return nil
}

// logout ends a clean shutdown: best-effort LOGOUT, then release.
func (s *Session) logout() {
	if _, err := s.exchange(NewFrame(CmdLogout)); err != nil {
		s.logDebug("logout failed", "error", err)
	}
	s.finishLoop()
}

// finishLoop releases everything the poll loop owns.
func (s *Session) finishLoop() {
	s.releaseTransport()
	if n := s.queue.Close(); n > 0 {
		s.logInfo("discarded pending commands", "count", n)
	}
	s.state.Store(int32(StateClosed))
	s.loopDone.Close()
}

// fail closes the session after a transport or protocol error and reports
// it. loopDone is closed before the sink runs so the sink may call Close.
func (s *Session) fail(err error) {
	s.errorsTotal.Add(1)
	s.logError("session failed", err)

	s.done.Close()
	s.finishLoop()
	s.reportError(err)
}

func (s *Session) reportError(err error) {
	s.errorOnce.Do(func() {
		s.errorMu.RLock()
		sink := s.onError
		s.errorMu.RUnlock()

		if sink == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				s.logError("error sink panic", fmt.Errorf("%v", r))
			}
		}()
		sink(err.Error())
	})
}

// exchange writes one frame and reads its fixed-length response.
func (s *Session) exchange(f Frame) ([]byte, error) {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	if conn == nil {
		return nil, ErrNotConnected
	}

	if err := conn.SetDeadline(time.Now().Add(s.cfg.IOTimeout)); err != nil {
		return nil, fmt.Errorf("%w: set deadline: %w", ErrProtocol, err)
	}
	if _, err := conn.Write(f.Bytes()); err != nil {
		return nil, fmt.Errorf("%w: write %s: %w", ErrProtocol, f.Command(), err)
	}

	resp := make([]byte, f.ResponseLen())
	if _, err := io.ReadFull(conn, resp); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %s: %w", ErrShortResponse, f.Command(), err)
		}
		return nil, fmt.Errorf("%w: read %s: %w", ErrProtocol, f.Command(), err)
	}

	s.lastActivity.Store(time.Now().UnixNano())
	return resp, nil
}

// releaseTransport closes the transport exactly once.
func (s *Session) releaseTransport() {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// publishTelemetry queues a snapshot for the observer, dropping on overflow.
func (s *Session) publishTelemetry() {
	s.telemetryMu.RLock()
	hasCallback := s.onTelemetry != nil
	s.telemetryMu.RUnlock()

	if !hasCallback {
		return
	}

	select {
	case s.telemetryQueue <- s.Snapshot():
	default:
		s.telemetryDropped.Add(1)
		s.logDebug("telemetry queue full, dropping snapshot")
	}
}

// telemetryWorker delivers snapshots to the observer.
func (s *Session) telemetryWorker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done.Done():
			return
		case t := <-s.telemetryQueue:
			s.telemetryMu.RLock()
			callback := s.onTelemetry
			s.telemetryMu.RUnlock()

			if callback != nil {
				func() {
					defer func() {
						if r := recover(); r != nil {
							s.logError("telemetry callback panic", fmt.Errorf("%v", r))
						}
					}()
					callback(t)
				}()
			}
		}
	}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done.Done():
		return true
	default:
		return false
	}
}

// Close ends the session.
//
// If the poll loop is running it is given CloseGracePeriod to finish its
// pass and send LOGOUT; after that the transport is forced shut. Close
// returns only once the poll loop has exited, never reports to the
// ErrorSink and is safe to call multiple times and from any goroutine
// except the telemetry callback.
//
// Returns:
//   - error: nil (closing is best-effort)
func (s *Session) Close() error {
	s.shutdown.Do(func() {
		s.done.Close()

		s.lifeMu.Lock()
		started := s.started
		s.lifeMu.Unlock()

		if started {
			grace := time.NewTimer(s.cfg.CloseGracePeriod)
			select {
			case <-s.loopDone.Done():
			case <-grace.C:
				s.logWarn("poll loop did not stop in time, forcing transport closed")
				s.releaseTransport()
				<-s.loopDone.Done()
			}
			grace.Stop()
		} else {
			// Unblocks a Connect still in its handshake.
			s.releaseTransport()
			s.queue.Close()
			s.state.Store(int32(StateClosed))
		}

		s.wg.Wait()
		s.logInfo("session closed", "session_id", s.id)
	})
	return nil
}

// SubmitCommand queues a relay command for the next poll pass.
//
// It never blocks on I/O and does not wait for the module to acknowledge.
//
// Parameters:
//   - channel: Relay channel, 1-based
//   - activate: true to energise the relay
//   - hold: How long the module holds the new state before reverting;
//     0 holds it until the next command
//
// Returns:
//   - error: ErrNotConnected outside ready/polling (nothing is queued),
//     ErrInvalidChannel or ErrInvalidHoldTime
func (s *Session) SubmitCommand(channel int, activate bool, hold time.Duration) error {
	if !s.State().acceptsCommands() {
		return ErrNotConnected
	}
	if channel < 1 || channel > s.cfg.Channels {
		return fmt.Errorf("%w: %d (module has %d)", ErrInvalidChannel, channel, s.cfg.Channels)
	}

	ticks, err := HoldTicks(hold)
	if err != nil {
		return err
	}
	frame, err := OutputFrame(channel, activate, ticks)
	if err != nil {
		return err
	}

	if err := s.queue.Push(frame); err != nil {
		return ErrNotConnected
	}
	return nil
}

// Toggle inverts a relay based on the last polled output state.
//
// Returns ErrNotConnected until the outputs have been read at least once.
func (s *Session) Toggle(channel int) error {
	if !s.HasTelemetry() {
		return ErrNotConnected
	}
	return s.SubmitCommand(channel, !s.RelayActive(channel), 0)
}

// Pulse energises a relay for the given duration.
func (s *Session) Pulse(channel int, hold time.Duration) error {
	if hold <= 0 {
		return fmt.Errorf("%w: pulse needs a positive duration", ErrInvalidHoldTime)
	}
	return s.SubmitCommand(channel, true, hold)
}

// SetOnError registers the ErrorSink, replacing any earlier one.
func (s *Session) SetOnError(sink ErrorSink) {
	s.errorMu.Lock()
	s.onError = sink
	s.errorMu.Unlock()
}

// SetOnTelemetry sets the callback invoked after every poll pass.
//
// Snapshots are delivered from a dedicated goroutine through a small
// buffer; if the callback falls behind, snapshots are dropped.
func (s *Session) SetOnTelemetry(callback func(Telemetry)) {
	s.telemetryMu.Lock()
	s.onTelemetry = callback
	s.telemetryMu.Unlock()
}

// SetLogger sets the logger for this session.
func (s *Session) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// HasTelemetry reports whether the identity has been read and the supply
// voltage and outputs polled at least once. Connect does both before it
// returns.
func (s *Session) HasTelemetry() bool {
	return s.identified.Load() && s.polled.Load()
}

// ModuleID returns the module type ID (0 before Connect succeeds).
func (s *Session) ModuleID() uint8 {
	return uint8(s.moduleID.Load()) //nolint:gosec // stored from a byte
}

// HardwareRevision returns the hardware revision.
func (s *Session) HardwareRevision() uint8 {
	return uint8(s.hardware.Load()) //nolint:gosec // stored from a byte
}

// FirmwareRevision returns the firmware revision.
func (s *Session) FirmwareRevision() uint8 {
	return uint8(s.firmware.Load()) //nolint:gosec // stored from a byte
}

// SerialNumber returns the module MAC address, e.g. "AA:BB:CC:DD:EE:FF".
func (s *Session) SerialNumber() string {
	if p := s.serial.Load(); p != nil {
		return *p
	}
	return ""
}

// SupplyVoltage returns the last polled supply voltage.
func (s *Session) SupplyVoltage() Voltage {
	return Voltage(s.supply.Load()) //nolint:gosec // stored from a byte
}

// Outputs returns the last polled relay bitmask.
func (s *Session) Outputs() Outputs {
	return Outputs(s.outputs.Load()) //nolint:gosec // stored from a byte
}

// RelayActive reports whether a relay was energised at the last poll.
func (s *Session) RelayActive(channel int) bool {
	return s.Outputs().Active(channel)
}

// Snapshot returns a copy of the cached telemetry.
// Fields are read individually; there is no cross-field atomicity.
func (s *Session) Snapshot() Telemetry {
	return Telemetry{
		SessionID:     s.id,
		Address:       s.Address(),
		ModuleID:      s.ModuleID(),
		Hardware:      s.HardwareRevision(),
		Firmware:      s.FirmwareRevision(),
		SerialNumber:  s.SerialNumber(),
		SupplyVoltage: s.SupplyVoltage(),
		Outputs:       s.Outputs(),
		Channels:      s.cfg.Channels,
		Timestamp:     time.Now(),
	}
}

// Stats returns current operational statistics.
func (s *Session) Stats() SessionStats {
	stats := SessionStats{
		CommandsTx:       s.commandsTx.Load(),
		PollsTotal:       s.pollsTotal.Load(),
		ErrorsTotal:      s.errorsTotal.Load(),
		TelemetryDropped: s.telemetryDropped.Load(),
		State:            s.State(),
	}
	if ns := s.lastActivity.Load(); ns != 0 {
		stats.LastActivity = time.Unix(0, ns)
	}
	if ns := s.connectedSince.Load(); ns != 0 {
		stats.ConnectedSince = time.Unix(0, ns)
	}
	return stats
}

// logDebug logs a debug message if logger is set.
func (s *Session) logDebug(msg string, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// logInfo logs an info message if logger is set.
func (s *Session) logInfo(msg string, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logWarn logs a warning if logger is set.
func (s *Session) logWarn(msg string, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (s *Session) logError(msg string, err error) {
	if logger := s.getLogger(); logger != nil {
		logger.Error(msg, "error", err, "session_id", s.id)
	}
}

func (s *Session) getLogger() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

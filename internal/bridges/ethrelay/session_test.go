package ethrelay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// MockModule is a minimal ETH relay module for testing.
//
// It accepts a single connection and answers each request according to
// its configuration, recording every frame it receives.
type MockModule struct {
	listener net.Listener
	password string

	mu       sync.Mutex
	unlock   []byte // successive GET_UNLOCK replies; the last one repeats
	passResp byte
	info     [3]byte
	serial   [6]byte
	psu      byte
	outputs  byte
	frames   [][]byte
	failOn   Command // close the connection when this command arrives
	hangOn   Command // stop answering when this command arrives
	conn     net.Conn

	quit     chan struct{}
	quitOnce sync.Once
}

func NewMockModule(t *testing.T, password string) *MockModule {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}

	m := &MockModule{
		listener: listener,
		password: password,
		unlock:   []byte{0, 7},
		passResp: 1,
		info:     [3]byte{2, 1, 9},
		serial:   [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF},
		psu:      125,
		quit:     make(chan struct{}),
	}

	go m.serve()
	t.Cleanup(m.Close)
	return m
}

// Config returns a session config pointing at the mock.
func (m *MockModule) Config() SessionConfig {
	host, portStr, _ := net.SplitHostPort(m.listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return SessionConfig{
		Address:          host,
		Port:             port,
		Password:         m.password,
		IOTimeout:        2 * time.Second,
		PollInterval:     5 * time.Millisecond,
		CloseGracePeriod: 500 * time.Millisecond,
	}
}

func (m *MockModule) Close() {
	m.quitOnce.Do(func() { close(m.quit) })
	m.listener.Close()
	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
	}
	m.mu.Unlock()
}

func (m *MockModule) set(fn func(m *MockModule)) {
	m.mu.Lock()
	fn(m)
	m.mu.Unlock()
}

func (m *MockModule) Frames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.frames))
	copy(out, m.frames)
	return out
}

// FramesFor returns the received frames carrying one of the given commands.
func (m *MockModule) FramesFor(cmds ...Command) [][]byte {
	var out [][]byte
	for _, f := range m.Frames() {
		for _, c := range cmds {
			if Command(f[0]) == c {
				out = append(out, f)
			}
		}
	}
	return out
}

// waitFor blocks until a frame with the given command code has been received
// and returns the first such frame.
func (m *MockModule) waitFor(t *testing.T, cmd Command, timeout time.Duration) []byte {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if frames := m.FramesFor(cmd); len(frames) > 0 {
			return frames[0]
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", cmd)
	return nil
}

// waitForCount blocks until at least n frames with the given command
// code have been received.
func (m *MockModule) waitForCount(t *testing.T, cmd Command, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(m.FramesFor(cmd)) >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d x %s", n, cmd)
}

func (m *MockModule) serve() {
	conn, err := m.listener.Accept()
	if err != nil {
		return
	}
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	defer conn.Close()

	code := make([]byte, 1)
	for {
		if _, err := io.ReadFull(conn, code); err != nil {
			return
		}
		cmd := Command(code[0])

		var params []byte
		switch cmd {
		case CmdDigitalActive, CmdDigitalInactive:
			params = make([]byte, 2)
		case CmdSetPassword:
			params = make([]byte, len(m.password))
		}
		if len(params) > 0 {
			if _, err := io.ReadFull(conn, params); err != nil {
				return
			}
		}

		frame := append([]byte{code[0]}, params...)
		resp, action := m.respond(cmd, params, frame)

		switch action {
		case "fail":
			return
		case "hang":
			<-m.quit
			return
		}
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func (m *MockModule) respond(cmd Command, params, frame []byte) ([]byte, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.frames = append(m.frames, frame)

	if m.failOn != 0 && cmd == m.failOn {
		return nil, "fail"
	}
	if m.hangOn != 0 && cmd == m.hangOn {
		return nil, "hang"
	}

	switch cmd {
	case CmdGetUnlock:
		v := m.unlock[0]
		if len(m.unlock) > 1 {
			m.unlock = m.unlock[1:]
		}
		return []byte{v}, ""
	case CmdSetPassword:
		return []byte{m.passResp}, ""
	case CmdGetModuleInfo:
		return m.info[:], ""
	case CmdGetSerialNumber:
		return m.serial[:], ""
	case CmdGetPSU:
		return []byte{m.psu}, ""
	case CmdGetDigitalOutputs:
		return []byte{m.outputs}, ""
	case CmdDigitalActive:
		m.outputs |= 1 << (params[0] - 1)
		return []byte{0}, ""
	case CmdDigitalInactive:
		m.outputs &^= 1 << (params[0] - 1)
		return []byte{0}, ""
	default:
		return []byte{0}, ""
	}
}

// errorRecorder collects ErrorSink invocations.
type errorRecorder struct {
	mu       sync.Mutex
	messages []string
	called   chan struct{}
}

func newErrorRecorder() *errorRecorder {
	return &errorRecorder{called: make(chan struct{}, 8)}
}

func (r *errorRecorder) sink(msg string) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	r.called <- struct{}{}
}

func (r *errorRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *errorRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.called:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for error sink")
	}
}

func TestSessionHandshakeWithPassword(t *testing.T) {
	mock := NewMockModule(t, "secret")

	s := NewSession(mock.Config())
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if got := s.SerialNumber(); got != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("SerialNumber() = %q, want %q", got, "AA:BB:CC:DD:EE:FF")
	}
	if got := s.FirmwareRevision(); got != 9 {
		t.Errorf("FirmwareRevision() = %d, want 9", got)
	}
	if got := s.ModuleID(); got != 2 {
		t.Errorf("ModuleID() = %d, want 2", got)
	}
	if got := s.HardwareRevision(); got != 1 {
		t.Errorf("HardwareRevision() = %d, want 1", got)
	}
	if !s.HasTelemetry() {
		t.Error("HasTelemetry() = false, want true")
	}
	if got := s.State(); got != StatePolling {
		t.Errorf("State() = %v, want polling", got)
	}

	frames := mock.Frames()
	wantPrefix := [][]byte{
		{0x7A},
		{0x79, 's', 'e', 'c', 'r', 'e', 't'},
		{0x7A},
		{0x10},
		{0x77},
	}
	if len(frames) < len(wantPrefix) {
		t.Fatalf("received %d frames, want at least %d", len(frames), len(wantPrefix))
	}
	for i, want := range wantPrefix {
		if !bytes.Equal(frames[i], want) {
			t.Errorf("frame[%d] = % X, want % X", i, frames[i], want)
		}
	}
}

func TestSessionHandshakeAlreadyUnlocked(t *testing.T) {
	mock := NewMockModule(t, "")
	mock.set(func(m *MockModule) { m.unlock = []byte{30} })

	s := NewSession(mock.Config())
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	for _, f := range mock.Frames() {
		if Command(f[0]) == CmdSetPassword {
			t.Error("SET_PASSWORD sent to an unlocked module")
		}
	}
}

func TestSessionWrongPassword(t *testing.T) {
	mock := NewMockModule(t, "wrong")
	mock.set(func(m *MockModule) {
		m.unlock = []byte{0}
		m.passResp = 0
	})

	rec := newErrorRecorder()
	s := NewSession(mock.Config())
	s.SetOnError(rec.sink)

	err := s.Connect(context.Background())
	if !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("Connect() error = %v, want ErrWrongPassword", err)
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %v, want closed", s.State())
	}
	if rec.count() != 1 {
		t.Errorf("error sink called %d times, want 1", rec.count())
	}
	if s.HasTelemetry() {
		t.Error("HasTelemetry() = true after failed handshake")
	}
	if err := s.SubmitCommand(1, true, 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SubmitCommand() after failure = %v, want ErrNotConnected", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if rec.count() != 1 {
		t.Errorf("error sink called %d times after Close, want 1", rec.count())
	}
}

func TestSessionConnectFails(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().(*net.TCPAddr)
	listener.Close()

	rec := newErrorRecorder()
	s := NewSession(SessionConfig{
		Address:        "127.0.0.1",
		Port:           addr.Port,
		ConnectTimeout: time.Second,
	})
	s.SetOnError(rec.sink)

	err = s.Connect(context.Background())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
	if rec.count() != 1 {
		t.Errorf("error sink called %d times, want 1", rec.count())
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %v, want closed", s.State())
	}
	if err := s.Connect(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("second Connect() = %v, want ErrSessionClosed", err)
	}
}

func TestSessionConnectTwice(t *testing.T) {
	mock := NewMockModule(t, "secret")

	s := NewSession(mock.Config())
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if err := s.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect() = %v, want ErrAlreadyConnected", err)
	}
}

func TestSessionSubmitBeforeConnect(t *testing.T) {
	s := NewSession(SessionConfig{Address: "127.0.0.1"})

	if err := s.SubmitCommand(1, true, 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SubmitCommand() = %v, want ErrNotConnected", err)
	}
	if s.queue.Len() != 0 {
		t.Errorf("queue length = %d, want 0", s.queue.Len())
	}
	if s.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}
}

func TestSessionTelemetryZeroBeforeConnect(t *testing.T) {
	s := NewSession(SessionConfig{Address: "127.0.0.1"})

	if s.SerialNumber() != "" || s.ModuleID() != 0 || s.SupplyVoltage() != 0 || s.Outputs() != 0 {
		t.Errorf("telemetry not zero before Connect: %+v", s.Snapshot())
	}
	if s.HasTelemetry() {
		t.Error("HasTelemetry() = true before Connect")
	}
}

func TestSessionCommandDrain(t *testing.T) {
	mock := NewMockModule(t, "secret")

	s := NewSession(mock.Config())
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if err := s.SubmitCommand(1, true, 0); err != nil {
		t.Fatalf("SubmitCommand() error: %v", err)
	}

	got := mock.waitFor(t, CmdDigitalActive, 2*time.Second)
	want := []byte{0x20, 0x01, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("transmitted % X, want % X", got, want)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !s.RelayActive(1) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !s.RelayActive(1) {
		t.Error("RelayActive(1) = false after poll, want true")
	}
	if s.Stats().CommandsTx != 1 {
		t.Errorf("CommandsTx = %d, want 1", s.Stats().CommandsTx)
	}
}

func TestSessionCommandOrder(t *testing.T) {
	mock := NewMockModule(t, "secret")

	s := NewSession(mock.Config())
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	_ = s.SubmitCommand(1, true, 0)
	_ = s.SubmitCommand(2, true, 500*time.Millisecond)
	_ = s.SubmitCommand(1, false, 0)

	want := [][]byte{
		{0x20, 0x01, 0x00},
		{0x20, 0x02, 0x05},
		{0x21, 0x01, 0x00},
	}
	var got [][]byte
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < len(want) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		got = mock.FramesFor(CmdDigitalActive, CmdDigitalInactive)
	}
	if len(got) != len(want) {
		t.Fatalf("received %d commands, want %d", len(got), len(want))
	}

	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("command[%d] = % X, want % X", i, got[i], want[i])
		}
	}
}

func TestSessionSubmitValidation(t *testing.T) {
	mock := NewMockModule(t, "secret")

	s := NewSession(mock.Config())
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	tests := []struct {
		name    string
		channel int
		hold    time.Duration
		wantErr error
	}{
		{name: "channel zero", channel: 0, wantErr: ErrInvalidChannel},
		{name: "channel past relay count", channel: 3, wantErr: ErrInvalidChannel},
		{name: "negative hold", channel: 1, hold: -time.Second, wantErr: ErrInvalidHoldTime},
		{name: "hold too long", channel: 1, hold: time.Minute, wantErr: ErrInvalidHoldTime},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.SubmitCommand(tt.channel, true, tt.hold); !errors.Is(err, tt.wantErr) {
				t.Errorf("SubmitCommand() = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := s.Pulse(1, 0); !errors.Is(err, ErrInvalidHoldTime) {
		t.Errorf("Pulse(1, 0) = %v, want ErrInvalidHoldTime", err)
	}
}

func TestSessionToggle(t *testing.T) {
	mock := NewMockModule(t, "secret")
	mock.set(func(m *MockModule) { m.outputs = 0b10 })

	s := NewSession(mock.Config())
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Outputs() != 0b10 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.Toggle(2); err != nil {
		t.Fatalf("Toggle(2) error: %v", err)
	}
	got := mock.waitFor(t, CmdDigitalInactive, 2*time.Second)
	if !bytes.Equal(got, []byte{0x21, 0x02, 0x00}) {
		t.Errorf("Toggle(2) transmitted % X, want 21 02 00", got)
	}
}

func TestSessionTelemetryReadBeforeConnectReturns(t *testing.T) {
	mock := NewMockModule(t, "secret")
	mock.set(func(m *MockModule) {
		m.outputs = 0b01
		m.psu = 121
	})

	s := NewSession(mock.Config())
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if !s.HasTelemetry() {
		t.Fatal("HasTelemetry() = false after Connect")
	}
	if s.Outputs() != 0b01 {
		t.Errorf("Outputs() = %08b right after Connect, want 00000001", s.Outputs())
	}
	if s.SupplyVoltage() != 121 {
		t.Errorf("SupplyVoltage() = %s right after Connect, want 12.1", s.SupplyVoltage())
	}

	frames := mock.Frames()
	wantTail := []Command{CmdGetSerialNumber, CmdGetPSU, CmdGetDigitalOutputs}
	if len(frames) < 7 {
		t.Fatalf("received %d frames, want handshake plus first poll", len(frames))
	}
	for i, want := range wantTail {
		if got := Command(frames[4+i][0]); got != want {
			t.Errorf("frame[%d] = %s, want %s", 4+i, got, want)
		}
	}
}

func TestSessionToggleImmediatelyAfterConnect(t *testing.T) {
	for range 20 {
		mock := NewMockModule(t, "secret")
		mock.set(func(m *MockModule) { m.outputs = 0b01 })

		s := NewSession(mock.Config())
		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error: %v", err)
		}

		if err := s.Toggle(1); err != nil {
			t.Fatalf("Toggle(1) error: %v", err)
		}
		got := mock.waitFor(t, CmdDigitalInactive, 2*time.Second)
		if !bytes.Equal(got, []byte{0x21, 0x01, 0x00}) {
			t.Errorf("Toggle(1) transmitted % X, want 21 01 00", got)
		}
		if active := mock.FramesFor(CmdDigitalActive); len(active) != 0 {
			t.Errorf("Toggle(1) on an energised relay sent % X", active[0])
		}
		s.Close()
	}
}

func TestSessionToggleBeforeConnect(t *testing.T) {
	s := NewSession(SessionConfig{Address: "127.0.0.1"})
	if err := s.Toggle(1); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Toggle() before Connect = %v, want ErrNotConnected", err)
	}
}

func TestSessionCloseDuringHandshakeStaysClosed(t *testing.T) {
	mock := NewMockModule(t, "secret")
	mock.set(func(m *MockModule) { m.hangOn = CmdGetModuleInfo })

	rec := newErrorRecorder()
	s := NewSession(mock.Config())
	s.SetOnError(rec.sink)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Connect(context.Background()) }()

	mock.waitFor(t, CmdGetModuleInfo, 2*time.Second)
	s.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrSessionClosed) {
			t.Errorf("Connect() = %v, want ErrSessionClosed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Connect() did not return after Close")
	}

	for range 10 {
		if got := s.State(); got != StateClosed {
			t.Fatalf("State() = %v after Close, want closed", got)
		}
		time.Sleep(2 * time.Millisecond)
	}
	if rec.count() != 0 {
		t.Errorf("error sink called %d times, want 0", rec.count())
	}
}

func TestSessionAdvance(t *testing.T) {
	s := NewSession(SessionConfig{Address: "127.0.0.1"})
	s.state.Store(int32(StateClosed))

	if s.advance(StateConnecting, StateAuthenticating) {
		t.Error("advance() from the wrong state succeeded")
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %v, want closed", s.State())
	}

	s.state.Store(int32(StateConnecting))
	if !s.advance(StateConnecting, StateAuthenticating) || s.State() != StateAuthenticating {
		t.Errorf("advance() = %v, want authenticating", s.State())
	}
}

func TestSessionPollsTelemetry(t *testing.T) {
	mock := NewMockModule(t, "secret")

	s := NewSession(mock.Config())
	defer s.Close()

	snapshots := make(chan Telemetry, 16)
	s.SetOnTelemetry(func(tm Telemetry) {
		select {
		case snapshots <- tm:
		default:
		}
	})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	select {
	case tm := <-snapshots:
		if tm.SupplyVoltage.String() != "12.5" {
			t.Errorf("SupplyVoltage = %s, want 12.5", tm.SupplyVoltage)
		}
		if tm.SerialNumber != "AA:BB:CC:DD:EE:FF" {
			t.Errorf("SerialNumber = %q", tm.SerialNumber)
		}
		if tm.Channels != 2 {
			t.Errorf("Channels = %d, want 2", tm.Channels)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no telemetry delivered")
	}

	mock.set(func(m *MockModule) { m.psu = 118 })
	deadline := time.Now().Add(2 * time.Second)
	for s.SupplyVoltage() != 118 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.SupplyVoltage() != 118 {
		t.Errorf("SupplyVoltage() = %s, want 11.8", s.SupplyVoltage())
	}
	if s.Stats().PollsTotal == 0 {
		t.Error("PollsTotal = 0, want > 0")
	}
}

func TestSessionIOFailure(t *testing.T) {
	mock := NewMockModule(t, "secret")

	rec := newErrorRecorder()
	s := NewSession(mock.Config())
	s.SetOnError(rec.sink)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	mock.set(func(m *MockModule) { m.failOn = CmdGetPSU })
	rec.wait(t)

	if s.State() != StateClosed {
		t.Errorf("State() = %v, want closed", s.State())
	}
	if err := s.SubmitCommand(1, true, 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SubmitCommand() after failure = %v, want ErrNotConnected", err)
	}

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn != nil {
		t.Error("transport not released after failure")
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if rec.count() != 1 {
		t.Errorf("error sink called %d times, want 1", rec.count())
	}
	if s.Stats().ErrorsTotal != 1 {
		t.Errorf("ErrorsTotal = %d, want 1", s.Stats().ErrorsTotal)
	}

	n := len(mock.Frames())
	time.Sleep(50 * time.Millisecond)
	if len(mock.Frames()) != n {
		t.Error("frames sent after the session closed")
	}
}

func TestSessionErrorSinkMayCloseSession(t *testing.T) {
	mock := NewMockModule(t, "secret")

	s := NewSession(mock.Config())
	closed := make(chan struct{})
	s.SetOnError(func(string) {
		s.Close()
		close(closed)
	})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	mock.set(func(m *MockModule) { m.failOn = CmdGetDigitalOutputs })

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close() from the error sink deadlocked")
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	mock := NewMockModule(t, "secret")

	rec := newErrorRecorder()
	s := NewSession(mock.Config())
	s.SetOnError(rec.sink)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Close(); err != nil {
				t.Errorf("Close() error: %v", err)
			}
		}()
	}
	wg.Wait()

	if s.State() != StateClosed {
		t.Errorf("State() = %v, want closed", s.State())
	}
	if rec.count() != 0 {
		t.Errorf("error sink called %d times on Close, want 0", rec.count())
	}

	mock.waitFor(t, CmdLogout, 2*time.Second)

	if err := s.Close(); err != nil {
		t.Errorf("third Close() error: %v", err)
	}
	if err := s.SubmitCommand(1, true, 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SubmitCommand() after Close = %v, want ErrNotConnected", err)
	}
}

func TestSessionCloseWhileBlocked(t *testing.T) {
	mock := NewMockModule(t, "secret")

	rec := newErrorRecorder()
	cfg := mock.Config()
	cfg.IOTimeout = 10 * time.Second
	cfg.CloseGracePeriod = 50 * time.Millisecond
	s := NewSession(cfg)
	s.SetOnError(rec.sink)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	mock.set(func(m *MockModule) { m.hangOn = CmdGetPSU })
	mock.waitForCount(t, CmdGetPSU, len(mock.FramesFor(CmdGetPSU))+1, 2*time.Second)

	start := time.Now()
	s.Close()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Close() took %v while the loop was blocked", elapsed)
	}

	select {
	case <-s.loopDone.Done():
	default:
		t.Error("Close() returned before the poll loop exited")
	}
	if rec.count() != 0 {
		t.Errorf("error sink called %d times, want 0", rec.count())
	}
}

func TestSessionCloseBeforeConnect(t *testing.T) {
	s := NewSession(SessionConfig{Address: "127.0.0.1"})
	s.Close()

	if s.State() != StateClosed {
		t.Errorf("State() = %v, want closed", s.State())
	}
	if err := s.Connect(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Connect() after Close = %v, want ErrSessionClosed", err)
	}
}

func TestSessionConnectCancelled(t *testing.T) {
	mock := NewMockModule(t, "secret")
	mock.set(func(m *MockModule) { m.hangOn = CmdGetUnlock })

	var sinkCalls atomic.Int32
	s := NewSession(mock.Config())
	s.SetOnError(func(string) { sinkCalls.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Connect(ctx)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() = %v, want ErrConnectionFailed", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Connect() = %v, want context.DeadlineExceeded in chain", err)
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %v, want closed", s.State())
	}
	if sinkCalls.Load() != 1 {
		t.Errorf("error sink called %d times, want 1", sinkCalls.Load())
	}
}

func TestSessionConfigDefaults(t *testing.T) {
	s := NewSession(SessionConfig{Address: "10.0.0.5"})

	if s.cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", s.cfg.Port, DefaultPort)
	}
	if s.Channels() != 2 {
		t.Errorf("Channels() = %d, want 2", s.Channels())
	}
	if s.cfg.PollInterval != 100*time.Millisecond {
		t.Errorf("PollInterval = %v, want 100ms", s.cfg.PollInterval)
	}
	if s.Address() != "10.0.0.5:17494" {
		t.Errorf("Address() = %q, want %q", s.Address(), "10.0.0.5:17494")
	}
	if s.ID() == "" {
		t.Error("ID() is empty")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateAuthenticating, "authenticating"},
		{StateReady, "ready"},
		{StatePolling, "polling"},
		{StateClosed, "closed"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

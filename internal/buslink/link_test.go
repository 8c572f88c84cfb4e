package buslink

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"can-gateway/internal/models"
	"can-gateway/internal/transport"
)

// recvResult is one scripted answer from fakeTransport.Recv.
type recvResult struct {
	frame models.Frame
	ok    bool
	err   error
}

// fakeTransport plays back a scripted sequence of receive results. Once the
// script is exhausted Recv reports quiet timeouts.
type fakeTransport struct {
	mu     sync.Mutex
	script []recvResult
	sent   []models.Frame
	alive  bool
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{alive: true}
}

func (ft *fakeTransport) push(rs ...recvResult) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.script = append(ft.script, rs...)
}

func (ft *fakeTransport) Recv(timeout time.Duration) (models.Frame, bool, error) {
	ft.mu.Lock()
	if ft.closed {
		ft.mu.Unlock()
		return models.Frame{}, false, transport.ErrClosed
	}
	if len(ft.script) > 0 {
		r := ft.script[0]
		ft.script = ft.script[1:]
		ft.mu.Unlock()
		return r.frame, r.ok, r.err
	}
	ft.mu.Unlock()
	time.Sleep(time.Millisecond)
	return models.Frame{}, false, nil
}

func (ft *fakeTransport) Send(f models.Frame) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.closed {
		return transport.ErrClosed
	}
	ft.sent = append(ft.sent, f)
	return nil
}

func (ft *fakeTransport) Alive() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.alive
}

func (ft *fakeTransport) Close() error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.closed = true
	return nil
}

func (ft *fakeTransport) isClosed() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.closed
}

func (ft *fakeTransport) sentCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.sent)
}

// recordingHandler collects link events for assertions.
type recordingHandler struct {
	mu          sync.Mutex
	frames      []models.Message
	disconnects []error
}

func (h *recordingHandler) OnFrame(msg models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, msg)
}

func (h *recordingHandler) OnDisconnect(bus string, reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, reason)
}

func (h *recordingHandler) frameCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func (h *recordingHandler) disconnectCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.disconnects)
}

func (h *recordingHandler) lastDisconnect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.disconnects) == 0 {
		return nil
	}
	return h.disconnects[len(h.disconnects)-1]
}

func testBusConfig(kind models.InterfaceKind) models.BusLinkConfig {
	return models.BusLinkConfig{Name: "CAN1", Channel: "can0", Bitrate: 500000, Kind: kind}
}

func fixedFactory(ft *fakeTransport) Factory {
	return func(models.BusLinkConfig, bool) (transport.Transport, error) {
		return ft, nil
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	ft := newFakeTransport()
	opened := 0
	factory := func(models.BusLinkConfig, bool) (transport.Transport, error) {
		opened++
		return ft, nil
	}
	h := &recordingHandler{}
	l := New(testBusConfig(models.KindSocketCAN), h, zap.NewNop(), WithFactory(factory))
	defer l.Disconnect()

	require.True(t, l.Connect(false))
	require.True(t, l.Connect(false))
	assert.Equal(t, 1, opened, "second connect must not reopen the transport")
	assert.True(t, l.Connected())
	assert.False(t, l.Simulated())
}

func TestConnectFallsBackToSimulated(t *testing.T) {
	ft := newFakeTransport()
	factory := func(_ models.BusLinkConfig, simulate bool) (transport.Transport, error) {
		if !simulate {
			return nil, errors.New("no such device")
		}
		return ft, nil
	}
	h := &recordingHandler{}
	l := New(testBusConfig(models.KindSocketCAN), h, zap.NewNop(), WithFactory(factory))
	defer l.Disconnect()

	require.True(t, l.Connect(false))
	assert.True(t, l.Connected())
	assert.True(t, l.Simulated())
}

func TestConnectFailsWhenBothOpensFail(t *testing.T) {
	factory := func(models.BusLinkConfig, bool) (transport.Transport, error) {
		return nil, errors.New("no such device")
	}
	h := &recordingHandler{}
	l := New(testBusConfig(models.KindSocketCAN), h, zap.NewNop(), WithFactory(factory))

	assert.False(t, l.Connect(false))
	assert.False(t, l.Connected())
}

func TestDisconnectSafeWhenNotConnected(t *testing.T) {
	h := &recordingHandler{}
	l := New(testBusConfig(models.KindSocketCAN), h, zap.NewNop(), WithFactory(fixedFactory(newFakeTransport())))

	l.Disconnect()
	require.True(t, l.Connect(false))
	l.Disconnect()
	l.Disconnect()
	assert.False(t, l.Connected())
	assert.Zero(t, h.disconnectCount(), "caller disconnects never notify the handler")
}

func TestSendRules(t *testing.T) {
	ft := newFakeTransport()
	h := &recordingHandler{}
	l := New(testBusConfig(models.KindSocketCAN), h, zap.NewNop(), WithFactory(fixedFactory(ft)))

	msg := models.Message{Frame: models.NewFrame(0x123, []byte{1, 2})}
	assert.False(t, l.Send(msg), "send on disconnected link must fail")

	require.True(t, l.Connect(false))
	defer l.Disconnect()

	assert.True(t, l.Send(msg))
	assert.Equal(t, 1, ft.sentCount())

	bad := models.Message{Frame: models.Frame{ID: 0x800}}
	assert.False(t, l.Send(bad), "invalid frame must be rejected before the wire")
	assert.Equal(t, 1, ft.sentCount())
}

func TestSendRejectedOnListenOnlyLink(t *testing.T) {
	ft := newFakeTransport()
	cfg := testBusConfig(models.KindSocketCAN)
	cfg.ListenOnly = true
	h := &recordingHandler{}
	l := New(cfg, h, zap.NewNop(), WithFactory(fixedFactory(ft)))
	require.True(t, l.Connect(false))
	defer l.Disconnect()

	assert.False(t, l.Send(models.Message{Frame: models.NewFrame(0x123, nil)}))
	assert.Zero(t, ft.sentCount())
}

func TestReceivedFramesReachHandler(t *testing.T) {
	ft := newFakeTransport()
	ft.push(
		recvResult{frame: models.NewFrame(0x100, []byte{0xAA}), ok: true},
		recvResult{frame: models.NewFrame(0x101, []byte{0xBB}), ok: true},
	)
	h := &recordingHandler{}
	l := New(testBusConfig(models.KindSocketCAN), h, zap.NewNop(), WithFactory(fixedFactory(ft)))
	require.True(t, l.Connect(false))
	defer l.Disconnect()

	require.Eventually(t, func() bool { return h.frameCount() == 2 },
		time.Second, 5*time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, "CAN1", h.frames[0].Bus)
	assert.Equal(t, uint32(0x100), h.frames[0].Frame.ID)
	assert.False(t, h.frames[0].Timestamp.IsZero())
}

func TestConsecutiveErrorsStopLink(t *testing.T) {
	ft := newFakeTransport()
	script := make([]recvResult, errorThreshold)
	for i := range script {
		script[i] = recvResult{err: &transport.DeviceGoneError{Err: errors.New("read: EIO")}}
	}
	ft.push(script...)

	h := &recordingHandler{}
	l := New(testBusConfig(models.KindSocketCAN), h, zap.NewNop(), WithFactory(fixedFactory(ft)))
	require.True(t, l.Connect(false))

	require.Eventually(t, func() bool { return !l.Connected() },
		2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.disconnectCount() == 1 },
		time.Second, 5*time.Millisecond)
	assert.True(t, ft.isClosed())

	// Notification fires exactly once and a later caller disconnect is a no-op.
	l.Disconnect()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.disconnectCount())
}

func TestNoiseNeverCountsTowardThreshold(t *testing.T) {
	ft := newFakeTransport()
	script := make([]recvResult, 0, errorThreshold+11)
	for i := 0; i < errorThreshold+10; i++ {
		script = append(script, recvResult{err: &transport.NoiseError{Err: errors.New("bad line")}})
	}
	script = append(script, recvResult{frame: models.NewFrame(0x100, nil), ok: true})
	ft.push(script...)

	h := &recordingHandler{}
	l := New(testBusConfig(models.KindSLCAN), h, zap.NewNop(), WithFactory(fixedFactory(ft)))
	require.True(t, l.Connect(false))
	defer l.Disconnect()

	require.Eventually(t, func() bool { return h.frameCount() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.True(t, l.Connected())
	assert.Zero(t, h.disconnectCount())
}

func TestGoodFrameResetsErrorCounter(t *testing.T) {
	ft := newFakeTransport()
	var script []recvResult
	for round := 0; round < 2; round++ {
		for i := 0; i < errorThreshold-1; i++ {
			script = append(script, recvResult{err: errors.New("transient read error")})
		}
		script = append(script, recvResult{frame: models.NewFrame(0x100, nil), ok: true})
	}
	ft.push(script...)

	h := &recordingHandler{}
	l := New(testBusConfig(models.KindSocketCAN), h, zap.NewNop(), WithFactory(fixedFactory(ft)))
	require.True(t, l.Connect(false))
	defer l.Disconnect()

	require.Eventually(t, func() bool { return h.frameCount() == 2 },
		2*time.Second, 5*time.Millisecond)
	assert.True(t, l.Connected())
	assert.Zero(t, h.disconnectCount())
}

func TestWatchdogStopsSilentSerialLink(t *testing.T) {
	mock := clock.NewMock()
	ft := newFakeTransport()
	ft.mu.Lock()
	ft.alive = false
	ft.mu.Unlock()

	h := &recordingHandler{}
	l := New(testBusConfig(models.KindSLCAN), h, zap.NewNop(),
		WithFactory(fixedFactory(ft)), WithClock(mock))
	require.True(t, l.Connect(false))

	// Walk the clock past the silence window in watchdog ticks.
	for i := 0; i < 6; i++ {
		time.Sleep(10 * time.Millisecond)
		mock.Add(watchdogTick)
	}

	require.Eventually(t, func() bool { return !l.Connected() },
		2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.disconnectCount() == 1 },
		time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.lastDisconnect(), errDeviceSilent)
}

func TestWatchdogToleratesPresentDevice(t *testing.T) {
	mock := clock.NewMock()
	ft := newFakeTransport()

	h := &recordingHandler{}
	l := New(testBusConfig(models.KindSLCAN), h, zap.NewNop(),
		WithFactory(fixedFactory(ft)), WithClock(mock))
	require.True(t, l.Connect(false))
	defer l.Disconnect()

	for i := 0; i < 10; i++ {
		time.Sleep(5 * time.Millisecond)
		mock.Add(watchdogTick)
	}
	time.Sleep(20 * time.Millisecond)

	assert.True(t, l.Connected(), "a silent but present device stays connected")
	assert.Zero(t, h.disconnectCount())
}

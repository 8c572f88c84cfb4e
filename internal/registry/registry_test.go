package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"can-gateway/internal/buslink"
	"can-gateway/internal/models"
	"can-gateway/internal/transport"
)

// quietTransport is a silent endpoint that records transmitted frames.
type quietTransport struct {
	mu   sync.Mutex
	sent []models.Frame
}

func (q *quietTransport) Recv(timeout time.Duration) (models.Frame, bool, error) {
	time.Sleep(time.Millisecond)
	return models.Frame{}, false, nil
}

func (q *quietTransport) Send(f models.Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sent = append(q.sent, f)
	return nil
}

func (q *quietTransport) Alive() bool { return true }
func (q *quietTransport) Close() error {
	return nil
}

func (q *quietTransport) sentFrames() []models.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.Frame(nil), q.sent...)
}

// testHarness wires a registry whose links run on quiet fake transports,
// keyed by bus name.
type testHarness struct {
	reg        *Registry
	transports map[string]*quietTransport
}

func newTestHarness(t *testing.T, buses ...string) *testHarness {
	t.Helper()
	h := &testHarness{transports: make(map[string]*quietTransport)}
	factory := func(cfg models.BusLinkConfig, simulate bool) (transport.Transport, error) {
		tr, ok := h.transports[cfg.Name]
		if !ok {
			return nil, errors.New("no transport scripted for " + cfg.Name)
		}
		return tr, nil
	}
	h.reg = New(zap.NewNop(), WithLinkOptions(buslink.WithFactory(factory)))
	for _, name := range buses {
		h.transports[name] = &quietTransport{}
		require.NoError(t, h.reg.AddBus(models.BusLinkConfig{
			Name: name, Channel: "can0", Bitrate: 500000, Kind: models.KindSocketCAN,
		}))
	}
	return h
}

// sink records handler callbacks.
type sink struct {
	mu          sync.Mutex
	frames      []models.Message
	disconnects []string
}

func (s *sink) OnFrame(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, msg)
}

func (s *sink) OnDisconnect(bus string, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects = append(s.disconnects, bus)
}

func (s *sink) lastFrame() (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return models.Message{}, false
	}
	return s.frames[len(s.frames)-1], true
}

func TestAddBusRejectsDuplicatesAndInvalidConfig(t *testing.T) {
	h := newTestHarness(t, "CAN1")

	err := h.reg.AddBus(models.BusLinkConfig{
		Name: "CAN1", Channel: "can1", Bitrate: 500000, Kind: models.KindSocketCAN,
	})
	assert.Error(t, err, "duplicate name must be rejected")

	err = h.reg.AddBus(models.BusLinkConfig{Name: "", Bitrate: 500000, Kind: models.KindSim})
	assert.Error(t, err)

	assert.Equal(t, []string{"CAN1"}, h.reg.BusNames())
}

func TestRemoveBus(t *testing.T) {
	h := newTestHarness(t, "CAN1", "CAN2")
	require.NoError(t, h.reg.RemoveBus("CAN1"))
	assert.Error(t, h.reg.RemoveBus("CAN1"))
	assert.Equal(t, []string{"CAN2"}, h.reg.BusNames())
	assert.False(t, h.reg.HasBus("CAN1"))
}

func TestConnectAllReportsPerBusOutcome(t *testing.T) {
	h := newTestHarness(t, "CAN1", "CAN2")
	defer h.reg.Close()

	out := h.reg.ConnectAll(false)
	assert.Equal(t, map[string]bool{"CAN1": true, "CAN2": true}, out)
	assert.ElementsMatch(t, []string{"CAN1", "CAN2"}, h.reg.ConnectedBuses())

	status := h.reg.ConnectionStatus()
	assert.True(t, status["CAN1"])

	assert.True(t, h.reg.DisconnectBus("CAN1"))
	assert.False(t, h.reg.DisconnectBus("NOPE"))
	assert.Equal(t, []string{"CAN2"}, h.reg.ConnectedBuses())
}

func TestSendToAllSkipsDisconnectedBuses(t *testing.T) {
	h := newTestHarness(t, "CAN1", "CAN2")
	defer h.reg.Close()

	h.reg.ConnectAll(false)
	h.reg.DisconnectBus("CAN2")

	out := h.reg.SendToAll(models.Message{Frame: models.NewFrame(0x123, []byte{1})})
	assert.Equal(t, map[string]bool{"CAN1": true}, out)
	assert.Len(t, h.transports["CAN1"].sentFrames(), 1)
	assert.Empty(t, h.transports["CAN2"].sentFrames())
}

func TestFanInForwardsAndDisplaysOriginal(t *testing.T) {
	h := newTestHarness(t, "CAN1", "CAN2")
	defer h.reg.Close()
	h.reg.ConnectAll(false)

	display := &sink{}
	h.reg.SetHandler(display)
	h.reg.SetGatewayConfig(&models.GatewayConfig{
		Enabled:        true,
		LoopPrevention: true,
		Routes:         []models.Route{{Source: "CAN1", Destination: "CAN2", Enabled: true}},
	})

	in := models.Message{
		Frame:     models.NewFrame(0x100, []byte{0xAA}),
		Timestamp: time.Now(),
		Bus:       "CAN1",
	}
	h.reg.OnFrame(in)

	// The copy went out on CAN2.
	sent := h.transports["CAN2"].sentFrames()
	require.Len(t, sent, 1)
	assert.Equal(t, in.Frame, sent[0])
	assert.Empty(t, h.transports["CAN1"].sentFrames())

	// The display handler saw the original frame with its disposition.
	got, ok := display.lastFrame()
	require.True(t, ok)
	assert.Equal(t, in.Frame, got.Frame)
	assert.Equal(t, models.ActionForwarded, got.Action)
	assert.False(t, got.GatewayProcessed, "the displayed original is never stamped")

	stats := h.reg.GatewayStats()
	assert.Equal(t, uint64(1), stats.Forwarded)
	assert.Equal(t, uint64(1), stats.PerRoute["CAN1->CAN2"])

	h.reg.ResetGatewayStats()
	assert.Zero(t, h.reg.GatewayStats().Forwarded)
}

func TestFanInWithGatewayDisabled(t *testing.T) {
	h := newTestHarness(t, "CAN1", "CAN2")
	defer h.reg.Close()
	h.reg.ConnectAll(false)

	display := &sink{}
	h.reg.SetHandler(display)
	h.reg.SetGatewayConfig(&models.GatewayConfig{
		Routes: []models.Route{{Source: "CAN1", Destination: "CAN2", Enabled: true}},
	})

	h.reg.OnFrame(models.Message{Frame: models.NewFrame(0x100, nil), Bus: "CAN1"})

	assert.Empty(t, h.transports["CAN2"].sentFrames())
	got, ok := display.lastFrame()
	require.True(t, ok)
	assert.Equal(t, models.ActionNone, got.Action, "disabled gateway still displays frames")
}

func TestSetGatewayConfigMigratesLegacyFlags(t *testing.T) {
	h := newTestHarness(t, "CAN1", "CAN2")
	defer h.reg.Close()

	h.reg.SetGatewayConfig(&models.GatewayConfig{Enabled: true, ForwardAToB: true})

	cfg := h.reg.GatewayConfig()
	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, models.Route{Source: "CAN1", Destination: "CAN2", Enabled: true}, cfg.Routes[0])
	assert.False(t, cfg.ForwardAToB)
}

func TestSetGatewayConfigDoesNotMutateCaller(t *testing.T) {
	h := newTestHarness(t, "CAN1", "CAN2")
	defer h.reg.Close()

	mine := &models.GatewayConfig{Enabled: true, ForwardAToB: true}
	h.reg.SetGatewayConfig(mine)

	assert.True(t, mine.ForwardAToB, "caller's config must stay untouched")
	assert.Empty(t, mine.Routes)
}

func TestEnableGatewayTogglesWithoutTouchingRules(t *testing.T) {
	h := newTestHarness(t, "CAN1", "CAN2")
	defer h.reg.Close()

	h.reg.SetGatewayConfig(&models.GatewayConfig{
		Routes: []models.Route{{Source: "CAN1", Destination: "CAN2", Enabled: true}},
	})
	assert.False(t, h.reg.GatewayConfig().Enabled)

	h.reg.EnableGateway(true)
	cfg := h.reg.GatewayConfig()
	assert.True(t, cfg.Enabled)
	require.Len(t, cfg.Routes, 1)

	h.reg.EnableGateway(false)
	assert.False(t, h.reg.GatewayConfig().Enabled)
}

func TestDisconnectRelayReachesHandler(t *testing.T) {
	h := newTestHarness(t, "CAN1")
	defer h.reg.Close()

	display := &sink{}
	h.reg.SetHandler(display)

	h.reg.OnDisconnect("CAN1", errors.New("device gone"))

	display.mu.Lock()
	defer display.mu.Unlock()
	require.Len(t, display.disconnects, 1)
	assert.Equal(t, "CAN1", display.disconnects[0])
}

func TestBusInfoEnrichesConnectedSocketCAN(t *testing.T) {
	probed := 0
	h := newTestHarness(t, "CAN1")
	defer h.reg.Close()
	h.reg.probe = func(channel string) (*models.InterfaceStats, error) {
		probed++
		assert.Equal(t, "can0", channel)
		return &models.InterfaceStats{State: "UP", Bitrate: 500000}, nil
	}

	// Not connected yet: no probe, no stats.
	info, err := h.reg.BusInfo("CAN1")
	require.NoError(t, err)
	assert.False(t, info.Connected)
	assert.Nil(t, info.Interface)
	assert.Zero(t, probed)

	require.True(t, h.reg.ConnectBus("CAN1"))
	info, err = h.reg.BusInfo("CAN1")
	require.NoError(t, err)
	assert.True(t, info.Connected)
	require.NotNil(t, info.Interface)
	assert.Equal(t, "UP", info.Interface.State)
	assert.Equal(t, 1, probed)

	_, err = h.reg.BusInfo("NOPE")
	assert.Error(t, err)
}

func TestSchedulerFollowsGatewayConfig(t *testing.T) {
	h := newTestHarness(t, "CAN1", "CAN2")
	defer h.reg.Close()

	db := &models.DynamicBlock{Channel: "CAN1", IDFrom: 0x100, IDTo: 0x1FF, PeriodMS: 100, Enabled: true}

	h.reg.SetGatewayConfig(&models.GatewayConfig{
		Enabled:       true,
		Routes:        []models.Route{{Source: "CAN1", Destination: "CAN2", Enabled: true}},
		DynamicBlocks: []*models.DynamicBlock{db},
	})

	// With the gateway enabled and an enabled dynamic block, the scheduler
	// drives the phase through blocking and back.
	require.Eventually(t, db.Blocking, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !db.Blocking() }, 2*time.Second, 5*time.Millisecond)

	h.reg.EnableGateway(false)
}

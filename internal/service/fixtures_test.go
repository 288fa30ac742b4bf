package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/doorlink/doorlink-gateway/internal/model"
	"github.com/doorlink/doorlink-gateway/internal/storage/bolt"
	"github.com/doorlink/doorlink-gateway/internal/transport"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const adminCode = "ADM-001"

type fakeProber struct {
	mu        sync.Mutex
	reachable map[string]bool
	calls     int
}

func (p *fakeProber) Probe(_ context.Context, ip string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.reachable[ip]
}

type fakeStatus struct {
	doc map[string]any
	err error
}

func (f fakeStatus) Status(context.Context, string) (map[string]any, error) {
	return f.doc, f.err
}

// recorder captures frames for either transport and can be told to fail.
type recorder struct {
	mu     sync.Mutex
	frames []model.DeliveryFrame
	fail   bool
}

func (r *recorder) record(frame model.DeliveryFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("connection refused")
	}
	r.frames = append(r.frames, frame)
	return nil
}

func (r *recorder) SendCommand(_ context.Context, _ string, frame model.DeliveryFrame) error {
	return r.record(frame)
}

func (r *recorder) Send(_ context.Context, _ string, frame model.DeliveryFrame) error {
	return r.record(frame)
}

func (r *recorder) messageIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.frames))
	for _, f := range r.frames {
		out = append(out, f.MessageID)
	}
	return out
}

type testEnv struct {
	store      *bolt.Store
	registry   *DeviceRegistry
	commands   *CommandService
	routing    *RoutingService
	dispatcher *Dispatcher
	prober     *fakeProber
	local      *recorder
	sessions   *recorder
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, DispatcherOptions{ClaimOnPoll: true}, nil)
}

func newTestEnvWith(t *testing.T, opts DispatcherOptions, status StatusFetcher) *testEnv {
	t.Helper()
	store, err := bolt.New(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := zap.NewNop()
	env := &testEnv{
		store:    store,
		prober:   &fakeProber{reachable: map[string]bool{}},
		local:    &recorder{},
		sessions: &recorder{},
	}
	env.registry = NewDeviceRegistry(store, 64, logger)
	env.commands = NewCommandService(store, CommandOptions{DefaultPriority: 5, PendingLimit: 10, MaxLimit: 50}, nil, logger)
	env.routing = NewRoutingService(env.registry, env.prober, logger)
	transports := transport.NewSet(
		transport.HTTPLocal{Client: env.local},
		transport.WebSocket{Sessions: env.sessions},
	)
	env.dispatcher = NewDispatcher(env.registry, env.commands, env.routing, transports, status, opts, nil, logger)

	require.NoError(t, env.registry.SeedAdministrators(context.Background(), []model.Administrator{
		{Name: "Front office", Code: adminCode},
	}))
	return env
}

func (e *testEnv) register(t *testing.T, name string) *model.Device {
	t.Helper()
	device, err := e.registry.Register(context.Background(), adminCode, name)
	require.NoError(t, err)
	return device
}

func (e *testEnv) connectWebSocket(t *testing.T, id uint64, sid string) {
	t.Helper()
	_, err := e.registry.UpdateConnectivity(context.Background(), id, true, model.ConnectionWebSocket, &sid)
	require.NoError(t, err)
}

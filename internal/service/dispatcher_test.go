package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/doorlink/doorlink-gateway/internal/model"
	"github.com/stretchr/testify/require"
)

func TestRouteCommandPrecedence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	device := env.register(t, "Lobby")

	route, err := env.routing.RouteCommand(ctx, device.ID)
	require.NoError(t, err)
	require.Equal(t, model.ConnectionOffline, route.Mode)

	_, err = env.registry.RecordContact(ctx, device.ID, "192.168.1.20")
	require.NoError(t, err)
	route, err = env.routing.RouteCommand(ctx, device.ID)
	require.NoError(t, err)
	require.Equal(t, model.ConnectionOffline, route.Mode)

	env.prober.reachable["192.168.1.20"] = true
	route, err = env.routing.RouteCommand(ctx, device.ID)
	require.NoError(t, err)
	require.Equal(t, model.ConnectionHTTPLocal, route.Mode)
	require.Equal(t, "192.168.1.20", route.LocalIP)

	// a live websocket wins without probing
	env.connectWebSocket(t, device.ID, "sid-1")
	calls := env.prober.calls
	route, err = env.routing.RouteCommand(ctx, device.ID)
	require.NoError(t, err)
	require.Equal(t, model.ConnectionWebSocket, route.Mode)
	require.Equal(t, "sid-1", route.SessionID)
	require.Equal(t, calls, env.prober.calls)

	// online through another path and not answering locally
	env.prober.reachable["192.168.1.20"] = false
	_, err = env.registry.UpdateConnectivity(ctx, device.ID, true, model.ConnectionHTTPLocal, nil)
	require.NoError(t, err)
	route, err = env.routing.RouteCommand(ctx, device.ID)
	require.NoError(t, err)
	require.Equal(t, model.ConnectionWebSocket, route.Mode)

	_, err = env.routing.RouteCommand(ctx, 999)
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestSendCommandOverWebSocket(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	device := env.register(t, "Lobby")
	env.connectWebSocket(t, device.ID, "sid-1")

	res, err := env.dispatcher.SendCommand(ctx, SendRequest{
		DeviceID: device.ID,
		Kind:     model.KindControl,
		Payload:  json.RawMessage(`{"action":"relay_on"}`),
		Priority: 8,
	})
	require.NoError(t, err)
	require.True(t, res.Delivered)
	require.Equal(t, model.ConnectionWebSocket, res.Route)
	require.Equal(t, model.StatusSent, res.Status)
	require.Equal(t, []string{res.MessageID}, env.sessions.messageIDs())

	stored, err := env.commands.Get(ctx, res.MessageID)
	require.NoError(t, err)
	require.Equal(t, model.StatusSent, stored.Status)
	require.Equal(t, 8, stored.Priority)
	require.NotNil(t, stored.SentAt)
}

func TestSendCommandOverLocalHTTP(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	device := env.register(t, "Lobby")
	_, err := env.registry.Heartbeat(ctx, device.ID, "10.0.0.7")
	require.NoError(t, err)
	env.prober.reachable["10.0.0.7"] = true

	res, err := env.dispatcher.SendCommand(ctx, SendRequest{DeviceID: device.ID, Kind: model.KindStatus})
	require.NoError(t, err)
	require.True(t, res.Delivered)
	require.Equal(t, model.ConnectionHTTPLocal, res.Route)
	require.Equal(t, []string{res.MessageID}, env.local.messageIDs())
	require.Empty(t, env.sessions.messageIDs())
}

func TestSendCommandToOfflineDeviceStaysQueued(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	device := env.register(t, "Lobby")

	res, err := env.dispatcher.SendCommand(ctx, SendRequest{DeviceID: device.ID, Kind: model.KindStatus})
	require.NoError(t, err)
	require.False(t, res.Delivered)
	require.Equal(t, model.ConnectionOffline, res.Route)
	require.Equal(t, model.StatusPending, res.Status)

	pending, err := env.commands.ListPending(ctx, device.ID, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, res.MessageID, pending[0].MessageID)
}

func TestTransportFailureLeavesCommandPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	device := env.register(t, "Lobby")
	env.connectWebSocket(t, device.ID, "sid-1")
	env.sessions.fail = true

	res, err := env.dispatcher.SendCommand(ctx, SendRequest{DeviceID: device.ID, Kind: model.KindSync})
	require.NoError(t, err)
	require.False(t, res.Delivered)
	require.Equal(t, model.ConnectionWebSocket, res.Route)
	require.Equal(t, model.StatusPending, res.Status)

	stored, err := env.commands.Get(ctx, res.MessageID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, stored.Status)
}

func TestSendCommandRejectsUnknownAndInactive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.dispatcher.SendCommand(ctx, SendRequest{DeviceID: 999, Kind: model.KindStatus})
	require.ErrorIs(t, err, ErrDeviceNotFound)

	device := env.register(t, "Lobby")
	_, err = env.dispatcher.SendCommand(ctx, SendRequest{DeviceID: device.ID, Kind: model.KindControl, Payload: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, ErrValidation)

	_, err = env.registry.RevokeToken(ctx, device.ID)
	require.NoError(t, err)
	_, err = env.dispatcher.SendCommand(ctx, SendRequest{DeviceID: device.ID, Kind: model.KindStatus})
	require.ErrorIs(t, err, ErrDeviceInactive)
}

func TestDrainDeviceStopsAtFirstFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	device := env.register(t, "Lobby")
	first := enqueue(t, env, device.ID, 9)
	second := enqueue(t, env, device.ID, 4)

	n, err := env.dispatcher.DrainDevice(ctx, device.ID)
	require.NoError(t, err)
	require.Zero(t, n)

	env.connectWebSocket(t, device.ID, "sid-1")
	env.sessions.fail = true
	n, err = env.dispatcher.DrainDevice(ctx, device.ID)
	require.NoError(t, err)
	require.Zero(t, n)

	env.sessions.fail = false
	n, err = env.dispatcher.DrainDevice(ctx, device.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{first.MessageID, second.MessageID}, env.sessions.messageIDs())
}

func TestPendingCommandsClaimsOnPoll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	device := env.register(t, "Lobby")
	enqueue(t, env, device.ID, 5)

	polled, err := env.dispatcher.PendingCommands(ctx, device.ID, 0)
	require.NoError(t, err)
	require.Len(t, polled, 1)
	require.Equal(t, model.StatusSent, polled[0].Status)

	polled, err = env.dispatcher.PendingCommands(ctx, device.ID, 0)
	require.NoError(t, err)
	require.Empty(t, polled)
}

func TestConcurrentPollsClaimEachCommandOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	device := env.register(t, "Lobby")
	const total = 30
	for i := 0; i < total; i++ {
		enqueue(t, env, device.ID, 1+i%10)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
		errs = make(chan error, 6)
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				polled, err := env.dispatcher.PendingCommands(ctx, device.ID, 2)
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				for _, c := range polled {
					seen[c.MessageID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, seen, total)
	for id, n := range seen {
		require.Equal(t, 1, n, id)
	}
}

func TestPendingCommandsReadOnlyWithoutClaim(t *testing.T) {
	env := newTestEnvWith(t, DispatcherOptions{}, nil)
	ctx := context.Background()
	device := env.register(t, "Lobby")
	enqueue(t, env, device.ID, 5)

	for i := 0; i < 2; i++ {
		polled, err := env.dispatcher.PendingCommands(ctx, device.ID, 0)
		require.NoError(t, err)
		require.Len(t, polled, 1)
		require.Equal(t, model.StatusPending, polled[0].Status)
	}
}

func TestCompleteCommandChecksOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.register(t, "Lobby")
	other := env.register(t, "Garage")
	cmd := enqueue(t, env, owner.ID, 5)

	err := env.dispatcher.CompleteCommand(ctx, other.ID, cmd.MessageID, true, nil, "")
	require.ErrorIs(t, err, ErrCommandNotFound)
	err = env.dispatcher.CompleteCommand(ctx, owner.ID, "missing", true, nil, "")
	require.ErrorIs(t, err, ErrCommandNotFound)

	require.NoError(t, env.dispatcher.CompleteCommand(ctx, owner.ID, cmd.MessageID, false, nil, "jammed"))
	stored, err := env.commands.Get(ctx, cmd.MessageID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, stored.Status)
	require.Equal(t, "jammed", *stored.ErrorMessage)

	// a repeated ack is accepted and changes nothing
	require.NoError(t, env.dispatcher.CompleteCommand(ctx, owner.ID, cmd.MessageID, true, nil, ""))
	stored, err = env.commands.Get(ctx, cmd.MessageID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, stored.Status)
}

func TestStatusMergesLiveDocument(t *testing.T) {
	env := newTestEnvWith(t, DispatcherOptions{ClaimOnPoll: true}, fakeStatus{doc: map[string]any{"relay": "off", "rssi": -61.0}})
	ctx := context.Background()
	device := env.register(t, "Lobby")

	status, err := env.dispatcher.Status(ctx, device.ID)
	require.NoError(t, err)
	require.False(t, status.IsOnline)
	require.Nil(t, status.Live)

	_, err = env.registry.RecordContact(ctx, device.ID, "10.0.0.7")
	require.NoError(t, err)
	env.prober.reachable["10.0.0.7"] = true

	status, err = env.dispatcher.Status(ctx, device.ID)
	require.NoError(t, err)
	require.True(t, status.IsOnline)
	require.Equal(t, model.ConnectionHTTPLocal, status.ConnectionType)
	require.Equal(t, "off", status.Live["relay"])
}

func TestStatusFallsBackToStoredState(t *testing.T) {
	env := newTestEnvWith(t, DispatcherOptions{}, fakeStatus{err: errors.New("timeout")})
	ctx := context.Background()
	device := env.register(t, "Lobby")
	_, err := env.registry.RecordContact(ctx, device.ID, "10.0.0.7")
	require.NoError(t, err)
	env.prober.reachable["10.0.0.7"] = true

	status, err := env.dispatcher.Status(ctx, device.ID)
	require.NoError(t, err)
	require.False(t, status.IsOnline)
	require.Equal(t, model.ConnectionOffline, status.ConnectionType)
	require.Nil(t, status.Live)
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/doorlink/doorlink-gateway/internal/config"
	"github.com/doorlink/doorlink-gateway/internal/metrics"
	"github.com/doorlink/doorlink-gateway/internal/model"
	"github.com/doorlink/doorlink-gateway/internal/service"
	"github.com/doorlink/doorlink-gateway/internal/storage/bolt"
	"github.com/doorlink/doorlink-gateway/internal/transport"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubProber struct{ reachable bool }

func (p *stubProber) Probe(context.Context, string) bool { return p.reachable }

type stubSender struct {
	mu     sync.Mutex
	frames []model.DeliveryFrame
	fail   bool
}

func (s *stubSender) Send(_ context.Context, _ string, frame model.DeliveryFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.frames = append(s.frames, frame)
	return nil
}

type testServer struct {
	srv      *Server
	registry *service.DeviceRegistry
	sessions *stubSender
	prober   *stubProber
}

func newTestServer(t *testing.T, authEnabled bool) *testServer {
	t.Helper()
	store, err := bolt.New(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{}
	cfg.HTTP.ReadTimeout = 5 * time.Second
	cfg.HTTP.WriteTimeout = 5 * time.Second
	cfg.Auth.Enabled = authEnabled
	cfg.Auth.Username = "operator"
	cfg.Auth.Password = "s3cret"
	cfg.Auth.JWTSecret = "test-secret"

	logger := zap.NewNop()
	m := metrics.New("doorlink-test")
	ts := &testServer{sessions: &stubSender{}, prober: &stubProber{}}
	ts.registry = service.NewDeviceRegistry(store, 64, logger)
	commands := service.NewCommandService(store, service.CommandOptions{DefaultPriority: 5, PendingLimit: 10, MaxLimit: 50}, m, logger)
	routing := service.NewRoutingService(ts.registry, ts.prober, logger)
	dispatcher := service.NewDispatcher(ts.registry, commands, routing,
		transport.NewSet(transport.WebSocket{Sessions: ts.sessions}),
		nil, service.DispatcherOptions{ClaimOnPoll: true}, m, logger)
	sweeper := service.NewSweeper(ts.registry, commands, dispatcher, nil, service.SweeperOptions{}, m, logger)

	require.NoError(t, ts.registry.SeedAdministrators(context.Background(), []model.Administrator{{Name: "Ops", Code: "ADM-1"}}))
	ts.srv = New(cfg, Services{
		Registry:   ts.registry,
		Commands:   commands,
		Dispatcher: dispatcher,
		Sweeper:    sweeper,
		Auth:       service.NewAuthService(cfg),
	}, m, logger)
	return ts
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers map[string]string) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := ts.srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var env envelope
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &env))
	}
	return resp.StatusCode, env
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// registerDevice enrolls a device through the API and returns its id and token.
func (ts *testServer) registerDevice(t *testing.T, name string) (uint64, string) {
	t.Helper()
	status, env := ts.do(t, http.MethodPost, "/device-api/register", `{"code":"ADM-1","name":"`+name+`"}`, nil)
	require.Equal(t, http.StatusCreated, status)
	var data struct {
		ID    uint64 `json:"id"`
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Len(t, data.Token, 64)
	return data.ID, data.Token
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp, err := ts.srv.App().Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegisterRejectsBadCode(t *testing.T) {
	ts := newTestServer(t, false)

	status, env := ts.do(t, http.MethodPost, "/device-api/register", `{"code":"WRONG","name":"Lobby"}`, nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.False(t, env.Success)

	status, _ = ts.do(t, http.MethodPost, "/device-api/register", `{"code":"ADM-1","name":""}`, nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestDeviceAuthIsUniform(t *testing.T) {
	ts := newTestServer(t, false)
	id, token := ts.registerDevice(t, "Lobby")

	status, env := ts.do(t, http.MethodGet, "/device-api/config", "", bearer(token))
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"id":`+jsonNumber(id)+`,"name":"Lobby","active":true}`, string(env.Data))

	status, env = ts.do(t, http.MethodGet, "/device-api/config", "", map[string]string{"X-Device-Token": token})
	require.Equal(t, http.StatusOK, status)

	status, missing := ts.do(t, http.MethodGet, "/device-api/config", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)
	status, unknown := ts.do(t, http.MethodGet, "/device-api/config", "", bearer("nope"))
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = ts.do(t, http.MethodPost, "/devices/"+jsonNumber(id)+"/revoke-token", "", nil)
	require.Equal(t, http.StatusOK, status)
	status, revoked := ts.do(t, http.MethodGet, "/device-api/config", "", bearer(token))
	require.Equal(t, http.StatusUnauthorized, status)

	require.Equal(t, missing.Error, unknown.Error)
	require.Equal(t, unknown.Error, revoked.Error)
}

func TestOfflineDispatchPollAndComplete(t *testing.T) {
	ts := newTestServer(t, false)
	id, token := ts.registerDevice(t, "Lobby")
	devicePath := "/devices/" + jsonNumber(id)

	status, env := ts.do(t, http.MethodPost, devicePath+"/command", `{"command":"status"}`, nil)
	require.Equal(t, http.StatusAccepted, status)
	var result model.DispatchResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.Equal(t, model.StatusPending, result.Status)
	require.Equal(t, model.ConnectionOffline, result.Route)
	require.False(t, result.Delivered)

	status, env = ts.do(t, http.MethodGet, "/device-api/commands/pending", "", bearer(token))
	require.Equal(t, http.StatusOK, status)
	var pending []model.PendingCommand
	require.NoError(t, json.Unmarshal(env.Data, &pending))
	require.Len(t, pending, 1)
	require.Equal(t, result.MessageID, pending[0].MessageID)
	require.Equal(t, model.KindStatus, pending[0].Command)

	completePath := "/device-api/commands/" + result.MessageID + "/complete"
	status, _ = ts.do(t, http.MethodPost, completePath, `{"response":{}}`, bearer(token))
	require.Equal(t, http.StatusBadRequest, status)
	status, _ = ts.do(t, http.MethodPost, completePath, `{"success":true,"response":"text"}`, bearer(token))
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = ts.do(t, http.MethodPost, completePath, `{"success":true,"response":{"relay":"off"}}`, bearer(token))
	require.Equal(t, http.StatusOK, status)
	// repeated acks are accepted
	status, _ = ts.do(t, http.MethodPost, completePath, `{"success":false,"error":"late"}`, bearer(token))
	require.Equal(t, http.StatusOK, status)

	status, env = ts.do(t, http.MethodGet, devicePath+"/commands?status=completed", "", nil)
	require.Equal(t, http.StatusOK, status)
	var listed []model.Command
	require.NoError(t, json.Unmarshal(env.Data, &listed))
	require.Len(t, listed, 1)
	require.JSONEq(t, `{"relay":"off"}`, string(listed[0].Response))

	status, _ = ts.do(t, http.MethodPost, "/device-api/commands/unknown-id/complete", `{"success":true}`, bearer(token))
	require.Equal(t, http.StatusNotFound, status)
}

func TestCompleteForeignCommandIsNotFound(t *testing.T) {
	ts := newTestServer(t, false)
	owner, _ := ts.registerDevice(t, "Lobby")
	_, otherToken := ts.registerDevice(t, "Garage")

	_, env := ts.do(t, http.MethodPost, "/devices/"+jsonNumber(owner)+"/command", `{"command":"sync"}`, nil)
	var result model.DispatchResult
	require.NoError(t, json.Unmarshal(env.Data, &result))

	status, _ := ts.do(t, http.MethodPost, "/device-api/commands/"+result.MessageID+"/complete", `{"success":true}`, bearer(otherToken))
	require.Equal(t, http.StatusNotFound, status)
}

func TestWebSocketDeliveryReturnsOK(t *testing.T) {
	ts := newTestServer(t, false)
	id, _ := ts.registerDevice(t, "Lobby")
	sid := "sid-1"
	_, err := ts.registry.UpdateConnectivity(context.Background(), id, true, model.ConnectionWebSocket, &sid)
	require.NoError(t, err)

	status, env := ts.do(t, http.MethodPost, "/devices/"+jsonNumber(id)+"/control", `{"action":"relay_on","priority":8}`, nil)
	require.Equal(t, http.StatusOK, status)
	var result model.DispatchResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.True(t, result.Delivered)
	require.Equal(t, model.StatusSent, result.Status)
	require.Equal(t, model.ConnectionWebSocket, result.Route)
	require.Len(t, ts.sessions.frames, 1)
	require.JSONEq(t, `{"action":"relay_on"}`, string(ts.sessions.frames[0].Payload))

	ts.sessions.fail = true
	status, _ = ts.do(t, http.MethodPost, "/devices/"+jsonNumber(id)+"/command", `{"command":"status"}`, nil)
	require.Equal(t, http.StatusAccepted, status)
}

func TestSendCommandValidation(t *testing.T) {
	ts := newTestServer(t, false)
	id, _ := ts.registerDevice(t, "Lobby")
	path := "/devices/" + jsonNumber(id)

	cases := []struct {
		name string
		path string
		body string
		want int
	}{
		{"missing command", path + "/command", `{}`, http.StatusBadRequest},
		{"unknown command", path + "/command", `{"command":"explode"}`, http.StatusBadRequest},
		{"priority too high", path + "/command", `{"command":"status","priority":11}`, http.StatusBadRequest},
		{"priority zero", path + "/command", `{"command":"status","priority":0}`, http.StatusBadRequest},
		{"bad control action", path + "/control", `{"action":"dance"}`, http.StatusBadRequest},
		{"fingerprint without user", path + "/fingerprint/add", `{}`, http.StatusBadRequest},
		{"unknown device", "/devices/999/command", `{"command":"status"}`, http.StatusNotFound},
		{"non numeric id", "/devices/abc/command", `{"command":"status"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, env := ts.do(t, http.MethodPost, tc.path, tc.body, nil)
			require.Equal(t, tc.want, status)
			require.False(t, env.Success)
		})
	}

	status, _ := ts.do(t, http.MethodPost, path+"/revoke-token", "", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = ts.do(t, http.MethodPost, path+"/command", `{"command":"status"}`, nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestHeartbeatAndStatus(t *testing.T) {
	ts := newTestServer(t, false)
	id, token := ts.registerDevice(t, "Lobby")

	status, env := ts.do(t, http.MethodPost, "/device-api/heartbeat", `{"local_ip":"192.168.1.44"}`, bearer(token))
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"is_online":true,"connection_type":"http_local"}`, string(env.Data))

	status, env = ts.do(t, http.MethodGet, "/devices/"+jsonNumber(id)+"/status", "", nil)
	require.Equal(t, http.StatusOK, status)
	var st model.DeviceStatus
	require.NoError(t, json.Unmarshal(env.Data, &st))
	require.True(t, st.IsOnline)
	require.NotNil(t, st.LocalIP)
	require.Equal(t, "192.168.1.44", *st.LocalIP)
}

func TestHeartbeatRejectsNonIPAddress(t *testing.T) {
	ts := newTestServer(t, false)
	id, token := ts.registerDevice(t, "Lobby")

	status, _ := ts.do(t, http.MethodPost, "/device-api/heartbeat", `{"local_ip":"metadata.internal:80"}`, bearer(token))
	require.Equal(t, http.StatusBadRequest, status)

	status, env := ts.do(t, http.MethodGet, "/devices/"+jsonNumber(id)+"/status", "", nil)
	require.Equal(t, http.StatusOK, status)
	var st model.DeviceStatus
	require.NoError(t, json.Unmarshal(env.Data, &st))
	require.False(t, st.IsOnline)
	require.Nil(t, st.LocalIP)
}

func TestDeviceManagement(t *testing.T) {
	ts := newTestServer(t, false)
	id, token := ts.registerDevice(t, "Lobby")
	path := "/devices/" + jsonNumber(id)

	status, env := ts.do(t, http.MethodGet, "/devices", "", nil)
	require.Equal(t, http.StatusOK, status)
	var views []model.DeviceView
	require.NoError(t, json.Unmarshal(env.Data, &views))
	require.Len(t, views, 1)
	require.NotEqual(t, token, views[0].Token)
	require.True(t, strings.HasPrefix(views[0].Token, token[:4]))

	status, env = ts.do(t, http.MethodPut, path, `{"name":"Main door"}`, nil)
	require.Equal(t, http.StatusOK, status)
	var view model.DeviceView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	require.Equal(t, "Main door", view.Name)

	status, _ = ts.do(t, http.MethodDelete, path, "", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = ts.do(t, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestAdminSweep(t *testing.T) {
	ts := newTestServer(t, false)
	status, env := ts.do(t, http.MethodPost, "/admin/sweep", "", nil)
	require.Equal(t, http.StatusOK, status)
	var report model.SweepReport
	require.NoError(t, json.Unmarshal(env.Data, &report))
	require.Equal(t, model.SweepReport{}, report)

	for _, path := range []string{"/admin/commands/retry", "/admin/commands/requeue-stale", "/admin/commands/purge"} {
		status, _ = ts.do(t, http.MethodPost, path, "", nil)
		require.Equal(t, http.StatusOK, status, path)
	}
}

func TestOperatorAuth(t *testing.T) {
	ts := newTestServer(t, true)

	status, _ := ts.do(t, http.MethodGet, "/devices", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = ts.do(t, http.MethodPost, "/auth/login", `{"username":"operator","password":"wrong"}`, nil)
	require.Equal(t, http.StatusUnauthorized, status)

	status, env := ts.do(t, http.MethodPost, "/auth/login", `{"username":"operator","password":"s3cret"}`, nil)
	require.Equal(t, http.StatusOK, status)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &login))
	require.NotEmpty(t, login.Token)

	status, _ = ts.do(t, http.MethodGet, "/devices", "", bearer(login.Token))
	require.Equal(t, http.StatusOK, status)
	status, env = ts.do(t, http.MethodGet, "/auth/profile", "", bearer(login.Token))
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"enabled":true,"username":"operator"}`, string(env.Data))

	// device endpoints never take operator credentials
	status, _ = ts.do(t, http.MethodGet, "/device-api/config", "", bearer(login.Token))
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, false)
	ts.do(t, http.MethodGet, "/healthz", "", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := ts.srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "http_requests_total{")
}

func jsonNumber(id uint64) string {
	raw, _ := json.Marshal(id)
	return string(raw)
}

package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/callsync/internal/app"
	"github.com/dkeye/callsync/internal/app/callsession"
	"github.com/dkeye/callsync/internal/app/orch"
	"github.com/dkeye/callsync/internal/config"
	"github.com/dkeye/callsync/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	mu       sync.Mutex
	active   map[domain.BookingID]domain.SessionDescriptor
	ended    map[domain.SessionID]string
	canceled map[domain.SessionID]bool
	events   chan callsession.Event
}

func newFakeService() *fakeService {
	return &fakeService{
		active:   make(map[domain.BookingID]domain.SessionDescriptor),
		ended:    make(map[domain.SessionID]string),
		canceled: make(map[domain.SessionID]bool),
		events:   make(chan callsession.Event, 8),
	}
}

func (f *fakeService) Start(_ context.Context, req orch.StartRequest) (domain.SessionDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.active[req.BookingID]; ok {
		return domain.SessionDescriptor{}, app.ErrSessionActive
	}
	d, err := domain.NewSessionDescriptor(req.BookingID, req.RoomID, req.ConsultationType, req.Role, time.Now())
	if err != nil {
		return domain.SessionDescriptor{}, err
	}
	f.active[req.BookingID] = d
	return d, nil
}

func (f *fakeService) find(sid domain.SessionID) (domain.SessionDescriptor, bool) {
	for _, d := range f.active {
		if d.SessionID == sid {
			return d, true
		}
	}
	return domain.SessionDescriptor{}, false
}

func (f *fakeService) End(sid domain.SessionID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.find(sid); !ok {
		return orch.ErrSessionNotFound
	}
	f.ended[sid] = reason
	return nil
}

func (f *fakeService) Cancel(sid domain.SessionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.find(sid); !ok {
		return orch.ErrSessionNotFound
	}
	f.canceled[sid] = true
	return nil
}

func (f *fakeService) Snapshot(sid domain.SessionID) (callsession.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.find(sid)
	if !ok {
		return callsession.Snapshot{}, orch.ErrSessionNotFound
	}
	return callsession.Snapshot{SessionID: d.SessionID, BookingID: d.BookingID, State: callsession.StateJoinRequested}, nil
}

func (f *fakeService) Subscribe(sid domain.SessionID, _ int) (<-chan callsession.Event, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.find(sid); !ok {
		return nil, nil, orch.ErrSessionNotFound
	}
	return f.events, func() {}, nil
}

func newRouter(t *testing.T, svc SessionService, limiter *StartRateLimiter) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{Mode: "test", Secret: "test-secret"}
	reg := prometheus.NewRegistry()
	callsession.NewMetrics(reg)
	return SetupRouter(cfg, svc, reg, limiter)
}

func startBody(booking string) *strings.Reader {
	return strings.NewReader(`{"bookingId":"` + booking + `","roomId":"room-1","consultationType":"video","role":"initiator"}`)
}

func do(r http.Handler, method, path string, body *strings.Reader, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, body)
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestStartSession(t *testing.T) {
	svc := newFakeService()
	r := newRouter(t, svc, nil)

	w := do(r, http.MethodPost, "/api/sessions", startBody("b-1"))
	require.Equal(t, http.StatusCreated, w.Code)
	var desc domain.SessionDescriptor
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &desc))
	assert.Equal(t, domain.BookingID("b-1"), desc.BookingID)
	assert.Equal(t, domain.ConsultationVideo, desc.ConsultationType)

	w = do(r, http.MethodPost, "/api/sessions", startBody("b-1"))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodPost, "/api/sessions", strings.NewReader(`{"bookingId":"","roomId":"x","consultationType":"voice","role":"initiator"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/sessions", strings.NewReader(`not json`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestClientTokenAndCurrentSession(t *testing.T) {
	svc := newFakeService()
	r := newRouter(t, svc, nil)

	w := do(r, http.MethodPost, "/api/sessions", startBody("b-1"))
	require.Equal(t, http.StatusCreated, w.Code)
	cookies := w.Result().Cookies()
	names := make([]string, 0, len(cookies))
	for _, c := range cookies {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "ct")
	assert.Contains(t, names, "CallSyncSessions")

	w = do(r, http.MethodGet, "/api/session", nil, cookies...)
	require.Equal(t, http.StatusOK, w.Code)
	var snap callsession.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, domain.BookingID("b-1"), snap.BookingID)

	w = do(r, http.MethodGet, "/api/session", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartIsRateLimitedPerClient(t *testing.T) {
	svc := newFakeService()
	limiter := NewStartRateLimiter(2, time.Minute, clock.NewMock())
	r := newRouter(t, svc, limiter)

	first := do(r, http.MethodPost, "/api/sessions", startBody("b-1"))
	require.Equal(t, http.StatusCreated, first.Code)
	var ct *http.Cookie
	for _, c := range first.Result().Cookies() {
		if c.Name == "ct" {
			ct = c
		}
	}
	require.NotNil(t, ct)

	assert.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/api/sessions", startBody("b-2"), ct).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, http.MethodPost, "/api/sessions", startBody("b-3"), ct).Code)
	// A fresh client gets its own window.
	assert.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/api/sessions", startBody("b-3")).Code)
}

func TestEndCancelAndSnapshot(t *testing.T) {
	svc := newFakeService()
	r := newRouter(t, svc, nil)

	w := do(r, http.MethodPost, "/api/sessions", startBody("b-1"))
	require.Equal(t, http.StatusCreated, w.Code)
	var desc domain.SessionDescriptor
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &desc))
	base := "/api/sessions/" + string(desc.SessionID)

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, base, nil).Code)
	assert.Equal(t, http.StatusAccepted, do(r, http.MethodPost, base+"/end", strings.NewReader(`{"reason":"done"}`)).Code)
	assert.Equal(t, http.StatusAccepted, do(r, http.MethodPost, base+"/cancel", nil).Code)

	svc.mu.Lock()
	assert.Equal(t, "done", svc.ended[desc.SessionID])
	assert.True(t, svc.canceled[desc.SessionID])
	svc.mu.Unlock()

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/sessions/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodPost, "/api/sessions/missing/end", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/sessions/missing/events", nil).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	r := newRouter(t, newFakeService(), nil)

	w := do(r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = do(r, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "callsync_session_active")
}

func TestEventStream(t *testing.T) {
	svc := newFakeService()
	r := newRouter(t, svc, nil)
	srv := httptest.NewServer(r)
	defer srv.Close()

	w := do(r, http.MethodPost, "/api/sessions", startBody("b-1"))
	require.Equal(t, http.StatusCreated, w.Code)
	var desc domain.SessionDescriptor
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &desc))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/" + string(desc.SessionID) + "/events"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer ws.Close()

	svc.events <- callsession.Event{Type: callsession.EventState, Snapshot: callsession.Snapshot{State: callsession.StateRoomJoined}}
	svc.events <- callsession.Event{Type: callsession.EventTerminal, Snapshot: callsession.Snapshot{State: callsession.StateEnded}}
	close(svc.events)

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []callsession.Event
	for {
		var ev callsession.Event
		if err := ws.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, callsession.EventState, got[0].Type)
	assert.Equal(t, callsession.StateEnded, got[1].Snapshot.State)
}

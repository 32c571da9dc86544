package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stopwise/stopwise/internal/api"
	"github.com/stopwise/stopwise/internal/api/models"
	"github.com/stopwise/stopwise/internal/auth"
	"github.com/stopwise/stopwise/internal/live"
	"github.com/stopwise/stopwise/internal/optimizer"
	"github.com/stopwise/stopwise/internal/routing"
	"github.com/stopwise/stopwise/internal/session"
)

// reversingProvider solves trips by reversing the interior waypoints.
type reversingProvider struct{}

func (reversingProvider) Route(_ context.Context, req routing.RouteRequest) (*routing.Route, error) {
	return &routing.Route{
		Geometry:        req.Waypoints,
		DistanceMeters:  float64(len(req.Waypoints)) * 1000,
		DurationSeconds: float64(len(req.Waypoints)) * 90,
		Instructions: []routing.Instruction{
			{Text: "Depart", Maneuver: routing.ManeuverDepart},
			{Text: "Arrive", Maneuver: routing.ManeuverArrive},
		},
		Provider: "test",
	}, nil
}

func (reversingProvider) SolveTrip(_ context.Context, req routing.TripRequest) (*routing.Trip, error) {
	n := len(req.Waypoints)
	order := []int{0}
	last := n - 1
	if !req.FixedEnd {
		last = n
	}
	for i := last - 1; i >= 1; i-- {
		order = append(order, i)
	}
	if req.FixedEnd {
		order = append(order, n-1)
	}
	return &routing.Trip{VisitOrder: order, Provider: "test"}, nil
}

func (reversingProvider) Name() string { return "test" }

func (reversingProvider) SupportedProfiles() []routing.RouteProfile {
	return []routing.RouteProfile{routing.ProfileDriving}
}

type testEnv struct {
	router  http.Handler
	manager *session.Manager
	tokens  *auth.TokenService
	hub     *live.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zerolog.New(io.Discard)

	tokens, err := auth.NewTokenService(auth.TokenConfig{
		SigningKey: "test-secret-key-for-testing-only",
		Issuer:     "https://api.stopwise.dev",
		Audience:   "stopwise-api",
	})
	require.NoError(t, err)

	hub := live.NewHub(live.HubConfig{Logger: logger})
	manager := session.NewManager(session.ManagerConfig{
		Planner: optimizer.New(optimizer.Config{
			Provider: reversingProvider{},
			PinLast:  true,
			Timeout:  time.Second,
			Logger:   logger,
		}),
		Renderers: hub.Renderer,
		Trigger:   session.TriggerManual,
		OnClose:   hub.CloseSession,
		Logger:    logger,
	})
	t.Cleanup(manager.Close)

	router := api.NewRouter(api.RouterConfig{
		Version:   "test",
		BuildTime: "2026-01-01T00:00:00Z",
		Logger:    logger,
		Sessions:  manager,
		Tokens:    tokens,
		Hub:       hub,
	})

	return &testEnv{router: router, manager: manager, tokens: tokens, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// createSession creates a manual-trigger session and returns its ID and token.
func (e *testEnv) createSession(t *testing.T) (string, string) {
	t.Helper()

	rec := e.do(t, http.MethodPost, "/v1/sessions", "", map[string]string{"trigger": "manual"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Session     session.View `json:"session"`
		AccessToken string       `json:"accessToken"`
		TokenType   string       `json:"tokenType"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, "/v1/sessions/"+resp.Session.ID, rec.Header().Get("Location"))
	return resp.Session.ID, resp.AccessToken
}

func (e *testEnv) addStop(t *testing.T, id, token string, lat, lon float64, label string) string {
	t.Helper()

	rec := e.do(t, http.MethodPost, "/v1/sessions/"+id+"/stops", token, map[string]any{
		"lat": lat, "lon": lon, "label": label,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp models.AddStopResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Stop.ID
}

func stopIDs(v session.View) []string {
	ids := make([]string, len(v.Stops))
	for i, st := range v.Stops {
		ids[i] = st.ID
	}
	return ids
}

func TestRouter_HealthCheck(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/ops/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var health models.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, models.HealthStatusOK, health.Status)
}

func TestRouter_SystemStatus(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t)

	rec := env.do(t, http.MethodGet, "/v1/ops/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status models.SystemStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.ActiveSessions)
}

func TestRouter_SessionEndpointsRequireToken(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.createSession(t)

	rec := env.do(t, http.MethodGet, "/v1/sessions/"+id, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/sessions/"+id, "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_TokenIsBoundToSession(t *testing.T) {
	env := newTestEnv(t)
	_, tokenA := env.createSession(t)
	idB, _ := env.createSession(t)

	rec := env.do(t, http.MethodGet, "/v1/sessions/"+idB, tokenA, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRouter_OptimizeKeepsEndpoints(t *testing.T) {
	env := newTestEnv(t)
	id, token := env.createSession(t)

	a := env.addStop(t, id, token, 52.37, 4.89, "depot")
	b := env.addStop(t, id, token, 52.09, 5.12, "")
	c := env.addStop(t, id, token, 51.92, 4.48, "")
	d := env.addStop(t, id, token, 52.16, 4.49, "home")

	rec := env.do(t, http.MethodPost, "/v1/sessions/"+id+"/optimize", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var resp models.RouteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Applied)
	require.NotNil(t, resp.Route)
	assert.Equal(t, []string{a, c, b, d}, resp.Route.OrderedStopIDs)
	assert.Equal(t, optimizer.KindOptimize, resp.Route.Kind)

	// The stop list now has the optimized order and the route is current.
	assert.Equal(t, []string{a, c, b, d}, stopIDs(resp.Session))
	assert.True(t, resp.Session.RouteCurrent)
	assert.Equal(t, resp.Session.Generation, resp.Route.Generation)
}

func TestRouter_RouteAfterEditIsCurrent(t *testing.T) {
	env := newTestEnv(t)
	id, token := env.createSession(t)

	env.addStop(t, id, token, 52.37, 4.89, "")
	second := env.addStop(t, id, token, 52.09, 5.12, "")

	rec := env.do(t, http.MethodPost, "/v1/sessions/"+id+"/route", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPatch, "/v1/sessions/"+id+"/stops/"+second, token, map[string]any{
		"label": "office", "lat": 52.10, "lon": 5.13,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/v1/sessions/"+id, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view session.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.False(t, view.RouteCurrent)
	assert.Equal(t, "office", view.Stops[1].Label)

	rec = env.do(t, http.MethodPost, "/v1/sessions/"+id+"/route", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp models.RouteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Session.RouteCurrent)
}

func TestRouter_ReplaceOrderRejectsNonPermutation(t *testing.T) {
	env := newTestEnv(t)
	id, token := env.createSession(t)

	a := env.addStop(t, id, token, 52.37, 4.89, "")
	b := env.addStop(t, id, token, 52.09, 5.12, "")

	rec := env.do(t, http.MethodPut, "/v1/sessions/"+id+"/stops:order", token, map[string]any{
		"stopIds": []string{a, a},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPut, "/v1/sessions/"+id+"/stops:order", token, map[string]any{
		"stopIds": []string{b, a},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var view session.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, []string{b, a}, stopIDs(view))
}

func TestRouter_RequestValidation(t *testing.T) {
	env := newTestEnv(t)
	id, token := env.createSession(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"stop without location", http.MethodPost, "/stops", map[string]any{"label": "x"}, http.StatusBadRequest},
		{"stop latitude out of range", http.MethodPost, "/stops", map[string]any{"lat": 91, "lon": 4}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/stops", map[string]any{"lat": 52, "lon": 4, "color": "red"}, http.StatusBadRequest},
		{"empty order", http.MethodPut, "/stops:order", map[string]any{"stopIds": []string{}}, http.StatusBadRequest},
		{"edit unknown stop", http.MethodPatch, "/stops/stp_missing", map[string]any{"label": "x"}, http.StatusNotFound},
		{"move unknown stop", http.MethodPost, "/stops/stp_missing/move", map[string]any{"index": 0}, http.StatusNotFound},
		{"cluster without k", http.MethodPost, "/stops:cluster", map[string]any{}, http.StatusBadRequest},
		{"cluster with zero k", http.MethodPost, "/stops:cluster", map[string]any{"k": 0}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, "/v1/sessions/"+id+tt.path, token, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestRouter_ClusterStops(t *testing.T) {
	env := newTestEnv(t)
	id, token := env.createSession(t)

	a := env.addStop(t, id, token, 52.370, 4.890, "")
	b := env.addStop(t, id, token, 51.920, 4.480, "")
	c := env.addStop(t, id, token, 52.372, 4.894, "")

	rec := env.do(t, http.MethodPost, "/v1/sessions/"+id+"/stops:cluster", token, map[string]any{"k": 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got session.Clusters
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 2, got.K)
	require.Len(t, got.Stops, 3)
	require.Len(t, got.Centers, 2)
	assert.Equal(t, []string{a, b, c}, []string{got.Stops[0].ID, got.Stops[1].ID, got.Stops[2].ID})
	assert.Equal(t, got.Stops[0].Cluster, got.Stops[2].Cluster)
	assert.NotEqual(t, got.Stops[0].Cluster, got.Stops[1].Cluster)

	// k above the stop count is clamped.
	rec = env.do(t, http.MethodPost, "/v1/sessions/"+id+"/stops:cluster", token, map[string]any{"k": 10})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 3, got.K)

	// Clustering leaves the stop list alone.
	rec = env.do(t, http.MethodGet, "/v1/sessions/"+id, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view session.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, got.Generation, view.Generation)
	assert.Equal(t, []string{a, b, c}, stopIDs(view))
}

func TestRouter_AddressLookupWithoutGeocoder(t *testing.T) {
	env := newTestEnv(t)
	id, token := env.createSession(t)

	rec := env.do(t, http.MethodPost, "/v1/sessions/"+id+"/stops", token, map[string]any{"address": "Dam 1, Amsterdam"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/geocode", "", map[string]any{"address": "Dam 1, Amsterdam"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_DeleteSession(t *testing.T) {
	env := newTestEnv(t)
	id, token := env.createSession(t)

	rec := env.do(t, http.MethodDelete, "/v1/sessions/"+id, token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/sessions/"+id, token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, env.manager.Count())
}

func TestRouter_EventStream(t *testing.T) {
	env := newTestEnv(t)
	id, token := env.createSession(t)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/sessions/" + id + "/events?access_token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first live.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, live.EventRouteClear, first.Type)
	assert.Equal(t, id, first.SessionID)

	env.addStop(t, id, token, 52.37, 4.89, "")
	env.addStop(t, id, token, 52.09, 5.12, "")
	rec := env.do(t, http.MethodPost, "/v1/sessions/"+id+"/route", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var next live.Event
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, live.EventRouteShow, next.Type)
	require.NotNil(t, next.Route)
	assert.Len(t, next.Route.OrderedStopIDs, 2)

	rec = env.do(t, http.MethodDelete, "/v1/sessions/"+id, token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

func TestRouter_EventStreamMarksOutdatedRoute(t *testing.T) {
	env := newTestEnv(t)
	id, token := env.createSession(t)

	env.addStop(t, id, token, 52.37, 4.89, "")
	middle := env.addStop(t, id, token, 52.09, 5.12, "")
	env.addStop(t, id, token, 51.92, 4.48, "")
	rec := env.do(t, http.MethodPost, "/v1/sessions/"+id+"/route", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	srv := httptest.NewServer(env.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/sessions/" + id + "/events?access_token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first live.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, live.EventRouteShow, first.Type)
	assert.False(t, first.Stale)

	rec = env.do(t, http.MethodDelete, "/v1/sessions/"+id+"/stops/"+middle, token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	var stale live.Event
	require.NoError(t, conn.ReadJSON(&stale))
	assert.Equal(t, live.EventRouteStale, stale.Type)
	assert.Equal(t, uint64(4), stale.Generation)

	// A client connecting now starts from the outdated route, flagged.
	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer late.Close()
	_ = late.SetReadDeadline(time.Now().Add(2 * time.Second))

	var initial live.Event
	require.NoError(t, late.ReadJSON(&initial))
	assert.Equal(t, live.EventRouteShow, initial.Type)
	assert.True(t, initial.Stale)
	require.NotNil(t, initial.Route)
	assert.Len(t, initial.Route.OrderedStopIDs, 3)
}

func TestRouter_EventStreamRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.createSession(t)

	rec := env.do(t, http.MethodGet, "/v1/sessions/"+id+"/events", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_NotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

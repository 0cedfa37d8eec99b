package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/slights/internal/cards"
	"github.com/Seednode/slights/internal/engine"
	"github.com/Seednode/slights/internal/notify"
	"github.com/Seednode/slights/internal/store"
)

func testConfig() *Config {
	return &Config{
		advanceDelay:   time.Hour,
		bind:           "127.0.0.1",
		port:           8080,
		rateBurst:      1000,
		rateLimit:      1000,
		sessionTimeout: time.Hour,
		targetScore:    engine.DefaultTargetScore,
	}
}

func newTestServer(t *testing.T, lim *limiter) *httptest.Server {
	t.Helper()

	cfg := testConfig()
	if lim == nil {
		lim = newLimiter(cfg.rateLimit, cfg.rateBurst)
	}

	repo := store.NewMemory()
	registry := notify.NewRegistry()
	eng := engine.New(repo, cards.NewDealer(repo), notify.NewHub(registry, repo),
		engine.WithAdvanceDelay(cfg.advanceDelay))
	t.Cleanup(eng.Close)

	errs := make(chan error, 64)

	srv := httptest.NewServer(newRouter(cfg, eng, registry, lim, errs))
	t.Cleanup(srv.Close)

	return srv
}

type player struct {
	client *http.Client
	base   string
}

func newPlayer(t *testing.T, srv *httptest.Server) *player {
	t.Helper()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &player{client: &http.Client{Jar: jar}, base: srv.URL}
}

func (p *player) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, p.base+path, rd)
	require.NoError(t, err)

	resp, err := p.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, data
}

// identity asks the server for the player's public id.
func (p *player) identity(t *testing.T) string {
	t.Helper()

	status, body := p.do(t, http.MethodGet, "/me", nil)
	require.Equal(t, http.StatusOK, status)

	id := decode[meResponse](t, body).UserID
	require.NotEmpty(t, id)
	return id
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func roomPath(roomID int64, action string) string {
	return "/rooms/" + strconv.FormatInt(roomID, 10) + "/" + action
}

func TestRoomLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)
	host, alice, bob := newPlayer(t, srv), newPlayer(t, srv), newPlayer(t, srv)

	status, body := host.do(t, http.MethodPost, "/rooms", map[string]any{"targetScore": 1, "name": "Host"})
	require.Equal(t, http.StatusOK, status, string(body))
	created := decode[createResponse](t, body)
	assert.Len(t, created.Code, engine.CodeLength)
	require.NotZero(t, created.RoomID)

	for _, p := range []*player{alice, bob} {
		status, body := p.do(t, http.MethodPost, "/join", map[string]string{"code": strings.ToLower(created.Code)})
		require.Equal(t, http.StatusOK, status, string(body))
		res := decode[result](t, body)
		assert.True(t, res.Success)
		assert.Equal(t, created.RoomID, res.RoomID)
	}

	status, body = alice.do(t, http.MethodPost, roomPath(created.RoomID, "start"), nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, result{Error: "Unauthorized"}, decode[result](t, body))

	status, _ = host.do(t, http.MethodPost, roomPath(created.RoomID, "start"), nil)
	require.Equal(t, http.StatusOK, status)

	status, body = host.do(t, http.MethodGet, roomPath(created.RoomID, "state"), nil)
	require.Equal(t, http.StatusOK, status)
	gs := decode[store.GameState](t, body)
	assert.Equal(t, store.StatePlaying, gs.Room.State)
	require.NotNil(t, gs.CurrentJudge)
	assert.Equal(t, host.identity(t), gs.CurrentJudge.Identity)
	require.NotNil(t, gs.Prompt)

	for _, p := range []*player{alice, bob} {
		status, body := p.do(t, http.MethodGet, roomPath(created.RoomID, "hand"), nil)
		require.Equal(t, http.StatusOK, status)
		hand := decode[[]store.Card](t, body)
		require.Len(t, hand, engine.HandSize)

		status, _ = p.do(t, http.MethodPost, roomPath(created.RoomID, "submit"), map[string]int64{"cardId": hand[0].ID})
		require.Equal(t, http.StatusOK, status)

		status, body = p.do(t, http.MethodPost, roomPath(created.RoomID, "submit"), map[string]int64{"cardId": hand[1].ID})
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, "Card already submitted", decode[result](t, body).Error)
	}

	status, body = host.do(t, http.MethodGet, roomPath(created.RoomID, "state"), nil)
	require.Equal(t, http.StatusOK, status)
	gs = decode[store.GameState](t, body)
	require.Len(t, gs.Submissions, 2)

	status, body = alice.do(t, http.MethodPost, roomPath(created.RoomID, "judge"), map[string]int64{"submissionId": gs.Submissions[0].ID})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Only the judge can select winners", decode[result](t, body).Error)

	status, _ = host.do(t, http.MethodPost, roomPath(created.RoomID, "judge"), map[string]int64{"submissionId": gs.Submissions[0].ID})
	require.Equal(t, http.StatusOK, status)

	status, body = host.do(t, http.MethodGet, roomPath(created.RoomID, "state"), nil)
	require.Equal(t, http.StatusOK, status)
	gs = decode[store.GameState](t, body)
	assert.Equal(t, store.StateFinished, gs.Room.State)
	assert.Equal(t, 1, gs.Player(gs.Submissions[0].Player.Identity).Score)
}

func TestMe(t *testing.T) {
	srv := newTestServer(t, nil)
	alice, bob := newPlayer(t, srv), newPlayer(t, srv)

	id := alice.identity(t)
	assert.Equal(t, id, alice.identity(t), "the id is stable for one session")
	assert.NotEqual(t, id, bob.identity(t))

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	for _, c := range alice.client.Jar.Cookies(u) {
		if c.Name == playerCookieName {
			assert.NotEqual(t, id, c.Value, "the public id is not the session token")
		}
	}
}

func TestForeignCookieCannotActForHost(t *testing.T) {
	srv := newTestServer(t, nil)
	host, alice, bob := newPlayer(t, srv), newPlayer(t, srv), newPlayer(t, srv)

	status, body := host.do(t, http.MethodPost, "/rooms", nil)
	require.Equal(t, http.StatusOK, status)
	created := decode[createResponse](t, body)

	for _, p := range []*player{alice, bob} {
		status, _ := p.do(t, http.MethodPost, "/join", map[string]string{"code": created.Code})
		require.Equal(t, http.StatusOK, status)
	}

	stranger := &player{client: &http.Client{}, base: srv.URL}
	status, body = stranger.do(t, http.MethodGet, roomPath(created.RoomID, "state"), nil)
	require.Equal(t, http.StatusOK, status)
	hostID := decode[store.GameState](t, body).Room.Host
	require.Equal(t, host.identity(t), hostID)

	for _, action := range []string{"start", "leave"} {
		req, err := http.NewRequest(http.MethodPost, srv.URL+roomPath(created.RoomID, action), nil)
		require.NoError(t, err)
		req.AddCookie(&http.Cookie{Name: playerCookieName, Value: hostID})

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, action)
	}

	status, body = host.do(t, http.MethodGet, roomPath(created.RoomID, "state"), nil)
	require.Equal(t, http.StatusOK, status)
	gs := decode[store.GameState](t, body)
	assert.Equal(t, store.StateWaiting, gs.Room.State)
	assert.Equal(t, hostID, gs.Room.Host)
	assert.Len(t, gs.Players, 3)
}

func TestLeaveRoom(t *testing.T) {
	srv := newTestServer(t, nil)
	host, alice := newPlayer(t, srv), newPlayer(t, srv)

	status, body := host.do(t, http.MethodPost, "/rooms", nil)
	require.Equal(t, http.StatusOK, status)
	created := decode[createResponse](t, body)

	status, _ = alice.do(t, http.MethodPost, "/join", map[string]string{"code": created.Code})
	require.Equal(t, http.StatusOK, status)

	status, _ = host.do(t, http.MethodPost, roomPath(created.RoomID, "leave"), nil)
	require.Equal(t, http.StatusOK, status)

	status, body = alice.do(t, http.MethodGet, roomPath(created.RoomID, "state"), nil)
	require.Equal(t, http.StatusOK, status)
	gs := decode[store.GameState](t, body)
	assert.Equal(t, alice.identity(t), gs.Room.Host)
	assert.Len(t, gs.Players, 1)
}

func TestRequestErrors(t *testing.T) {
	srv := newTestServer(t, nil)
	p := newPlayer(t, srv)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		error  string
	}{
		{"unknown code", http.MethodPost, "/join", map[string]string{"code": "NOPE42"}, http.StatusNotFound, "Room not found"},
		{"missing code", http.MethodPost, "/join", map[string]string{"code": "  "}, http.StatusBadRequest, "Room code is required"},
		{"bad room id", http.MethodGet, "/rooms/abc/state", nil, http.StatusBadRequest, "Invalid room id"},
		{"unknown room", http.MethodGet, "/rooms/999/state", nil, http.StatusNotFound, "Room not found"},
		{"unknown room hand", http.MethodGet, "/rooms/999/hand", nil, http.StatusNotFound, "Room not found"},
		{"start unknown room", http.MethodPost, "/rooms/999/start", nil, http.StatusNotFound, "Room not found"},
		{"bad body", http.MethodPost, "/rooms/999/submit", "not an object", http.StatusBadRequest, "Invalid request body"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := p.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, status)

			res := decode[result](t, body)
			assert.False(t, res.Success)
			assert.Equal(t, tc.error, res.Error)
		})
	}
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, newLimiter(1, 2))
	p := newPlayer(t, srv)

	for range 2 {
		status, _ := p.do(t, http.MethodPost, "/rooms", nil)
		require.Equal(t, http.StatusOK, status)
	}

	status, body := p.do(t, http.MethodPost, "/rooms", nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "Too many requests", decode[result](t, body).Error)

	other := newPlayer(t, srv)
	status, _ = other.do(t, http.MethodPost, "/rooms", nil)
	assert.Equal(t, http.StatusTooManyRequests, status, "a fresh session shares its address's limit")
}

func TestRateLimitWithoutCookie(t *testing.T) {
	lim := newLimiter(1, 2)
	srv := newTestServer(t, lim)
	anon := &player{client: &http.Client{}, base: srv.URL}

	accepted := 0
	for range 20 {
		if status, _ := anon.do(t, http.MethodPost, "/rooms", nil); status == http.StatusOK {
			accepted++
		}
	}

	assert.LessOrEqual(t, accepted, 3)
	assert.Len(t, lim.clients, 1)
}

func TestLimiterPrune(t *testing.T) {
	lim := newLimiter(1000, 1)

	assert.True(t, lim.allow("192.0.2.1"))
	assert.False(t, lim.allow("192.0.2.1"))

	assert.Eventually(t, func() bool { return lim.prune() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, lim.clients)
}

func TestClientHost(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:4321"
	assert.Equal(t, "192.0.2.1", clientHost(r))
	assert.Equal(t, "192.0.2.1:4321", realIP(r))

	r.Header.Set("X-Real-IP", "2001:db8::1")
	assert.Equal(t, "2001:db8::1", clientHost(r))
	assert.Equal(t, "[2001:db8::1]:4321", realIP(r))
}

func TestQRCode(t *testing.T) {
	srv := newTestServer(t, nil)
	p := newPlayer(t, srv)

	status, body := p.do(t, http.MethodPost, "/rooms", nil)
	require.Equal(t, http.StatusOK, status)
	created := decode[createResponse](t, body)

	resp, err := p.client.Get(srv.URL + roomPath(created.RoomID, "qr"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	png, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
}

func TestJoinURL(t *testing.T) {
	cfg := testConfig()
	cfg.prefix = "/play"

	r := httptest.NewRequest(http.MethodGet, "http://games.example.com/rooms/1/qr", nil)
	r.Header.Set("X-Forwarded-Proto", "https")

	assert.Equal(t, "https://games.example.com/play/?room=ABC123", joinURL(cfg, r, "ABC123"))
}

func TestStaticRoutes(t *testing.T) {
	srv := newTestServer(t, nil)
	p := newPlayer(t, srv)

	status, body := p.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Ok\n", string(body))

	status, body = p.do(t, http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "slights v"+releaseVersion+"\n", string(body))

	status, body = p.do(t, http.MethodGet, "/robots.txt", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "User-agent: GPTBot")
}

// dialWS opens a websocket carrying the player's session cookie, as a
// browser would, without the test ever reading it.
func dialWS(t *testing.T, srv *httptest.Server, p *player) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{Jar: p.client.Jar, HandshakeTimeout: 5 * time.Second}

	conn, _, err := dialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func TestWebsocketPushesRoomEvents(t *testing.T) {
	srv := newTestServer(t, nil)
	host, alice := newPlayer(t, srv), newPlayer(t, srv)

	status, body := host.do(t, http.MethodPost, "/rooms", nil)
	require.Equal(t, http.StatusOK, status)
	created := decode[createResponse](t, body)

	conn := dialWS(t, srv, host)
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "auth", UserID: host.identity(t)}))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ack serverMessage
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "auth_success", ack.Type)

	status, _ = alice.do(t, http.MethodPost, "/join", map[string]string{"code": created.Code, "name": "Alice"})
	require.Equal(t, http.StatusOK, status)

	var frame notify.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, notify.PlayerJoined, frame.Event)

	data := decode[map[string]string](t, frame.Data)
	assert.Equal(t, alice.identity(t), data["userId"])
	assert.Equal(t, "Alice", data["name"])
}

func TestWebsocketRejectsWrongIdentity(t *testing.T) {
	srv := newTestServer(t, nil)
	host := newPlayer(t, srv)

	status, _ := host.do(t, http.MethodPost, "/rooms", nil)
	require.Equal(t, http.StatusOK, status)

	conn := dialWS(t, srv, host)
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "auth", UserID: "someone-else"}))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg serverMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
}

func TestWebsocketRequiresCookie(t *testing.T) {
	srv := newTestServer(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCleanName(t *testing.T) {
	assert.Equal(t, "Alice", cleanName("  Alice "))
	assert.Equal(t, strings.Repeat("é", maxNameLength), cleanName(strings.Repeat("é", maxNameLength+5)))
}

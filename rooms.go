/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/time/rate"

	"github.com/Seednode/slights/internal/engine"
)

const (
	playerCookieName = "slights_id"
	maxNameLength    = 32
)

// playerNamespace scopes the public ids derived from session tokens.
var playerNamespace = uuid.MustParse("5b0c8a52-9f1e-4d6e-8a7b-3c2f1e0d9a64")

// publicID derives the id other players see from a session token. The token
// cannot be recovered from it.
func publicID(token string) string {
	return uuid.NewSHA1(playerNamespace, []byte(token)).String()
}

// playerID returns the caller's public id, minting a session token when the
// cookie is missing or malformed.
func playerID(w http.ResponseWriter, r *http.Request) string {
	if token, ok := sessionToken(r); ok {
		return publicID(token)
	}

	token := uuid.NewString()

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return publicID(token)
}

// sessionToken returns the secret token held in the player cookie.
func sessionToken(r *http.Request) (string, bool) {
	c, err := r.Cookie(playerCookieName)
	if err != nil || c.Value == "" {
		return "", false
	}

	if _, err := uuid.Parse(c.Value); err != nil {
		return "", false
	}

	return c.Value, true
}

func cleanName(name string) string {
	name = strings.TrimSpace(name)
	for utf8.RuneCountInString(name) > maxNameLength {
		_, size := utf8.DecodeLastRuneInString(name)
		name = name[:len(name)-size]
	}
	return name
}

// limiter hands out one token bucket per client address.
type limiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*rate.Limiter
}

func newLimiter(perSecond float64, burst int) *limiter {
	return &limiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		clients: make(map[string]*rate.Limiter),
	}
}

func (l *limiter) allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.clients[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.clients[key] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}

// prune forgets clients whose bucket has refilled completely.
func (l *limiter) prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	pruned := 0
	for key, lim := range l.clients {
		if lim.Tokens() >= float64(l.burst) {
			delete(l.clients, key)
			pruned++
		}
	}
	return pruned
}

// limited rejects callers that exceed their address's rate before reaching h.
// The check comes before any session is minted, so dropping the cookie does
// not reset it.
func limited(cfg *Config, lim *limiter, errs chan<- error, h func(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity string)) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		if !lim.allow(clientHost(r)) {
			writeJSON(cfg, w, r, http.StatusTooManyRequests, result{Error: "Too many requests"}, errs)

			return
		}

		h(w, r, p, playerID(w, r))
	}
}

func roomParam(p httprouter.Params) (int64, bool) {
	id, err := strconv.ParseInt(p.ByName("roomId"), 10, 64)
	return id, err == nil && id > 0
}

type createRequest struct {
	TargetScore int    `json:"targetScore"`
	Name        string `json:"name"`
}

type createResponse struct {
	Code   string `json:"code"`
	RoomID int64  `json:"roomId"`
}

func serveCreateRoom(cfg *Config, eng *engine.Engine, errs chan<- error) func(http.ResponseWriter, *http.Request, httprouter.Params, string) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params, identity string) {
		var req createRequest
		if err := readJSON(r, &req); err != nil {
			writeError(cfg, w, r, err, errs)

			return
		}

		room, err := eng.CreateRoom(r.Context(), identity, cleanName(req.Name), req.TargetScore)
		if err != nil {
			writeError(cfg, w, r, err, errs)

			return
		}

		writeJSON(cfg, w, r, http.StatusOK, createResponse{Code: room.Code, RoomID: room.ID}, errs)
	}
}

type joinRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

func serveJoinRoom(cfg *Config, eng *engine.Engine, errs chan<- error) func(http.ResponseWriter, *http.Request, httprouter.Params, string) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params, identity string) {
		var req joinRequest
		if err := readJSON(r, &req); err != nil {
			writeError(cfg, w, r, err, errs)

			return
		}

		if engine.NormalizeCode(req.Code) == "" {
			writeError(cfg, w, r, errCodeRequired, errs)

			return
		}

		roomID, err := eng.JoinRoom(r.Context(), req.Code, identity, cleanName(req.Name))
		if err != nil {
			writeError(cfg, w, r, err, errs)

			return
		}

		writeJSON(cfg, w, r, http.StatusOK, result{Success: true, RoomID: roomID}, errs)
	}
}

// serveRoomAction handles the body-less room commands.
func serveRoomAction(cfg *Config, errs chan<- error, action func(r *http.Request, roomID int64, identity string) error) func(http.ResponseWriter, *http.Request, httprouter.Params, string) {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity string) {
		roomID, ok := roomParam(p)
		if !ok {
			badRequest(cfg, w, r, "Invalid room id", errs)

			return
		}

		if err := action(r, roomID, identity); err != nil {
			writeError(cfg, w, r, err, errs)

			return
		}

		writeJSON(cfg, w, r, http.StatusOK, result{Success: true}, errs)
	}
}

type submitRequest struct {
	CardID int64 `json:"cardId"`
}

type judgeRequest struct {
	SubmissionID int64 `json:"submissionId"`
}

func serveSubmit(cfg *Config, eng *engine.Engine, errs chan<- error) func(http.ResponseWriter, *http.Request, httprouter.Params, string) {
	return serveRoomAction(cfg, errs, func(r *http.Request, roomID int64, identity string) error {
		var req submitRequest
		if err := readJSON(r, &req); err != nil {
			return err
		}

		return eng.SubmitCard(r.Context(), roomID, identity, req.CardID)
	})
}

func serveJudge(cfg *Config, eng *engine.Engine, errs chan<- error) func(http.ResponseWriter, *http.Request, httprouter.Params, string) {
	return serveRoomAction(cfg, errs, func(r *http.Request, roomID int64, identity string) error {
		var req judgeRequest
		if err := readJSON(r, &req); err != nil {
			return err
		}

		return eng.JudgeCard(r.Context(), roomID, identity, req.SubmissionID)
	})
}

func serveState(cfg *Config, eng *engine.Engine, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		roomID, ok := roomParam(p)
		if !ok {
			badRequest(cfg, w, r, "Invalid room id", errs)

			return
		}

		gs, err := eng.State(r.Context(), roomID)
		if err != nil {
			writeError(cfg, w, r, err, errs)

			return
		}

		writeJSON(cfg, w, r, http.StatusOK, gs, errs)
	}
}

func serveHand(cfg *Config, eng *engine.Engine, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		roomID, ok := roomParam(p)
		if !ok {
			badRequest(cfg, w, r, "Invalid room id", errs)

			return
		}

		hand, err := eng.Hand(r.Context(), roomID, playerID(w, r))
		if err != nil {
			writeError(cfg, w, r, err, errs)

			return
		}

		writeJSON(cfg, w, r, http.StatusOK, hand, errs)
	}
}

type meResponse struct {
	UserID string `json:"userId"`
}

// serveMe tells the caller its public id, which the websocket handshake
// expects and which room state lists players by.
func serveMe(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeJSON(cfg, w, r, http.StatusOK, meResponse{UserID: playerID(w, r)}, errs)
	}
}

func registerRooms(cfg *Config, mux *httprouter.Router, eng *engine.Engine, lim *limiter, errs chan<- error) {
	path := cfg.prefix + "/rooms"

	mux.GET(cfg.prefix+"/me", serveMe(cfg, errs))

	mux.POST(path, limited(cfg, lim, errs, serveCreateRoom(cfg, eng, errs)))
	mux.POST(cfg.prefix+"/join", limited(cfg, lim, errs, serveJoinRoom(cfg, eng, errs)))

	mux.POST(path+"/:roomId/start", limited(cfg, lim, errs, serveRoomAction(cfg, errs,
		func(r *http.Request, roomID int64, identity string) error {
			return eng.StartGame(r.Context(), roomID, identity)
		})))
	mux.POST(path+"/:roomId/leave", limited(cfg, lim, errs, serveRoomAction(cfg, errs,
		func(r *http.Request, roomID int64, identity string) error {
			return eng.LeaveRoom(r.Context(), roomID, identity)
		})))
	mux.POST(path+"/:roomId/submit", limited(cfg, lim, errs, serveSubmit(cfg, eng, errs)))
	mux.POST(path+"/:roomId/judge", limited(cfg, lim, errs, serveJudge(cfg, eng, errs)))

	mux.GET(path+"/:roomId/state", serveState(cfg, eng, errs))
	mux.GET(path+"/:roomId/hand", serveHand(cfg, eng, errs))
	mux.GET(path+"/:roomId/qr", serveQR(cfg, eng, errs))
}

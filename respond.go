/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Seednode/slights/internal/engine"
)

const maxBodySize = 4096

type result struct {
	Success bool   `json:"success"`
	RoomID  int64  `json:"roomId,omitempty"`
	Error   string `json:"error,omitempty"`
}

func humanReadableSize(bytes int64) string {
	const unit int64 = 1000
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := unit, 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB",
		float64(bytes)/float64(div),
		"kMGTPE"[exp])
}

var (
	errInvalidBody  = &engine.Rejection{Code: "invalid_request", Message: "Invalid request body"}
	errCodeRequired = &engine.Rejection{Code: "invalid_request", Message: "Room code is required"}
)

// readJSON decodes a small request body into v. An empty body leaves v as is.
func readJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	default:
		return errInvalidBody
	}
}

func writeJSON(cfg *Config, w http.ResponseWriter, r *http.Request, status int, v any, errs chan<- error) {
	startTime := time.Now()

	data, err := json.Marshal(v)
	if err != nil {
		errs <- err
		http.Error(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	securityHeaders(cfg, w)
	w.WriteHeader(status)

	written, err := w.Write(append(data, '\n'))
	if err != nil {
		errs <- err

		return
	}

	logf(cfg, "SERVE: %s %s (%d, %s) to %s in %s",
		r.Method,
		r.URL.Path,
		status,
		humanReadableSize(int64(written)),
		realIP(r),
		time.Since(startTime).Round(time.Microsecond),
	)
}

func statusOf(rej *engine.Rejection) int {
	switch rej.Code {
	case "not_found":
		return http.StatusNotFound
	case "unauthorized", "not_a_member":
		return http.StatusForbidden
	case "room_full", "game_in_progress", "already_joined", "already_submitted", "already_judged":
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// writeError reports err to the caller. Rejections carry their own message;
// anything else is logged and hidden behind a generic one.
func writeError(cfg *Config, w http.ResponseWriter, r *http.Request, err error, errs chan<- error) {
	if rej, ok := engine.AsRejection(err); ok {
		writeJSON(cfg, w, r, statusOf(rej), result{Error: rej.Message}, errs)

		return
	}

	errs <- fmt.Errorf("%s %s: %w", r.Method, r.URL.Path, err)
	writeJSON(cfg, w, r, http.StatusInternalServerError, result{Error: "Internal server error"}, errs)
}

func badRequest(cfg *Config, w http.ResponseWriter, r *http.Request, message string, errs chan<- error) {
	writeJSON(cfg, w, r, http.StatusBadRequest, result{Error: message}, errs)
}

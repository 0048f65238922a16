// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/shelfsync/internal/fetch"
	"github.com/tomtom215/shelfsync/internal/logging"
	"github.com/tomtom215/shelfsync/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ProgressMessage is one frame of the progress stream.
type ProgressMessage struct {
	Type string         `json:"type"`
	Data fetch.Progress `json:"data"`
}

// MessageTypeProgress tags progress frames.
const MessageTypeProgress = "sync_progress"

func (rt *Router) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      rt.checkOrigin,
	}
}

// checkOrigin accepts origins allowed by the CORS configuration. Browsers
// always send Origin on websocket handshakes, so a missing one is refused.
func (rt *Router) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		logging.Ctx(r.Context()).Warn().Msg("Progress stream rejected: missing Origin header")
		return false
	}
	for _, allowed := range rt.mw.CORSAllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logging.Ctx(r.Context()).Warn().Str("origin", origin).Msg("Progress stream rejected: origin not allowed")
	return false
}

// progressStream upgrades to a websocket and forwards every fetch progress
// event until the client disconnects.
func (rt *Router) progressStream(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Progress == nil {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "progress stream unavailable", nil)
		return
	}
	up := rt.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		logging.Ctx(r.Context()).Debug().Err(err).Msg("Progress stream upgrade failed")
		return
	}

	// The request context ends when the handler returns, so the stream
	// gets its own lifetime bound to the connection.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	events, err := rt.deps.Progress.Subscribe(ctx)
	if err != nil {
		cancel()
		logging.Ctx(ctx).Error().Err(err).Msg("Progress subscription failed")
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscription failed"))
		_ = conn.Close()
		return
	}

	metrics.ProgressSubscribers.Inc()
	go readLoop(conn, cancel)
	go func() {
		defer metrics.ProgressSubscribers.Dec()
		writeLoop(ctx, conn, events)
		cancel()
	}()
}

// readLoop drains client frames so pongs and close frames are processed.
func readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn, events <-chan fetch.Progress) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case p, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ProgressMessage{Type: MessageTypeProgress, Data: p}); err != nil {
				logging.Ctx(ctx).Debug().Err(err).Msg("Progress stream write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex/events"
)

const (
	// eventBuffer is the per-connection event channel size. Events that
	// do not fit are dropped for that connection only.
	eventBuffer = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// HandleEvents handles GET /v1/docindex/events.
//
// # Description
//
// Upgrades to a websocket and streams index events as JSON objects
// (events.Event) until the client disconnects. Clients send nothing; any
// message they do send is discarded.
//
// # Query Parameters
//
//	types - Optional comma-separated event types (e.g. nodeAdded,autoHealed).
//
// # Response
//
//	101 Switching Protocols
//	400 Bad Request: Unknown event type
func (h *Handlers) HandleEvents(c *gin.Context) {
	logger := requestLogger(c, "HandleEvents")

	var types []events.Type
	if raw := c.Query("types"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			t := events.Type(strings.TrimSpace(name))
			if !slices.Contains(events.AllTypes, t) {
				c.JSON(http.StatusBadRequest, ErrorResponse{
					Error: "unknown event type: " + string(t),
					Code:  "INVALID_REQUEST",
				})
				return
			}
			types = append(types, t)
		}
	}

	// Subscribe before the handshake completes so no event emitted after
	// the client sees the upgrade is missed.
	ch, unsubscribe := h.idx.SubscribeChan(eventBuffer, types...)
	defer unsubscribe()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()
	logger.Info("Event stream client connected", "types", types)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		ws.SetReadLimit(4096)
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(ev); err != nil {
				logger.Warn("Failed to write WebSocket JSON", "error", err)
				return
			}
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			logger.Info("Event stream client disconnected")
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

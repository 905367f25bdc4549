/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	ws "nhooyr.io/websocket"

	"github.com/friendsincode/airwave/internal/auth"
	"github.com/friendsincode/airwave/internal/events"
	"github.com/friendsincode/airwave/internal/telemetry"
)

const eventsPingInterval = 15 * time.Second

// handleEvents streams the caller's broadcast and channel notifications over a websocket.
// ?types=broadcast.started,channel.advanced narrows the stream.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.UserID(r.Context())
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.APIWebSocketConnections.Inc()
	defer telemetry.APIWebSocketConnections.Dec()

	eventTypes := parseEventTypes(r.URL.Query().Get("types"))

	sub := a.bus.Subscribe(events.EventAll)
	defer a.bus.Unsubscribe(events.EventAll, sub)

	// The client sends nothing; CloseRead handles control frames and ends ctx on disconnect.
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(eventsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "context cancelled")
			return
		case <-ticker.C:
			if err := conn.Write(ctx, ws.MessageText, []byte(`{"type":"ping"}`)); err != nil {
				a.logger.Debug().Err(err).Msg("websocket ping failed")
				return
			}
		case payload, ok := <-sub:
			if !ok {
				conn.Close(ws.StatusGoingAway, "shutting down")
				return
			}
			eventType := events.EventType(payload.String("type"))
			if !visibleEvent(eventType, payload, ownerID, eventTypes) {
				continue
			}
			if err := a.writeEvent(ctx, conn, eventType, payload); err != nil {
				a.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		}
	}
}

// visibleEvent limits the stream to the caller's own engine notifications.
func visibleEvent(eventType events.EventType, payload events.Payload, ownerID string, filter []events.EventType) bool {
	switch eventType.Entity() {
	case "broadcast", "channel":
	default:
		return false
	}
	if payload.String(events.KeyOwnerID) != ownerID {
		return false
	}
	return len(filter) == 0 || slices.Contains(filter, eventType)
}

func (a *API) writeEvent(ctx context.Context, conn *ws.Conn, eventType events.EventType, payload events.Payload) error {
	data := map[string]any{
		"type":    eventType,
		"payload": payload,
	}
	bytes, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return conn.Write(ctx, ws.MessageText, bytes)
}

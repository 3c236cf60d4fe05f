package channel

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	// serverReadLimit bounds inbound requests, which are small.
	serverReadLimit = 32768
	// clientReadLimit bounds replies and monitoring chunks.
	clientReadLimit = 4 << 20

	// websocket close reasons can't be above 123 bytes
	maxCloseReason = 100
)

// eventWriter encodes envelopes onto a WebSocket connection. It is safe for concurrent use.
type eventWriter struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn
}

func (w *eventWriter) write(event, id string, data any) error {
	msg := Message{Event: event, ID: id}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encoding %s data: %w", event, err)
		}
		msg.Data = b
	}
	err := wsjson.Write(w.ctx, w.conn, &msg)
	if err != nil {
		w.log.Debugw("error writing event", "Event", event, "ID", id, "Error", err)
		return err
	}
	return nil
}

func decodeMessage(typ websocket.MessageType, b []byte) (Message, error) {
	var msg Message
	if typ != websocket.MessageText {
		return msg, fmt.Errorf("unexpected %v message", typ)
	}
	if err := json.Unmarshal(b, &msg); err != nil {
		return msg, fmt.Errorf("malformed message: %w", err)
	}
	if msg.Event == "" {
		return msg, fmt.Errorf("message has no event")
	}
	return msg, nil
}

func closeReason(reason string) string {
	if len(reason) > maxCloseReason {
		return reason[:maxCloseReason]
	}
	return reason
}

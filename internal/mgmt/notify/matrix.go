package notify

import (
	"context"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixConfig holds the homeserver connection for outbound notices.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	RoomID      string
}

// Matrix is a send-only Matrix client. It never syncs; the control plane
// only posts notices, it does not accept commands over Matrix.
type Matrix struct {
	client *mautrix.Client
	roomID string
}

// NewMatrix connects to the homeserver and joins the notification room.
func NewMatrix(cfg MatrixConfig) (*Matrix, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	m := &Matrix{client: client, roomID: cfg.RoomID}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.JoinRoomByID(ctx, id.RoomID(cfg.RoomID)); err != nil {
		return nil, fmt.Errorf("failed to join room %s: %w", cfg.RoomID, err)
	}
	return m, nil
}

// SendNotice posts a notice message, less intrusive than a normal message.
func (m *Matrix) SendNotice(roomID, message string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}
	if _, err := m.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}

// Package sync ingests server broadcasts into the local store and sends
// delivery/read receipts back.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/kazerdira/chatty/internal/bus"
	"github.com/kazerdira/chatty/internal/client/store"
	"github.com/kazerdira/chatty/internal/protocol"
	"go.uber.org/zap"
)

// Receipter is the slice of the connection manager the engine needs to
// emit status receipts.
type Receipter interface {
	SendStatusUpdate(messageID string, status protocol.MessageStatus) error
}

// Engine handles idempotent ingestion of inbound frames into the store.
// It subscribes to "conn.frame." events on the bus and processes them.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	conn   Receipter
	logger *zap.Logger
	userID string
	cancel context.CancelFunc
}

// NewEngine creates a sync engine for the given local user.
func NewEngine(db *store.DB, b *bus.Bus, conn Receipter, logger *zap.Logger, userID string) *Engine {
	return &Engine{
		db:     db,
		bus:    b,
		conn:   conn,
		logger: logger,
		userID: userID,
	}
}

// Start subscribes to inbound frames on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("conn.frame.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindFrameMessage:
		f, ok := evt.Payload.(*protocol.MessageFrame)
		if !ok {
			return
		}
		if err := e.IngestMessage(&f.Message); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", f.Message.ID))
		}
	case bus.KindFrameStatus:
		f, ok := evt.Payload.(*protocol.StatusFrame)
		if !ok {
			return
		}
		if err := e.ApplyStatus(f); err != nil {
			e.logger.Error("failed to apply status", zap.Error(err), zap.String("msg_id", f.MessageID))
		}
	case bus.KindFrameRoomUpdate:
		f, ok := evt.Payload.(*protocol.RoomUpdateFrame)
		if !ok {
			return
		}
		if err := e.ApplyRoomUpdate(f); err != nil {
			e.logger.Error("failed to apply room update", zap.Error(err), zap.String("room_id", f.RoomID))
		}
	}
}

// IngestMessage processes a single broadcast message into the store
// (idempotent) and acknowledges receipt with a delivered status update.
func (e *Engine) IngestMessage(msg *protocol.Message) error {
	content, err := protocol.DecodeContent(msg.Content)
	if err != nil {
		return fmt.Errorf("decode content: %w", err)
	}
	fromMe := msg.SenderID == e.userID

	status := msg.Status
	if status == "" {
		status = protocol.StatusDelivered
	}
	if err := e.db.UpsertMessage(&store.Message{
		RoomID:      msg.RoomID,
		MsgID:       msg.ID,
		SenderID:    msg.SenderID,
		SenderName:  msg.SenderName,
		ContentType: string(content.ContentType()),
		ContentData: string(msg.Content),
		FromMe:      fromMe,
		Status:      status,
		Timestamp:   msg.Timestamp,
	}); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	if err := e.db.TouchRoom(msg.RoomID, msg.Timestamp, protocol.Preview(content, 100)); err != nil {
		return fmt.Errorf("touch room: %w", err)
	}

	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"room_id": msg.RoomID,
			"msg_id":  msg.ID,
		},
	})

	// Receipts are best effort. A dropped receipt is re-sent the next time
	// the room is marked read.
	if !fromMe {
		if err := e.conn.SendStatusUpdate(msg.ID, protocol.StatusDelivered); err != nil {
			e.logger.Warn("delivered receipt not sent", zap.Error(err), zap.String("msg_id", msg.ID))
		}
	}
	return nil
}

// ApplyStatus records a peer's status change for one of our messages.
// Unknown message ids are ignored so receipts racing ahead of the ingest
// cannot fail the stream.
func (e *Engine) ApplyStatus(f *protocol.StatusFrame) error {
	if err := e.db.SetMessageStatusByID(f.MessageID, f.Status); err != nil {
		return err
	}
	e.bus.Publish(bus.Event{Kind: bus.KindMessageStatus, Timestamp: time.Now(), Payload: f})
	return nil
}

// ApplyRoomUpdate adopts the server's authoritative room bookkeeping.
func (e *Engine) ApplyRoomUpdate(f *protocol.RoomUpdateFrame) error {
	if err := e.db.TouchRoom(f.RoomID, f.UpdatedAt, f.Preview); err != nil {
		return err
	}
	return e.db.SetRoomUnread(f.RoomID, f.UnreadCount)
}

// MarkRead sends read receipts for every unread inbound message in the
// room, marks them read locally and zeroes the unread counter.
func (e *Engine) MarkRead(roomID string) error {
	msgs, err := e.db.ListUnreadInbound(roomID)
	if err != nil {
		return fmt.Errorf("list unread: %w", err)
	}
	for _, m := range msgs {
		if err := e.conn.SendStatusUpdate(m.MsgID, protocol.StatusRead); err != nil {
			e.logger.Warn("read receipt not sent", zap.Error(err), zap.String("msg_id", m.MsgID))
		}
		if err := e.db.SetMessageStatus(roomID, m.MsgID, protocol.StatusRead); err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
	}
	return e.db.SetRoomUnread(roomID, 0)
}

package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/kazerdira/chatty/internal/bus"
	"github.com/kazerdira/chatty/internal/client/store"
	"github.com/kazerdira/chatty/internal/protocol"
	"go.uber.org/zap"
)

// DefaultMaxRetries is the send-attempt ceiling before a message is
// abandoned.
const DefaultMaxRetries = 5

// schedule is the retry backoff: 1s, 2s, 4s, 8s, 16s, 32s cap. ForAttempt is
// stateless, so one shared instance serves every message. No jitter: the
// schedule is exact.
var schedule = &backoff.Backoff{
	Min:    time.Second,
	Max:    32 * time.Second,
	Factor: 2,
}

// Delay returns the backoff delay for a given retry count.
func Delay(retryCount int) time.Duration {
	return schedule.ForAttempt(float64(retryCount))
}

// Transport delivers one message to the server and blocks until the server
// acks it, rejects it, or the attempt fails. Implemented by conn.Manager.
type Transport interface {
	SendMessage(ctx context.Context, messageID, roomID string, content json.RawMessage, replyTo string) error
}

// Dispatcher drains the durable outbox and attempts delivery through the
// connection manager, applying the retry/backoff policy. A single loop
// goroutine performs all attempts, which structurally guarantees at most one
// in-flight attempt per outbox row.
type Dispatcher struct {
	db         *store.DB
	transport  Transport
	bus        *bus.Bus
	logger     *zap.Logger
	userID     string
	maxRetries int

	pollInterval time.Duration
	wake         chan struct{}
	cancel       context.CancelFunc
}

// NewDispatcher creates an outbox dispatcher for the given user. maxRetries
// <= 0 selects DefaultMaxRetries.
func NewDispatcher(db *store.DB, transport Transport, b *bus.Bus, logger *zap.Logger, userID string, maxRetries int) *Dispatcher {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Dispatcher{
		db:           db,
		transport:    transport,
		bus:          b,
		logger:       logger,
		userID:       userID,
		maxRetries:   maxRetries,
		pollInterval: 500 * time.Millisecond,
		wake:         make(chan struct{}, 1),
	}
}

// Enqueue durably records a message for delivery and wakes the loop.
// Returns the client-generated message id.
func (d *Dispatcher) Enqueue(roomID string, content protocol.Content) (string, error) {
	if err := protocol.ValidateContent(content); err != nil {
		return "", err
	}
	data, err := protocol.EncodeContent(content)
	if err != nil {
		return "", err
	}

	now := time.Now().UnixMilli()
	e := &store.OutboxEntry{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		SenderID:    d.userID,
		ContentType: string(content.ContentType()),
		ContentData: string(data),
		Timestamp:   now,
		CreatedAt:   now,
	}
	if err := d.db.InsertOutbox(e); err != nil {
		return "", fmt.Errorf("queue message: %w", err)
	}

	d.bus.Publish(bus.Event{Kind: bus.KindOutboxQueued, Timestamp: time.Now(), Payload: e.ID})
	d.poke()
	return e.ID, nil
}

// Resend re-queues an abandoned message with reset counters.
func (d *Dispatcher) Resend(id string) error {
	e, err := d.requireAbandoned(id)
	if err != nil {
		return err
	}
	if err := d.db.DeleteOutbox(id); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	fresh := &store.OutboxEntry{
		ID:          e.ID,
		RoomID:      e.RoomID,
		SenderID:    e.SenderID,
		ContentType: e.ContentType,
		ContentData: e.ContentData,
		Timestamp:   e.Timestamp,
		CreatedAt:   now,
	}
	if err := d.db.InsertOutbox(fresh); err != nil {
		return fmt.Errorf("requeue message: %w", err)
	}
	d.bus.Publish(bus.Event{Kind: bus.KindOutboxQueued, Timestamp: time.Now(), Payload: id})
	d.poke()
	return nil
}

// Discard drops an abandoned message without sending it.
func (d *Dispatcher) Discard(id string) error {
	if _, err := d.requireAbandoned(id); err != nil {
		return err
	}
	if err := d.db.DeleteOutbox(id); err != nil {
		return err
	}
	d.bus.Publish(bus.Event{Kind: bus.KindOutboxDiscarded, Timestamp: time.Now(), Payload: id})
	return nil
}

func (d *Dispatcher) requireAbandoned(id string) (*store.OutboxEntry, error) {
	e, err := d.db.GetOutbox(id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("outbox entry %s not found", id)
	}
	if e.Status != protocol.OutboxAbandoned {
		return nil, fmt.Errorf("outbox entry %s is %s, not abandoned", id, e.Status)
	}
	return e, nil
}

// Start begins the dispatcher loop. Rows stuck in 'sending' from a previous
// crash are re-queued first.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	if n, err := d.db.ResetStuckSending(); err != nil {
		d.logger.Error("failed to reset stuck outbox rows", zap.Error(err))
	} else if n > 0 {
		d.logger.Info("re-queued stuck outbox rows", zap.Int64("count", n))
	}

	go d.loop(ctx)
}

// Stop stops the dispatcher loop.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	// The ticker doubles as the backoff-expiry timer: eligibility is
	// re-evaluated against last_retry_at on every pass.
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	connCh, unsub := d.bus.Subscribe(bus.KindConnConnected, 16)
	defer unsub()

	for {
		select {
		case <-d.wake:
		case <-connCh:
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
		d.processPending(ctx)
	}
}

func (d *Dispatcher) poke() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// processPending walks eligible rows oldest-first. Rows within one room are
// never reordered: once a room has a skipped or failed row, its later rows
// wait for the next pass.
func (d *Dispatcher) processPending(ctx context.Context) {
	pending, err := d.db.ListPending()
	if err != nil {
		d.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	now := time.Now()
	blocked := make(map[string]bool)
	for i := range pending {
		e := &pending[i]
		if ctx.Err() != nil {
			return
		}
		if blocked[e.RoomID] {
			continue
		}
		if !d.eligible(e, now) {
			blocked[e.RoomID] = true
			continue
		}
		if !d.attempt(ctx, e) {
			blocked[e.RoomID] = true
		}
	}
}

// eligible reports whether a row may be attempted now. Pending rows always
// qualify; failed rows wait out their backoff delay.
func (d *Dispatcher) eligible(e *store.OutboxEntry, now time.Time) bool {
	switch e.Status {
	case protocol.OutboxPending:
		return true
	case protocol.OutboxFailed:
		if e.RetryCount == 0 || e.LastRetryAt == 0 {
			return true
		}
		wait := Delay(e.RetryCount - 1)
		return now.UnixMilli()-e.LastRetryAt >= wait.Milliseconds()
	default:
		return false
	}
}

// attempt performs one delivery attempt. Returns true only on server ack.
func (d *Dispatcher) attempt(ctx context.Context, e *store.OutboxEntry) bool {
	if err := d.db.UpdateOutboxStatus(e.ID, protocol.OutboxSending); err != nil {
		d.logger.Error("failed to mark sending", zap.Error(err), zap.String("msg_id", e.ID))
		return false
	}

	// Optimistic insert: show the message locally before the send completes.
	d.materialize(e, protocol.StatusSending)

	err := d.transport.SendMessage(ctx, e.ID, e.RoomID, json.RawMessage(e.ContentData), "")
	if err != nil {
		d.recordFailure(e, err)
		return false
	}

	// Ack received: the row leaves the outbox in the same statement that
	// confirms it, so no state exists where the message is both queued and
	// confirmed.
	if err := d.db.MarkSentAndRemove(e.ID); err != nil {
		d.logger.Error("failed to remove acked entry", zap.Error(err), zap.String("msg_id", e.ID))
	}
	d.materialize(e, protocol.StatusSent)

	d.logger.Info("message sent", zap.String("msg_id", e.ID), zap.String("room_id", e.RoomID))
	d.bus.Publish(bus.Event{Kind: bus.KindOutboxSent, Timestamp: time.Now(), Payload: e.ID})
	return true
}

func (d *Dispatcher) recordFailure(e *store.OutboxEntry, sendErr error) {
	newCount := e.RetryCount + 1
	now := time.Now()

	if newCount >= d.maxRetries {
		if err := d.db.IncrementOutboxRetry(e.ID, newCount, now, protocol.OutboxAbandoned); err != nil {
			d.logger.Error("failed to mark abandoned", zap.Error(err), zap.String("msg_id", e.ID))
			return
		}
		d.materialize(e, protocol.StatusFailed)
		d.logger.Error("message abandoned after retries exhausted",
			zap.String("msg_id", e.ID), zap.Int("retries", newCount), zap.Error(sendErr))
		d.bus.Publish(bus.Event{Kind: bus.KindOutboxAbandoned, Timestamp: now, Payload: e.ID})
		return
	}

	if err := d.db.IncrementOutboxRetry(e.ID, newCount, now, protocol.OutboxFailed); err != nil {
		d.logger.Error("failed to record retry", zap.Error(err), zap.String("msg_id", e.ID))
		return
	}
	d.materialize(e, protocol.StatusFailed)
	d.logger.Warn("send attempt failed",
		zap.String("msg_id", e.ID), zap.Int("retry_count", newCount),
		zap.Duration("next_retry_in", Delay(newCount-1)), zap.Error(sendErr))
	d.bus.Publish(bus.Event{Kind: bus.KindOutboxFailed, Timestamp: now, Payload: e.ID})
}

// materialize mirrors the outbox entry into the local messages table and
// bumps the room, so the UI reflects the in-progress send.
func (d *Dispatcher) materialize(e *store.OutboxEntry, st protocol.MessageStatus) {
	if err := d.db.UpsertMessage(&store.Message{
		RoomID:      e.RoomID,
		MsgID:       e.ID,
		SenderID:    d.userID,
		ContentType: e.ContentType,
		ContentData: e.ContentData,
		FromMe:      true,
		Status:      st,
		Timestamp:   e.Timestamp,
	}); err != nil {
		d.logger.Error("failed to materialize message", zap.Error(err), zap.String("msg_id", e.ID))
		return
	}

	preview := ""
	if c, err := protocol.DecodeContent([]byte(e.ContentData)); err == nil {
		preview = protocol.Preview(c, 100)
	}
	_ = d.db.TouchRoom(e.RoomID, e.Timestamp, preview)

	d.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload:   map[string]string{"room_id": e.RoomID, "msg_id": e.ID},
	})
}

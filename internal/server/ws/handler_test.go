package ws

import (
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kazerdira/chatty/internal/protocol"
	"github.com/kazerdira/chatty/internal/server/chat"
	"github.com/kazerdira/chatty/internal/server/fanout"
	"github.com/kazerdira/chatty/internal/server/registry"
	"github.com/kazerdira/chatty/internal/server/store"
	"go.uber.org/zap"
)

type testServer struct {
	db  *store.DB
	url string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	reg := registry.New(logger)
	svc := chat.NewService(db, logger)
	fo := fanout.New(db, reg, logger)
	h := NewHandler(db, svc, reg, fo, logger)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return &testServer{
		db:  db,
		url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func (ts *testServer) addUser(t *testing.T, id, token string) {
	t.Helper()
	if err := ts.db.UpsertUser(&store.User{ID: id, Name: "User " + id, Token: token}); err != nil {
		t.Fatal(err)
	}
}

func dial(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(ts.url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeFrame(t *testing.T, c *websocket.Conn, f protocol.ClientFrame) {
	t.Helper()
	data, err := protocol.EncodeClientFrame(f)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

func readFrame(t *testing.T, c *websocket.Conn) protocol.ServerFrame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	f, err := protocol.DecodeServerFrame(data)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

// login dials and completes the authenticate handshake.
func login(t *testing.T, ts *testServer, userID, token string) *websocket.Conn {
	t.Helper()
	c := dial(t, ts)
	writeFrame(t, c, protocol.AuthenticateFrame{UserID: userID, Token: token})
	return c
}

func textFrame(t *testing.T, id, room, body string) protocol.SendMessageFrame {
	t.Helper()
	content, err := protocol.EncodeContent(protocol.TextContent{Body: body})
	if err != nil {
		t.Fatal(err)
	}
	return protocol.SendMessageFrame{MessageID: id, RoomID: room, Content: content}
}

func TestFirstFrameMustAuthenticate(t *testing.T) {
	ts := newTestServer(t)
	ts.addUser(t, "alice", "tok")
	c := dial(t, ts)

	writeFrame(t, c, textFrame(t, "m1", "r1", "sneaky"))

	f := readFrame(t, c)
	ef, ok := f.(*protocol.ErrorFrame)
	if !ok || ef.Code != "auth_failed" {
		t.Errorf("frame = %+v, want auth_failed error", f)
	}
	// Connection is closed afterwards.
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := c.ReadMessage(); err == nil {
		t.Error("connection survived failed auth")
	}
}

func TestBadCredentialsRejected(t *testing.T) {
	ts := newTestServer(t)
	ts.addUser(t, "alice", "tok")
	c := dial(t, ts)

	writeFrame(t, c, protocol.AuthenticateFrame{UserID: "alice", Token: "wrong"})

	f := readFrame(t, c)
	if ef, ok := f.(*protocol.ErrorFrame); !ok || ef.Code != "auth_failed" {
		t.Errorf("frame = %+v, want auth_failed error", f)
	}
}

func TestSendAckAndBroadcast(t *testing.T) {
	ts := newTestServer(t)
	ts.addUser(t, "alice", "tok-a")
	ts.addUser(t, "bob", "tok-b")

	alice := login(t, ts, "alice", "tok-a")
	bob := login(t, ts, "bob", "tok-b")
	writeFrame(t, alice, protocol.JoinRoomFrame{RoomID: "r1"})
	writeFrame(t, bob, protocol.JoinRoomFrame{RoomID: "r1"})
	// Joins are processed in order on each connection; the next send on
	// alice's connection cannot overtake her join. Give bob's join a
	// moment since it rides a different connection.
	time.Sleep(100 * time.Millisecond)

	writeFrame(t, alice, textFrame(t, "m1", "r1", "hello bob"))

	// Sender gets the ack with the server timestamp.
	f := readFrame(t, alice)
	ack, ok := f.(*protocol.AckFrame)
	if !ok || ack.MessageID != "m1" || ack.Timestamp == 0 {
		t.Fatalf("frame = %+v, want ack for m1", f)
	}

	// Recipient gets the message then the room bookkeeping.
	f = readFrame(t, bob)
	mf, ok := f.(*protocol.MessageFrame)
	if !ok {
		t.Fatalf("frame = %T, want MessageFrame", f)
	}
	if mf.Message.ID != "m1" || mf.Message.SenderID != "alice" || mf.Message.SenderName != "User alice" {
		t.Errorf("message = %+v", mf.Message)
	}
	f = readFrame(t, bob)
	rf, ok := f.(*protocol.RoomUpdateFrame)
	if !ok || rf.UnreadCount != 1 {
		t.Errorf("frame = %+v, want room update with unread 1", f)
	}
}

func TestDuplicateSendReAcksWithoutRebroadcast(t *testing.T) {
	ts := newTestServer(t)
	ts.addUser(t, "alice", "tok-a")
	ts.addUser(t, "bob", "tok-b")

	alice := login(t, ts, "alice", "tok-a")
	bob := login(t, ts, "bob", "tok-b")
	writeFrame(t, alice, protocol.JoinRoomFrame{RoomID: "r1"})
	writeFrame(t, bob, protocol.JoinRoomFrame{RoomID: "r1"})
	time.Sleep(100 * time.Millisecond)

	writeFrame(t, alice, textFrame(t, "m1", "r1", "hello"))
	first, ok := readFrame(t, alice).(*protocol.AckFrame)
	if !ok {
		t.Fatal("no ack for first send")
	}
	readFrame(t, bob) // message
	readFrame(t, bob) // room update

	// Client retries after a lost ack.
	writeFrame(t, alice, textFrame(t, "m1", "r1", "hello"))
	second, ok := readFrame(t, alice).(*protocol.AckFrame)
	if !ok {
		t.Fatal("no ack for retry")
	}
	if second.Timestamp != first.Timestamp {
		t.Errorf("retry ack timestamp %d != original %d", second.Timestamp, first.Timestamp)
	}

	// bob must not see the message twice.
	_ = bob.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := bob.ReadMessage(); err == nil {
		t.Error("duplicate send was re-broadcast")
	}
}

func TestSendToUnknownRoomRejected(t *testing.T) {
	ts := newTestServer(t)
	ts.addUser(t, "alice", "tok")

	alice := login(t, ts, "alice", "tok")
	writeFrame(t, alice, textFrame(t, "m1", "ghost", "hi"))

	f := readFrame(t, alice)
	rej, ok := f.(*protocol.RejectFrame)
	if !ok || rej.MessageID != "m1" || rej.Reason != chat.ReasonUnknownRoom {
		t.Errorf("frame = %+v, want unknown_room reject", f)
	}
}

func TestReadReceiptRoutedToSender(t *testing.T) {
	ts := newTestServer(t)
	ts.addUser(t, "alice", "tok-a")
	ts.addUser(t, "bob", "tok-b")

	alice := login(t, ts, "alice", "tok-a")
	bob := login(t, ts, "bob", "tok-b")
	writeFrame(t, alice, protocol.JoinRoomFrame{RoomID: "r1"})
	writeFrame(t, bob, protocol.JoinRoomFrame{RoomID: "r1"})
	time.Sleep(100 * time.Millisecond)

	writeFrame(t, alice, textFrame(t, "m1", "r1", "hello"))
	readFrame(t, alice) // ack
	readFrame(t, bob)   // message
	readFrame(t, bob)   // room update

	writeFrame(t, bob, protocol.StatusUpdateFrame{MessageID: "m1", Status: protocol.StatusRead})

	f := readFrame(t, alice)
	sf, ok := f.(*protocol.StatusFrame)
	if !ok || sf.MessageID != "m1" || sf.UserID != "bob" || sf.Status != protocol.StatusRead {
		t.Errorf("frame = %+v, want bob's read receipt", f)
	}

	// Duplicate receipt is absorbed.
	writeFrame(t, bob, protocol.StatusUpdateFrame{MessageID: "m1", Status: protocol.StatusRead})
	_ = alice.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := alice.ReadMessage(); err == nil {
		t.Error("duplicate receipt forwarded")
	}
}

func TestUnparseableFrameKeepsConnection(t *testing.T) {
	ts := newTestServer(t)
	ts.addUser(t, "alice", "tok")

	alice := login(t, ts, "alice", "tok")
	writeFrame(t, alice, protocol.JoinRoomFrame{RoomID: "r1"})
	time.Sleep(100 * time.Millisecond)

	if err := alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"quantum"}`)); err != nil {
		t.Fatal(err)
	}
	f := readFrame(t, alice)
	if ef, ok := f.(*protocol.ErrorFrame); !ok || ef.Code != "bad_frame" {
		t.Fatalf("frame = %+v, want bad_frame error", f)
	}

	// The connection still works.
	writeFrame(t, alice, textFrame(t, "m1", "r1", "still here"))
	if _, ok := readFrame(t, alice).(*protocol.AckFrame); !ok {
		t.Error("no ack after bad frame")
	}
}

func TestTypingRelayedToOthers(t *testing.T) {
	ts := newTestServer(t)
	ts.addUser(t, "alice", "tok-a")
	ts.addUser(t, "bob", "tok-b")

	alice := login(t, ts, "alice", "tok-a")
	bob := login(t, ts, "bob", "tok-b")
	writeFrame(t, alice, protocol.JoinRoomFrame{RoomID: "r1"})
	writeFrame(t, bob, protocol.JoinRoomFrame{RoomID: "r1"})
	time.Sleep(100 * time.Millisecond)

	writeFrame(t, alice, protocol.TypingFrame{RoomID: "r1", IsTyping: true})

	f := readFrame(t, bob)
	tf, ok := f.(*protocol.TypingEchoFrame)
	if !ok || tf.UserID != "alice" || !tf.IsTyping {
		t.Errorf("frame = %+v, want alice typing", f)
	}
}

package fanout

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kazerdira/chatty/internal/protocol"
	"github.com/kazerdira/chatty/internal/server/registry"
	"github.com/kazerdira/chatty/internal/server/store"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
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
	return db
}

func connect(t *testing.T, reg *registry.Registry, userID string) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		s := registry.NewSession(userID, conn, zap.NewNop())
		reg.Add(s)
		t.Cleanup(s.Close)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })

	// Wait until the handler registered the session.
	deadline := time.Now().Add(3 * time.Second)
	for !reg.Online(userID) {
		if time.Now().After(deadline) {
			t.Fatal("session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return client
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

func sendMessage(t *testing.T, db *store.DB, id, room, sender string) *store.MessageView {
	t.Helper()
	if _, err := db.CreateMessage(&store.Message{
		ID: id, RoomID: room, SenderID: sender,
		ContentType: "text", ContentData: `{"type":"text","body":"hello"}`,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}
	v, err := db.GetMessageView(id)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func seedRoom(t *testing.T, db *store.DB, roomID string, members ...string) {
	t.Helper()
	if err := db.CreateRoom(&store.Room{ID: roomID}); err != nil {
		t.Fatal(err)
	}
	for _, id := range members {
		if err := db.UpsertUser(&store.User{ID: id, Name: "User " + id, Token: "tok"}); err != nil {
			t.Fatal(err)
		}
		if err := db.AddMember(roomID, id); err != nil {
			t.Fatal(err)
		}
	}
}

func TestBroadcastMessageReachesOtherMembers(t *testing.T) {
	db := testDB(t)
	reg := registry.New(zap.NewNop())
	seedRoom(t, db, "r1", "alice", "bob", "carol")

	bobConn := connect(t, reg, "bob")
	// carol stays offline; fanout must skip her silently.

	co := New(db, reg, zap.NewNop())
	view := sendMessage(t, db, "m1", "r1", "alice")
	if err := co.BroadcastMessage(view); err != nil {
		t.Fatal(err)
	}

	// bob receives the message frame then his room bookkeeping.
	f := readFrame(t, bobConn)
	mf, ok := f.(*protocol.MessageFrame)
	if !ok {
		t.Fatalf("first frame = %T, want MessageFrame", f)
	}
	if mf.Message.ID != "m1" || mf.Message.SenderName != "User alice" {
		t.Errorf("message = %+v", mf.Message)
	}

	f = readFrame(t, bobConn)
	rf, ok := f.(*protocol.RoomUpdateFrame)
	if !ok {
		t.Fatalf("second frame = %T, want RoomUpdateFrame", f)
	}
	if rf.RoomID != "r1" || rf.UnreadCount != 1 || rf.Preview != "hello" {
		t.Errorf("room update = %+v", rf)
	}
}

func TestBroadcastMessageSkipsSender(t *testing.T) {
	db := testDB(t)
	reg := registry.New(zap.NewNop())
	seedRoom(t, db, "r1", "alice", "bob")

	aliceConn := connect(t, reg, "alice")
	bobConn := connect(t, reg, "bob")

	co := New(db, reg, zap.NewNop())
	if err := co.BroadcastMessage(sendMessage(t, db, "m1", "r1", "alice")); err != nil {
		t.Fatal(err)
	}

	readFrame(t, bobConn) // message
	readFrame(t, bobConn) // room update

	// The sender's own session gets nothing.
	_ = aliceConn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, _, err := aliceConn.ReadMessage(); err == nil {
		t.Error("sender received own broadcast")
	}
}

func TestRouteReceiptReachesAllSenderSessions(t *testing.T) {
	db := testDB(t)
	reg := registry.New(zap.NewNop())
	seedRoom(t, db, "r1", "alice", "bob")

	first := connect(t, reg, "alice")
	second := connect(t, reg, "alice")

	co := New(db, reg, zap.NewNop())
	co.RouteReceipt("alice", &protocol.StatusFrame{
		MessageID: "m1", UserID: "bob", Status: protocol.StatusRead,
	})

	for _, c := range []*websocket.Conn{first, second} {
		f := readFrame(t, c)
		sf, ok := f.(*protocol.StatusFrame)
		if !ok || sf.MessageID != "m1" || sf.Status != protocol.StatusRead {
			t.Errorf("frame = %+v", f)
		}
	}
}

func TestBroadcastTypingExcludesTypist(t *testing.T) {
	db := testDB(t)
	reg := registry.New(zap.NewNop())
	seedRoom(t, db, "r1", "alice", "bob")

	aliceConn := connect(t, reg, "alice")
	bobConn := connect(t, reg, "bob")

	co := New(db, reg, zap.NewNop())
	if err := co.BroadcastTyping("r1", "alice", true); err != nil {
		t.Fatal(err)
	}

	f := readFrame(t, bobConn)
	tf, ok := f.(*protocol.TypingEchoFrame)
	if !ok || tf.UserID != "alice" || !tf.IsTyping {
		t.Errorf("frame = %+v", f)
	}

	_ = aliceConn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, _, err := aliceConn.ReadMessage(); err == nil {
		t.Error("typist received own indicator")
	}
}

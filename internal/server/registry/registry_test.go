package registry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kazerdira/chatty/internal/protocol"
	"go.uber.org/zap"
)

// wsPair upgrades one connection and returns the server-side session plus
// the client side for reading.
func wsPair(t *testing.T, userID string) (*Session, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	sessCh := make(chan *Session, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		sessCh <- NewSession(userID, conn, zap.NewNop())
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case s := <-sessCh:
		t.Cleanup(s.Close)
		return s, client
	case <-time.After(3 * time.Second):
		t.Fatal("no session")
		return nil, nil
	}
}

func TestSessionSendReachesClient(t *testing.T) {
	s, client := wsPair(t, "alice")

	if !s.Send(&protocol.AckFrame{MessageID: "m1", Timestamp: 42}) {
		t.Fatal("send refused")
	}

	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	f, err := protocol.DecodeServerFrame(data)
	if err != nil {
		t.Fatal(err)
	}
	ack, ok := f.(*protocol.AckFrame)
	if !ok || ack.MessageID != "m1" {
		t.Errorf("frame = %+v", f)
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	s, _ := wsPair(t, "alice")

	s.Close()
	s.Close() // must not panic

	select {
	case <-s.Done():
	default:
		t.Error("done not closed")
	}
	if s.Send(&protocol.AckFrame{MessageID: "m1"}) {
		t.Error("send succeeded on closed session")
	}
}

func TestRegistryAddRemove(t *testing.T) {
	r := New(zap.NewNop())
	a1, _ := wsPair(t, "alice")
	a2, _ := wsPair(t, "alice")
	b1, _ := wsPair(t, "bob")

	r.Add(a1)
	r.Add(a2)
	r.Add(b1)

	if n := len(r.Sessions("alice")); n != 2 {
		t.Errorf("alice sessions = %d, want 2", n)
	}
	if !r.Online("bob") || r.Online("carol") {
		t.Error("online bookkeeping wrong")
	}
	if r.Count() != 3 {
		t.Errorf("count = %d, want 3", r.Count())
	}

	r.Remove(a1)
	r.Remove(a1) // double remove is a no-op
	if n := len(r.Sessions("alice")); n != 1 {
		t.Errorf("alice sessions = %d, want 1", n)
	}

	r.Remove(a2)
	if r.Online("alice") {
		t.Error("alice still online with no sessions")
	}
}

func TestRegistrySessionsSnapshotIsolated(t *testing.T) {
	r := New(zap.NewNop())
	a1, _ := wsPair(t, "alice")
	r.Add(a1)

	snap := r.Sessions("alice")
	r.Remove(a1)
	// The earlier snapshot is unaffected by the removal.
	if len(snap) != 1 {
		t.Errorf("snapshot = %d sessions, want 1", len(snap))
	}
}

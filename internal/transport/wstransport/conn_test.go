package wstransport

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/altpool-go/internal/json"
	"github.com/lk2023060901/altpool-go/internal/transport"
	"github.com/lk2023060901/altpool-go/pkg/util/merr"
)

// newServer starts an endpoint that answers login_start with login_success,
// pushes one chat frame, echoes every received frame name back to received
// and then closes once it sees a "quit" frame.
func newServer(t *testing.T, received chan<- frame) (string, int) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				return
			}
			received <- f
			switch f.Name {
			case FrameLoginStart:
				reply, _ := json.Marshal(frame{Name: transport.PacketLoginSuccess, Data: map[string]any{
					"username": "Steve", "uuid": "u-1", "token": "tok-2",
				}})
				_ = ws.WriteMessage(websocket.TextMessage, reply)
				chat, _ := json.Marshal(frame{Name: transport.PacketChat, Data: map[string]any{"message": "hello"}})
				_ = ws.WriteMessage(websocket.TextMessage, chat)
			case "quit":
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func nextEvent(t *testing.T, ch <-chan transport.Event) transport.Event {
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event stream closed early")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestDialLoginChatAndEnd(t *testing.T) {
	received := make(chan frame, 16)
	host, port := newServer(t, received)

	cacheDir := t.TempDir()
	require.NoError(t, writeToken(cacheDir, "tok-1"))

	d := NewDialer(Config{PingInterval: -1})
	conn, err := d.Dial(transport.Options{Host: host, Port: port, Identity: "alice@example.com", CacheDir: cacheDir})
	require.NoError(t, err)
	defer conn.Close()

	login := <-received
	assert.Equal(t, FrameLoginStart, login.Name)
	assert.Equal(t, "alice@example.com", login.Data["username"])
	assert.Equal(t, "tok-1", login.Data["token"])

	ev := nextEvent(t, conn.Events())
	pkt, ok := ev.(transport.Packet)
	require.True(t, ok)
	assert.Equal(t, transport.PacketLoginSuccess, pkt.Name)

	ev = nextEvent(t, conn.Events())
	assert.Equal(t, transport.Login{Username: "Steve", UUID: "u-1"}, ev)

	ev = nextEvent(t, conn.Events())
	pkt, ok = ev.(transport.Packet)
	require.True(t, ok)
	assert.Equal(t, transport.PacketChat, pkt.Name)
	assert.Equal(t, "hello", pkt.Data["message"])

	token, err := readToken(cacheDir)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token)

	require.NoError(t, conn.Write(transport.PacketChat, map[string]any{"message": "/bal"}))
	got := <-received
	assert.Equal(t, transport.PacketChat, got.Name)
	assert.Equal(t, "/bal", got.Data["message"])

	require.NoError(t, conn.Write("quit", nil))
	<-received
	ev = nextEvent(t, conn.Events())
	end, ok := ev.(transport.End)
	require.True(t, ok, "expected End, got %#v", ev)
	assert.Equal(t, "socket closed by remote", end.Reason)

	_, open := <-conn.Events()
	assert.False(t, open)
}

func TestDialRejectsBadOptions(t *testing.T) {
	d := NewDialer(Config{})
	_, err := d.Dial(transport.Options{Host: "", Port: 1, Identity: "x"})
	assert.ErrorIs(t, err, merr.ErrParameterInvalid)
	_, err = d.Dial(transport.Options{Host: "h", Port: 1})
	assert.ErrorIs(t, err, merr.ErrParameterMissing)
}

func TestHandshakeFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	require.NoError(t, l.Close())

	d := NewDialer(Config{HandshakeTimeout: time.Second})
	conn, err := d.Dial(transport.Options{Host: "127.0.0.1", Port: addr.Port, Identity: "x"})
	require.NoError(t, err)

	ev := nextEvent(t, conn.Events())
	e, ok := ev.(transport.Error)
	require.True(t, ok)
	var se *StageError
	require.ErrorAs(t, e.Err, &se)
	assert.Equal(t, StageHandshake, se.Stage)

	ev = nextEvent(t, conn.Events())
	assert.IsType(t, transport.End{}, ev)
}

func TestCloseIsIdempotent(t *testing.T) {
	received := make(chan frame, 16)
	host, port := newServer(t, received)

	conn, err := NewDialer(Config{}).Dial(transport.Options{Host: host, Port: port, Identity: "x", CacheDir: t.TempDir()})
	require.NoError(t, err)
	<-received
	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Write(transport.PacketChat, nil), merr.ErrTransportClosed)
}

func TestTokenFiles(t *testing.T) {
	dir := t.TempDir()
	token, err := readToken(dir)
	require.NoError(t, err)
	assert.Empty(t, token)

	require.NoError(t, os.WriteFile(filepath.Join(dir, tokenFileName), []byte("{"), 0o600))
	_, err = readToken(dir)
	assert.Error(t, err)

	token, err = readToken("")
	assert.NoError(t, err)
	assert.Empty(t, token)
}

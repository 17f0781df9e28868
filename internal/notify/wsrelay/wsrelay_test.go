package wsrelay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/vrcjournal/vrcjournal/internal/notify"
)

func dialRelay(t *testing.T, r *Relay) (*httptest.Server, *websocket.Conn) {
	t.Helper()
	srv := httptest.NewServer(r.Handler())
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return srv, conn
}

func TestRelayForwardsQueuedEvents(t *testing.T) {
	r := NewRelay(10*time.Millisecond, 0)
	srv, conn := dialRelay(t, r)
	defer srv.Close()
	defer conn.Close()

	// Give the server time to register the client before queuing.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, r.ClientCount())

	r.queue(notify.UserAuthenticated{ExtUserID: "usr_1", DisplayName: "Alice"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), "user_authenticated")
	require.Contains(t, string(data), "usr_1")
}

func TestRelayMaxConnectionsRejectsExtra(t *testing.T) {
	r := NewRelay(time.Hour, 1)
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn1, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn1.Close()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, r.ClientCount())

	conn2, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn2.Close()

	conn2.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn2.ReadMessage()
	require.Error(t, err, "second connection should be closed by the server")
}

func TestRunDrainsSinkUntilCancel(t *testing.T) {
	r := NewRelay(5*time.Millisecond, 0)
	sink := notify.NewSink(4)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Run(ctx, sink)
		close(done)
	}()

	sink.Send(notify.Ready{})
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

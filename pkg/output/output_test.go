package output

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// TestForwarder_ForwardRecord_WritesVerbatimTextFrame exercises the
// contract-only gateway helper end to end against a real WebSocket
// connection, standing in for the out-of-scope gateway's own server side.
func TestForwarder_ForwardRecord_WritesVerbatimTextFrame(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan []byte, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		received <- data
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	forwarder := NewForwarder(conn)
	require.NoError(t, forwarder.ForwardRecord([]byte(`{"lat":1.5,"lon":2.5}`)))

	select {
	case data := <-received:
		require.JSONEq(t, `{"lat":1.5,"lon":2.5}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("server never received forwarded record")
	}
}

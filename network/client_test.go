package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"masterkit/protocol"
)

// silentMaster upgrades connections and reads frames without ever
// answering, standing in for an unresponsive master.
func silentMaster(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_Run_Enforces_Request_Timeouts(t *testing.T) {
	req := require.New(t)
	acks := NewAckRegistry(testLogger(), 20*time.Millisecond)
	client := NewClient(testLogger(), silentMaster(t), acks, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req.NoError(client.Connect(ctx))
	defer client.Close()
	go func() { _ = client.Run(ctx) }()

	// When the master never answers a request with a short timeout
	status := make(chan protocol.ResponseStatus, 1)
	client.SendRequest(protocol.NewMessage(protocol.OpAuthenticate, nil), func(s protocol.ResponseStatus, m *IncomingMessage) {
		status <- s
	}, 50*time.Millisecond)

	// Then the sweep fires the handler with Timeout and drops the entry
	select {
	case s := <-status:
		req.Equal(protocol.StatusTimeout, s)
	case <-time.After(2 * time.Second):
		req.Fail("request never timed out")
	}
	req.Zero(acks.Pending())
}

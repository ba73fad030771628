package events

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := NewHub(zap.NewNop())
	r := gin.New()
	r.GET("/events", hub.ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
}

func TestHubDeliversSubscribedTopics(t *testing.T) {
	hub, url := startHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?topic=bounty-1", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(Event{Type: TypeBountyFunded, Topic: "bounty-2"})
	hub.Publish(Event{Type: TypePayoutConfirmed, Topic: "bounty-1", TxHash: "0xabc", Status: "confirmed"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, TypePayoutConfirmed, got.Type)
	assert.Equal(t, "0xabc", got.TxHash)
	assert.False(t, got.Timestamp.IsZero())
}

func TestHubSubscribeMessage(t *testing.T) {
	hub, url := startHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?topic=none", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(controlMessage{Action: "subscribe", Topics: []string{"0xdoc"}}))

	// the subscription is applied asynchronously, so publish until it lands
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	received := make(chan Event, 1)
	go func() {
		var e Event
		if conn.ReadJSON(&e) == nil {
			received <- e
		}
	}()
	require.Eventually(t, func() bool {
		hub.Publish(Event{Type: TypeDocumentSigned, Topic: "0xdoc"})
		select {
		case e := <-received:
			return e.Type == TypeDocumentSigned
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNopPublisher(t *testing.T) {
	assert.NotPanics(t, func() { Nop().Publish(Event{Type: TypeBountyCreated}) })
}

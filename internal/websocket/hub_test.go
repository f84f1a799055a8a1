package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"turbomail/backend/internal/domain"
	"turbomail/backend/internal/monitoring"
)

func newTestClient(h *Hub) *Client {
	return &Client{
		ID:       uuid.NewString(),
		send:     make(chan []byte, 256),
		hub:      h,
		channels: make(map[string]bool),
		log:      zap.NewNop(),
	}
}

// waitForMessage 从客户端的发送队列里取出第一条指定类型的消息。
func waitForMessage(t *testing.T, c *Client, want MessageType) *Message {
	t.Helper()

	deadline := time.After(time.Second)
	for {
		select {
		case data := <-c.send:
			var msg Message
			require.NoError(t, json.Unmarshal(data, &msg))
			if msg.Type == want {
				return &msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s message", want)
			return nil
		}
	}
}

func TestHubDeliversToSubscribedChannel(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	subscribed := newTestClient(hub)
	other := newTestClient(hub)
	hub.register <- subscribed
	hub.register <- other

	subscribed.subscribe("dev1")
	other.subscribe("dev2")

	hub.NotifyNewMail("dev1", &domain.MessageSummary{
		MessageID: "msg-1",
		DeviceID:  "dev1",
		Alias:     "a@turbo.mail",
		Subject:   "hi",
	})

	msg := waitForMessage(t, subscribed, MessageTypeNewMail)
	assert.Equal(t, "dev1", msg.Channel)

	var summary domain.MessageSummary
	require.NoError(t, json.Unmarshal(msg.Data, &summary))
	assert.Equal(t, "msg-1", summary.MessageID)

	// dev2 的订阅方收不到 dev1 的事件
	waitForMessage(t, other, MessageTypeSubscribed)
	select {
	case data := <-other.send:
		var stray Message
		require.NoError(t, json.Unmarshal(data, &stray))
		assert.NotEqual(t, MessageTypeNewMail, stray.Type)
	default:
	}
}

// 广播与各连接 readPump 的订阅变更并发进行，
// 此用例在 -race 下守护订阅表的加锁纪律。
func TestHubBroadcastDuringSubscriptionChurn(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	clients := make([]*Client, 8)
	for i := range clients {
		c := newTestClient(hub)
		hub.register <- c
		clients[i] = c
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.subscribe("dev1")
				c.unsubscribe("dev1")
			}
		}(c)
	}

	summary := &domain.MessageSummary{MessageID: "msg-1", DeviceID: "dev1", Alias: "a@turbo.mail"}
	for i := 0; i < 200; i++ {
		hub.NotifyNewMail("dev1", summary)
	}
	wg.Wait()
}

func TestHubTracksClientGauge(t *testing.T) {
	metrics := monitoring.NewMetrics()
	hub := NewHub(nil, metrics, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	first := newTestClient(hub)
	second := newTestClient(hub)
	hub.register <- first
	hub.register <- second

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.WebsocketClients) == 2
	}, time.Second, 10*time.Millisecond)

	hub.unregister <- first
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.WebsocketClients) == 1
	}, time.Second, 10*time.Millisecond)
}

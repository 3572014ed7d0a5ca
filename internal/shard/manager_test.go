package shard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebgardner/discordlink/internal/gateway"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

type identifyRecord struct {
	Shard [2]int
	At    time.Time
}

// newPoolServer accepts gateway connections, walks each through
// hello/identify/ready, and reports every identify it sees.
func newPoolServer(t *testing.T, identifies chan<- identifyRecord, closeCode int) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		if closeCode != 0 {
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeCode, "rejected"),
				time.Now().Add(time.Second))
			return
		}

		ws.WriteMessage(websocket.TextMessage,
			[]byte(`{"op":10,"d":{"heartbeat_interval":60000}}`))

		ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env struct {
			Op int `json:"op"`
			D  struct {
				Token string `json:"token"`
				Shard [2]int `json:"shard"`
			} `json:"d"`
		}
		if json.Unmarshal(data, &env) != nil || env.Op != 2 {
			return
		}
		identifies <- identifyRecord{Shard: env.D.Shard, At: time.Now()}

		ready := fmt.Sprintf(
			`{"op":0,"s":1,"t":"READY","d":{"session_id":"sess-%d"}}`, env.D.Shard[0])
		ws.WriteMessage(websocket.TextMessage, []byte(ready))
		dispatch := fmt.Sprintf(
			`{"op":0,"s":2,"t":"MESSAGE_CREATE","d":{"shard":%d}}`, env.D.Shard[0])
		ws.WriteMessage(websocket.TextMessage, []byte(dispatch))

		ws.SetReadDeadline(time.Time{})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testPoolConfig(url string, shards int) Config {
	return Config{
		GatewayURL:       url,
		Token:            "pool-token",
		ShardCount:       shards,
		ConnectTimeout:   5 * time.Second,
		IdentifyInterval: 150 * time.Millisecond,
		EventBufferSize:  64,
		Backoff: gateway.Backoff{
			Initial: 10 * time.Millisecond,
			Factor:  2.0,
			Cap:     50 * time.Millisecond,
		},
	}
}

func TestManagerValidation(t *testing.T) {
	_, err := NewManager(Config{ShardCount: 0, Token: "x"}, nil)
	assert.Error(t, err)

	_, err = NewManager(Config{ShardCount: 1}, nil)
	assert.Error(t, err)
}

func TestManagerStaggersIdentifies(t *testing.T) {
	const shards = 3
	identifies := make(chan identifyRecord, shards)
	url := newPoolServer(t, identifies, 0)

	m, err := NewManager(testPoolConfig(url, shards), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop(context.Background())

	var records []identifyRecord
	for i := 0; i < shards; i++ {
		select {
		case rec := <-identifies:
			records = append(records, rec)
		case <-time.After(10 * time.Second):
			t.Fatalf("only %d of %d shards identified", i, shards)
		}
	}

	// Every shard index identifies exactly once, with the shared count.
	seen := map[int]bool{}
	for _, rec := range records {
		assert.Equal(t, shards, rec.Shard[1])
		assert.False(t, seen[rec.Shard[0]], "shard %d identified twice", rec.Shard[0])
		seen[rec.Shard[0]] = true
	}

	// Identifies pass through the shared gate one per interval.
	sort.Slice(records, func(i, j int) bool { return records[i].At.Before(records[j].At) })
	for i := 1; i < len(records); i++ {
		gap := records[i].At.Sub(records[i-1].At)
		assert.GreaterOrEqual(t, gap, 100*time.Millisecond,
			"identifies %d and %d too close together", i-1, i)
	}
}

func TestManagerMergesEvents(t *testing.T) {
	const shards = 2
	identifies := make(chan identifyRecord, shards)
	url := newPoolServer(t, identifies, 0)

	m, err := NewManager(testPoolConfig(url, shards), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop(context.Background())

	got := map[int]bool{}
	deadline := time.After(10 * time.Second)
	for len(got) < shards {
		select {
		case ev := <-m.Events():
			if ev.Type == "MESSAGE_CREATE" {
				got[ev.Shard.Index] = true
			}
		case <-deadline:
			t.Fatalf("events seen from %d of %d shards", len(got), shards)
		}
	}
}

func TestManagerStats(t *testing.T) {
	identifies := make(chan identifyRecord, 2)
	url := newPoolServer(t, identifies, 0)

	m, err := NewManager(testPoolConfig(url, 2), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop(context.Background())

	require.Eventually(t, func() bool {
		return m.Stats().Connected == 2
	}, 10*time.Second, 20*time.Millisecond)

	stats := m.Stats()
	require.Len(t, stats.Shards, 2)
	for i, st := range stats.Shards {
		assert.Equal(t, i, st.ID.Index)
		assert.Equal(t, gateway.StateConnected, st.State)
		assert.Equal(t, fmt.Sprintf("sess-%d", i), st.SessionID)
		assert.GreaterOrEqual(t, st.Seq, int64(1))
	}
}

func TestManagerFatalFailureStopsPool(t *testing.T) {
	identifies := make(chan identifyRecord, 1)
	url := newPoolServer(t, identifies, gateway.CloseAuthenticationFailed)

	m, err := NewManager(testPoolConfig(url, 1), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop(context.Background())

	select {
	case err := <-m.Errors():
		assert.ErrorIs(t, err, gateway.ErrAuthenticationFailed)
	case <-time.After(5 * time.Second):
		t.Fatal("fatal close did not surface on Errors")
	}
}

func TestManagerStopWaits(t *testing.T) {
	identifies := make(chan identifyRecord, 1)
	url := newPoolServer(t, identifies, 0)

	m, err := NewManager(testPoolConfig(url, 1), nil)
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	<-identifies

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, m.Stop(stopCtx))

	assert.Error(t, m.Start(context.Background()), "restart after stop is not supported")
}

func TestManagerShardAccess(t *testing.T) {
	identifies := make(chan identifyRecord, 1)
	url := newPoolServer(t, identifies, 0)

	m, err := NewManager(testPoolConfig(url, 1), nil)
	require.NoError(t, err)

	conn, err := m.Shard(0)
	require.NoError(t, err)
	require.NotNil(t, conn)

	_, err = m.Shard(1)
	assert.Error(t, err)
	_, err = m.Shard(-1)
	assert.Error(t, err)

	assert.NoError(t, m.Broadcast(gateway.OpPresenceUpdate, map[string]string{"status": "idle"}))
}

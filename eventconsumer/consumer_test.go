package eventconsumer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/loom/eventconsumer/cursor"
	"tangled.sh/tangled.sh/loom/log"
	"tangled.sh/tangled.sh/loom/runner/db"
)

// fakeStream serves its messages after ?cursor= and then hangs up.
type fakeStream struct {
	mu       sync.Mutex
	messages []Message
	cursors  []int64
}

func (f *fakeStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var cursor int64
	if v := r.URL.Query().Get("cursor"); v != "" {
		cursor, _ = strconv.ParseInt(v, 10, 64)
	}

	f.mu.Lock()
	f.cursors = append(f.cursors, cursor)
	var out []Message
	for _, m := range f.messages {
		if m.Created > cursor {
			out = append(out, m)
		}
	}
	f.mu.Unlock()

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for _, m := range out {
		if err := conn.WriteJSON(m); err != nil {
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (f *fakeStream) seenCursors() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.cursors...)
}

func statusMessage(t *testing.T, created int64, instance, status string) Message {
	t.Helper()
	ev, err := json.Marshal(db.StatusEvent{Rkey: "3kabc", Workflow: "ci", Instance: instance, Status: status})
	require.NoError(t, err)
	return Message{Rkey: "3kabc", Kind: db.EventKindStatus, Created: created, EventJson: string(ev)}
}

func TestConsumerResumesFromCursor(t *testing.T) {
	stream := &fakeStream{messages: []Message{
		statusMessage(t, 10, "build", "pending"),
		statusMessage(t, 20, "build", "running"),
		statusMessage(t, 30, "build", "success"),
	}}
	srv := httptest.NewServer(stream)
	t.Cleanup(srv.Close)

	var mu sync.Mutex
	var got []string
	store := &cursor.MemoryStore{}

	c := NewConsumer(ConsumerConfig{
		Sources:           map[Source]struct{}{NewLoomSource(strings.TrimPrefix(srv.URL, "http://")): {}},
		Dev:               true,
		ReconnectInterval: 10 * time.Millisecond,
		RetryInterval:     10 * time.Millisecond,
		Logger:            log.Discard(),
		CursorStore:       store,
		ProcessFunc: func(ctx context.Context, source Source, msg Message) error {
			s, err := msg.Status()
			if err != nil {
				return err
			}
			mu.Lock()
			got = append(got, s.Instance+":"+s.Status)
			mu.Unlock()
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	t.Cleanup(func() {
		cancel()
		c.Stop()
	})

	// the stream hangs up after each batch, so a reconnect must ask for
	// what comes after the last processed event
	require.Eventually(t, func() bool {
		cursors := stream.seenCursors()
		return len(cursors) >= 2 && cursors[len(cursors)-1] == 30
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// delivery is at least once: a reconnect racing the worker replays
	var firsts []string
	for _, g := range got {
		if !slices.Contains(firsts, g) {
			firsts = append(firsts, g)
		}
	}
	assert.Equal(t, []string{"build:pending", "build:running", "build:success"}, firsts)
	assert.Equal(t, int64(30), store.Get(strings.TrimPrefix(srv.URL, "http://")))
}

func TestLoomSourceUrl(t *testing.T) {
	tests := []struct {
		name   string
		cursor int64
		dev    bool
		want   string
	}{
		{"no cursor", 0, false, "wss://loom.example.com/events"},
		{"cursor", 42, false, "wss://loom.example.com/events?cursor=42"},
		{"dev", 0, true, "ws://loom.example.com/events"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := NewLoomSource("loom.example.com").Url(tt.cursor, tt.dev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
		})
	}
}

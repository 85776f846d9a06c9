package eventconsumer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/gate/eventconsumer/cursor"
)

// fakeStream serves a fixed list of events after the requested cursor, then
// drops the connection.
type fakeStream struct {
	mu      sync.Mutex
	cursors []string
	events  []Message
}

func (f *fakeStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.cursors = append(f.cursors, r.URL.Query().Get("cursor"))
	f.mu.Unlock()

	var after int64
	if c := r.URL.Query().Get("cursor"); c != "" {
		after, _ = strconv.ParseInt(c, 10, 64)
	}

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for _, ev := range f.events {
		if ev.Created <= after {
			continue
		}
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (f *fakeStream) seenCursors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cursors...)
}

func TestConsumerResumesFromCursor(t *testing.T) {
	stream := &fakeStream{}
	for i := range 3 {
		stream.events = append(stream.events, Message{
			Rkey:      "r" + strconv.Itoa(i),
			Kind:      "gate.workflow.status",
			Created:   int64(100 + i),
			EventJson: json.RawMessage(`{"status":"success"}`),
		})
	}
	srv := httptest.NewServer(stream)
	defer srv.Close()

	var (
		mu   sync.Mutex
		seen []string
	)
	store := &cursor.MemoryStore{}
	cfg := NewConsumerConfig()
	cfg.Sources[NewGateSource(srv.URL)] = struct{}{}
	cfg.ReconnectDelay = 200 * time.Millisecond
	cfg.RetryInterval = 10 * time.Millisecond
	cfg.CursorStore = store
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.ProcessFunc = func(ctx context.Context, source Source, msg Message) error {
		mu.Lock()
		seen = append(seen, msg.Rkey)
		mu.Unlock()
		return nil
	}

	c := NewConsumer(*cfg)
	c.Start(context.Background())
	defer c.Stop()

	require.Eventually(t, func() bool {
		return len(stream.seenCursors()) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	cursors := stream.seenCursors()
	assert.Equal(t, "", cursors[0])
	// events are only replayed once
	require.Eventually(t, func() bool {
		return store.Get(NewGateSource(srv.URL).Key()) == 102
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"r0", "r1", "r2"}, seen)
	mu.Unlock()
}

func TestConsumerSkipsMalformedMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteJSON(Message{Rkey: "ok", Created: 1, EventJson: json.RawMessage(`{}`)})
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	got := make(chan string, 4)
	cfg := NewConsumerConfig()
	cfg.Sources[NewGateSource(srv.URL)] = struct{}{}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.ProcessFunc = func(ctx context.Context, source Source, msg Message) error {
		got <- msg.Rkey
		return nil
	}

	c := NewConsumer(*cfg)
	c.Start(context.Background())
	defer c.Stop()

	select {
	case rkey := <-got:
		assert.Equal(t, "ok", rkey)
	case <-time.After(5 * time.Second):
		t.Fatal("no message processed")
	}
}

package webchat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatshell/pkg/chat"
	"github.com/go-go-golems/chatshell/pkg/chat/config"
	"github.com/go-go-golems/chatshell/pkg/chat/events"
	"github.com/go-go-golems/chatshell/pkg/persistence/chatstore"
)

func newTestHub(t *testing.T, cfg HubConfig) *Hub {
	t.Helper()
	if cfg.BaseCtx == nil {
		cfg.BaseCtx = context.Background()
	}
	if cfg.Config.Title == "" {
		cfg.Config = config.Default()
	}
	h, err := NewHub(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) ServerFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f ServerFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// readUntil reads frames until an event of type want arrives and returns every frame read.
func readUntil(t *testing.T, conn *websocket.Conn, want events.Type) []ServerFrame {
	t.Helper()
	var out []ServerFrame
	for {
		f := readFrame(t, conn)
		out = append(out, f)
		if f.Type == FrameEvent && f.Event != nil && f.Event.Type == want {
			return out
		}
	}
}

func TestHub_WebSocketRequestStreamsEchoResponse(t *testing.T) {
	store := chatstore.NewInMemoryTimelineStore(0)
	hub := newTestHub(t, HubConfig{Store: store, Scenario: "echo"})
	srv, err := NewServer(hub)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "conv_id=c1")
	hello := readFrame(t, conn)
	require.Equal(t, FrameHello, hello.Type)
	require.Equal(t, "c1", hello.ConvID)
	require.NotNil(t, hello.State)
	require.True(t, hello.State.Initialized)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"request","text":"hi"}`)))
	frames := readUntil(t, conn, events.TypeResponseDone)
	done, ok := frames[len(frames)-1].Event.Message()
	require.True(t, ok)
	require.True(t, done.Done)
	require.Contains(t, done.Content, "You said:")
	require.True(t, strings.HasSuffix(done.Content, "hi"))

	var lastSeq uint64
	for _, f := range frames {
		require.Greater(t, f.Event.Seq, lastSeq)
		lastSeq = f.Event.Seq
	}

	require.Eventually(t, func() bool {
		snap, err := store.GetSnapshot(context.Background(), "c1", 0, 0)
		return err == nil && len(snap.Entries) == 2 && snap.Entries[1].Message.Done
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(ts.URL + "/api/timeline?conv_id=c1")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap chatstore.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Len(t, snap.Entries, 2)
	require.Equal(t, chat.RoleUser, snap.Entries[0].Message.Role)
	require.Equal(t, "hi", snap.Entries[0].Message.Content)
}

func TestHub_PingAndRejectedFrames(t *testing.T) {
	hub := newTestHub(t, HubConfig{})
	srv, err := NewServer(hub)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "conv_id=c2")
	require.Equal(t, FrameHello, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.Equal(t, FramePong, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"request","text":"   "}`)))
	f := readFrame(t, conn)
	require.Equal(t, FrameError, f.Type)
	require.Contains(t, f.Error, "no text")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"teleport"}`)))
	f = readFrame(t, conn)
	require.Equal(t, FrameError, f.Type)
	require.Contains(t, f.Error, "teleport")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"select_model","id":"nope"}`)))
	require.Equal(t, FrameError, readFrame(t, conn).Type)
}

func TestHub_ResumeFromSequence(t *testing.T) {
	hub := newTestHub(t, HubConfig{})
	srv, err := NewServer(hub)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c, err := hub.GetOrCreate(context.Background(), "c3")
	require.NoError(t, err)
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		_, err := c.Service().SendRequest(ctx, text, nil)
		require.NoError(t, err)
	}
	last := c.Service().State()
	require.Len(t, last.Messages, 3)

	// seq 1 is the initialized event, requests follow
	conn := dialWS(t, ts, "conv_id=c3&since_seq=2")
	hello := readFrame(t, conn)
	require.Equal(t, FrameHello, hello.Type)
	require.Nil(t, hello.State)

	f := readFrame(t, conn)
	msg, ok := f.Event.Message()
	require.True(t, ok)
	require.Equal(t, "two", msg.Content)
	f = readFrame(t, conn)
	msg, _ = f.Event.Message()
	require.Equal(t, "three", msg.Content)
}

func TestHub_HydratesFromStore(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewInMemoryTimelineStore(0)
	require.NoError(t, store.Upsert(ctx, "old", 5, chat.Message{ID: "u1", Role: chat.RoleUser, Content: "hello", Done: true}))
	require.NoError(t, store.Upsert(ctx, "old", 9, chat.Message{ID: "r1", Role: chat.RoleAssistant, Content: "hi there", Done: true}))
	require.NoError(t, store.UpsertConversation(ctx, chatstore.ConversationRecord{ConvID: "old", Title: "Greeting"}))

	hub := newTestHub(t, HubConfig{Store: store})
	c, err := hub.GetOrCreate(ctx, "old")
	require.NoError(t, err)

	st := c.Service().State()
	require.Len(t, st.Messages, 2)
	require.Equal(t, "hi there", st.Messages[1].Content)
	require.Len(t, st.History, 1)
	require.Equal(t, "Greeting", st.History[0].Title)

	// new writes continue past the stored version
	_, err = c.Service().SendRequest(ctx, "again", nil)
	require.NoError(t, err)
	inc, err := store.GetSnapshot(ctx, "old", 9, 0)
	require.NoError(t, err)
	require.Len(t, inc.Entries, 1)
	require.Equal(t, "again", inc.Entries[0].Message.Content)
}

func TestHub_RehydratesInConversationOrder(t *testing.T) {
	sqlite := func(t *testing.T) chatstore.TimelineStore {
		dsn, err := chatstore.SQLiteTimelineDSNForFile(filepath.Join(t.TempDir(), "timeline.db"))
		require.NoError(t, err)
		s, err := chatstore.NewSQLiteTimelineStore(dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}
	for name, newStore := range map[string]func(*testing.T) chatstore.TimelineStore{
		"memory": func(*testing.T) chatstore.TimelineStore { return chatstore.NewInMemoryTimelineStore(0) },
		"sqlite": sqlite,
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			hub := newTestHub(t, HubConfig{Store: newStore(t)})
			c, err := hub.GetOrCreate(ctx, "ordered")
			require.NoError(t, err)

			var want []string
			for _, turn := range []struct{ text, respID string }{
				{"first question", "resp-first"},
				{"second question", "resp-second"},
				{"third question", "resp-third"},
			} {
				req, err := c.Service().SendRequest(ctx, turn.text, nil)
				require.NoError(t, err)
				_, err = c.Service().SendResponse(ctx, chat.Chunk{ID: turn.respID, Content: "answer to " + turn.text, Stream: true})
				require.NoError(t, err)
				_, err = c.Service().SendResponse(ctx, chat.Chunk{ID: turn.respID, Stream: true, Done: true})
				require.NoError(t, err)
				want = append(want, req.ID, turn.respID)
			}

			require.True(t, hub.Evict(ctx, "ordered"))
			again, err := hub.GetOrCreate(ctx, "ordered")
			require.NoError(t, err)

			var got []string
			for _, m := range again.Service().State().Messages {
				got = append(got, m.ID)
			}
			require.Equal(t, want, got)
		})
	}
}

func TestHub_EvictsIdleConversations(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewInMemoryTimelineStore(0)
	hub := newTestHub(t, HubConfig{Store: store})
	hub.SetEvictionConfig(time.Minute, time.Second)

	idle, err := hub.GetOrCreate(ctx, "idle")
	require.NoError(t, err)
	busy, err := hub.GetOrCreate(ctx, "busy")
	require.NoError(t, err)
	_, err = busy.Service().SendResponse(ctx, chat.Chunk{ID: "r1", Content: "x", Stream: true})
	require.NoError(t, err)

	require.Zero(t, hub.evictIdleOnce(ctx, time.Now()))
	require.Equal(t, 2, hub.Count())

	later := time.Now().Add(2 * time.Minute)
	require.Equal(t, 1, hub.evictIdleOnce(ctx, later))
	_, ok := hub.GetConversation("idle")
	require.False(t, ok)
	_, ok = hub.GetConversation("busy")
	require.True(t, ok)
	require.Empty(t, idle.Service().State().Streaming)

	require.True(t, hub.Evict(ctx, "busy"))
	require.Zero(t, hub.Count())

	// the stopped response was persisted on close
	snap, err := store.GetSnapshot(ctx, "busy", 0, 0)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 1)
	require.True(t, snap.Entries[0].Message.Stopped)
}

func TestHub_WatermillBusProjectsAsynchronously(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubsub.Close() })

	ctx := context.Background()
	store := chatstore.NewInMemoryTimelineStore(0)
	hub := newTestHub(t, HubConfig{Store: store, Publisher: pubsub, Subscriber: pubsub})
	c, err := hub.GetOrCreate(ctx, "wm")
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []events.Type
	c.Service().On(events.TypeAll, func(_ context.Context, ev events.Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})

	_, err = c.Service().SendRequest(ctx, "via redis-compatible bus", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := store.GetSnapshot(ctx, "wm", 0, 0)
		return err == nil && len(snap.Entries) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, tpe := range seen {
			if tpe == events.TypeRequest {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

type gatedStore struct {
	chatstore.TimelineStore
	convID  string
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) GetSnapshot(ctx context.Context, convID string, since uint64, limit int) (chatstore.Snapshot, error) {
	if convID == s.convID {
		close(s.entered)
		<-s.release
	}
	return s.TimelineStore.GetSnapshot(ctx, convID, since, limit)
}

func TestHub_SlowHydrationDoesNotBlockOtherConversations(t *testing.T) {
	ctx := context.Background()
	store := &gatedStore{
		TimelineStore: chatstore.NewInMemoryTimelineStore(0),
		convID:        "slow",
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	hub := newTestHub(t, HubConfig{Store: store})

	slowDone := make(chan *Conversation)
	go func() {
		c, err := hub.GetOrCreate(ctx, "slow")
		if err != nil {
			t.Error(err)
		}
		slowDone <- c
	}()
	<-store.entered

	fastDone := make(chan struct{})
	go func() {
		defer close(fastDone)
		_, err := hub.GetOrCreate(ctx, "fast")
		if err != nil {
			t.Error(err)
		}
	}()
	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast conversation waited for the slow hydration")
	}

	close(store.release)
	slow := <-slowDone
	require.NotNil(t, slow)
	require.Equal(t, 2, hub.Count())
}

func TestHub_ConcurrentGetOrCreateSharesConversation(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t, HubConfig{Store: chatstore.NewInMemoryTimelineStore(0)})

	const n = 16
	got := make([]*Conversation, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := hub.GetOrCreate(ctx, "shared")
			if err != nil {
				t.Error(err)
				return
			}
			got[i] = c
		}()
	}
	wg.Wait()
	for _, c := range got {
		require.Same(t, got[0], c)
	}
	require.Equal(t, 1, hub.Count())
}

// closeCountingSubscriber shares one gochannel between conversations and counts Close calls.
type closeCountingSubscriber struct {
	message.Subscriber
	mu     sync.Mutex
	closed int
}

func (s *closeCountingSubscriber) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func TestHub_PerConversationSubscribers(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubsub.Close() })

	var mu sync.Mutex
	var topics []string
	subs := map[string]*closeCountingSubscriber{}
	ctx := context.Background()
	store := chatstore.NewInMemoryTimelineStore(0)
	hub := newTestHub(t, HubConfig{
		Store:      store,
		Publisher:  pubsub,
		Subscriber: pubsub,
		SubscriberFor: func(_ context.Context, topic string) (message.Subscriber, error) {
			mu.Lock()
			defer mu.Unlock()
			topics = append(topics, topic)
			sub := &closeCountingSubscriber{Subscriber: pubsub}
			subs[topic] = sub
			return sub, nil
		},
	})

	c, err := hub.GetOrCreate(ctx, "grouped")
	require.NoError(t, err)
	_, err = c.Service().SendRequest(ctx, "hello", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, err := store.GetSnapshot(ctx, "grouped", 0, 0)
		return err == nil && len(snap.Entries) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, hub.Evict(ctx, "grouped"))
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"chat.grouped"}, topics)
	require.Equal(t, 1, subs["chat.grouped"].closed)
}

func TestNewHub_Validates(t *testing.T) {
	_, err := NewHub(HubConfig{Config: config.Default()})
	require.Error(t, err)

	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubsub.Close() })
	_, err = NewHub(HubConfig{BaseCtx: context.Background(), Config: config.Default(), Publisher: pubsub})
	require.ErrorContains(t, err, "publisher and a subscriber")

	_, err = NewHub(HubConfig{BaseCtx: context.Background(), Config: config.Default(),
		SubscriberFor: func(context.Context, string) (message.Subscriber, error) { return pubsub, nil }})
	require.ErrorContains(t, err, "per-conversation subscribers")

	_, err = NewHub(HubConfig{BaseCtx: context.Background(), Config: config.Default(), Scenario: "nope"})
	require.ErrorContains(t, err, "unknown playback scenario")
}

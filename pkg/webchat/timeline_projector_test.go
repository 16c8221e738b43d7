package webchat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatshell/pkg/chat"
	"github.com/go-go-golems/chatshell/pkg/chat/events"
	"github.com/go-go-golems/chatshell/pkg/persistence/chatstore"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }
func newFakeClock() *fakeClock               { return &fakeClock{t: time.Unix(1000, 0)} }
func msgEvent(t events.Type, seq uint64, m chat.Message) events.Event {
	return events.Event{Type: t, ConvID: "c1", Seq: seq, Payload: events.MessagePayload{Message: m}}
}

func TestTimelineProjector_ThrottlesStreamingWrites(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewInMemoryTimelineStore(0)
	clock := newFakeClock()
	var versions []uint64
	p := NewTimelineProjector("c1", store,
		WithProjectorClock(clock.Now),
		WithOnUpsert(func(_ chat.Message, v uint64) { versions = append(versions, v) }),
	)

	m := chat.Message{ID: "r1", Role: chat.RoleAssistant, Stream: true}
	m.Content = "a"
	require.NoError(t, p.Apply(ctx, msgEvent(events.TypeResponse, 1, m)))
	clock.Advance(100 * time.Millisecond)
	m.Content = "ab"
	require.NoError(t, p.Apply(ctx, msgEvent(events.TypeResponse, 2, m)))
	clock.Advance(200 * time.Millisecond)
	m.Content = "abc"
	require.NoError(t, p.Apply(ctx, msgEvent(events.TypeResponse, 3, m)))
	require.Equal(t, []uint64{1, 3}, versions)

	// the final snapshot is written even inside the throttle window
	m.Content, m.Done = "abcd", true
	require.NoError(t, p.Apply(ctx, msgEvent(events.TypeResponse, 4, m)))
	require.NoError(t, p.Apply(ctx, msgEvent(events.TypeResponseDone, 5, m)))
	require.Equal(t, []uint64{1, 3, 4, 5}, versions)

	snap, err := store.GetSnapshot(ctx, "c1", 0, 0)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 1)
	require.Equal(t, "abcd", snap.Entries[0].Message.Content)
	require.True(t, snap.Entries[0].Message.Done)
}

func TestTimelineProjector_StoppedAlwaysWritten(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewInMemoryTimelineStore(0)
	clock := newFakeClock()
	p := NewTimelineProjector("c1", store, WithProjectorClock(clock.Now))

	m := chat.Message{ID: "r1", Role: chat.RoleAssistant, Stream: true, Content: "par"}
	require.NoError(t, p.Apply(ctx, msgEvent(events.TypeResponse, 1, m)))
	m.Content = "partial"
	require.NoError(t, p.Apply(ctx, msgEvent(events.TypeResponse, 2, m)))
	m.Stopped = true
	require.NoError(t, p.Apply(ctx, msgEvent(events.TypeResponseStopped, 3, m)))

	snap, err := store.GetSnapshot(ctx, "c1", 0, 0)
	require.NoError(t, err)
	require.Equal(t, "partial", snap.Entries[0].Message.Content)
	require.True(t, snap.Entries[0].Message.Stopped)
	require.Equal(t, uint64(3), snap.Version)
}

func TestTimelineProjector_RequestTitlesConversation(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewInMemoryTimelineStore(0)
	p := NewTimelineProjector("c1", store, WithBaseVersion(40))

	first := chat.Message{ID: "u1", Role: chat.RoleUser, Content: "  Plan a   trip to Lisbon ", Done: true}
	second := chat.Message{ID: "u2", Role: chat.RoleUser, Content: "and Porto", Done: true}
	require.NoError(t, p.Apply(ctx, msgEvent(events.TypeRequest, 1, first)))
	require.NoError(t, p.Apply(ctx, msgEvent(events.TypeRequest, 2, second)))

	rec, ok, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Plan a trip to Lisbon", rec.Title)
	require.Equal(t, uint64(42), rec.LastSeenVersion)
}

func TestTimelineProjector_ConversationAndFlush(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewInMemoryTimelineStore(0)
	p := NewTimelineProjector("c1", store)

	msgs := []chat.Message{
		{ID: "u1", Role: chat.RoleUser, Content: "hi", Done: true},
		{ID: "r1", Role: chat.RoleAssistant, Content: "hello", Done: true},
	}
	require.NoError(t, p.Apply(ctx, events.Event{Type: events.TypeConversation, Seq: 7, Payload: events.ConversationPayload{Messages: msgs}}))
	snap, err := store.GetSnapshot(ctx, "c1", 0, 0)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 2)

	streaming := chat.Message{ID: "r2", Role: chat.RoleAssistant, Content: "half"}
	stopped := chat.Message{ID: "r3", Role: chat.RoleAssistant, Content: "cut", Stopped: true}
	require.NoError(t, p.Flush(ctx, []chat.Message{streaming, stopped}))

	inc, err := store.GetSnapshot(ctx, "c1", 7, 0)
	require.NoError(t, err)
	require.Len(t, inc.Entries, 1)
	require.Equal(t, "r3", inc.Entries[0].Message.ID)
	require.Equal(t, uint64(8), inc.Entries[0].Version)
}

func TestTimelineProjector_FlushKeepsConversationOrder(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewInMemoryTimelineStore(0)
	p := NewTimelineProjector("c1", store, WithBaseVersion(3))

	require.NoError(t, p.Flush(ctx, []chat.Message{
		{ID: "zz-question", Role: chat.RoleUser, Content: "q", Done: true},
		{ID: "aa-answer", Role: chat.RoleAssistant, Content: "a", Done: true},
		{ID: "mm-question", Role: chat.RoleUser, Content: "q2", Done: true},
	}))

	snap, err := store.GetSnapshot(ctx, "c1", 0, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(6), snap.Version)
	var ids []string
	for _, m := range snap.Messages() {
		ids = append(ids, m.ID)
	}
	require.Equal(t, []string{"zz-question", "aa-answer", "mm-question"}, ids)
}

func TestTimelineProjector_IgnoresUnsequencedEvents(t *testing.T) {
	store := chatstore.NewInMemoryTimelineStore(0)
	p := NewTimelineProjector("c1", store)
	m := chat.Message{ID: "u1", Role: chat.RoleUser, Content: "x"}
	require.NoError(t, p.Apply(context.Background(), msgEvent(events.TypeRequest, 0, m)))
	snap, err := store.GetSnapshot(context.Background(), "c1", 0, 0)
	require.NoError(t, err)
	require.Empty(t, snap.Entries)
}

package playback

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatshell/pkg/chat"
	"github.com/go-go-golems/chatshell/pkg/chat/aggregator"
	"github.com/go-go-golems/chatshell/pkg/chat/config"
	"github.com/go-go-golems/chatshell/pkg/chat/events"
	"github.com/go-go-golems/chatshell/pkg/chat/service"
)

func TestSplitWords_RebuildsSentence(t *testing.T) {
	for _, s := range []string{
		"one",
		"two words",
		DemoSentence,
	} {
		words := SplitWords(s)
		joined := strings.Join(words, "")
		require.Equal(t, s, joined)
		require.NotContains(t, joined, "  ")
		require.False(t, strings.HasSuffix(words[len(words)-1], " "))
	}
	require.Empty(t, SplitWords("   "))
}

func applyAll(t *testing.T, chunks []chat.Chunk) chat.Message {
	t.Helper()
	agg := aggregator.New()
	var last chat.Message
	for _, c := range chunks {
		m, err := agg.Apply(c)
		require.NoError(t, err)
		last = m
	}
	return last
}

func TestScenarios_RenderDeterministically(t *testing.T) {
	require.Equal(t, []string{"citations", "echo", "interleaved", "word"}, Scenarios())

	chunks, err := Scenario("interleaved", "r1", "")
	require.NoError(t, err)
	msg := applyAll(t, chunks)
	require.True(t, msg.Done)
	require.Equal(t, "ACB", msg.RenderedText())
	require.Equal(t, "AC", msg.ContentParts[0].Text)
	require.Equal(t, "B", msg.ContentParts[1].Text)

	chunks, err = Scenario("word", "r2", "")
	require.NoError(t, err)
	require.Equal(t, DemoSentence, applyAll(t, chunks).RenderedText())

	chunks, err = Scenario("citations", "r3", "")
	require.NoError(t, err)
	msg = applyAll(t, chunks)
	require.Len(t, msg.ContentParts, 2)
	require.Equal(t, "Go was announced in 2009.", msg.ContentParts[0].Text)
	require.Len(t, msg.ContentParts[0].Citations, 1)
	require.Equal(t, len([]rune(msg.ContentParts[0].Text)), msg.ContentParts[0].Anchors[0].Offset)
	require.NotContains(t, msg.RenderedText(), "  ")

	chunks, err = Scenario("echo", "r4", "ping pong")
	require.NoError(t, err)
	require.Equal(t, "You said: ping pong", applyAll(t, chunks).RenderedText())

	_, err = Scenario("nope", "r5", "")
	require.Error(t, err)
}

func TestPlay_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var sent []chat.Chunk
	sink := SinkFunc(func(_ context.Context, c chat.Chunk) (chat.Message, error) {
		sent = append(sent, c)
		if len(sent) == 2 {
			cancel()
		}
		return chat.Message{}, nil
	})
	err := Play(ctx, sink, WordStream("r1", "a b c d e"), time.Millisecond)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, sent, 2)
}

func TestPlay_PropagatesSinkError(t *testing.T) {
	sink := SinkFunc(func(_ context.Context, c chat.Chunk) (chat.Message, error) {
		return chat.Message{}, aggregator.ErrStopped
	})
	err := Play(context.Background(), sink, WordStream("r1", "a b"), 0)
	require.ErrorIs(t, err, aggregator.ErrStopped)
	require.Error(t, Play(context.Background(), nil, nil, 0))
}

func TestResponder_StreamsIntoService(t *testing.T) {
	svc := service.New(service.WithConvID("c1"))
	require.NoError(t, svc.Initialize(context.Background(), config.Default()))

	r := &Responder{Service: svc, Scenario: "echo", Interval: time.Millisecond, NewID: func() string { return "resp-1" }}
	var mu sync.Mutex
	var done []chat.Message
	svc.On(events.TypeResponseDone, func(_ context.Context, ev events.Event) {
		m, _ := ev.Message()
		mu.Lock()
		done = append(done, m)
		mu.Unlock()
	})
	svc.On(events.TypeRequest, r.HandleRequest)

	_, err := svc.SendRequest(context.Background(), "hello world", nil)
	require.NoError(t, err)
	r.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, done, 1)
	require.Equal(t, "resp-1", done[0].ID)
	require.Equal(t, "You said: hello world", done[0].RenderedText())
}

func TestResponder_StopCutsPlaybackShort(t *testing.T) {
	svc := service.New(service.WithConvID("c1"))
	require.NoError(t, svc.Initialize(context.Background(), config.Default()))

	r := &Responder{Service: svc, Scenario: "word", Interval: 5 * time.Millisecond, NewID: func() string { return "resp-1" }}
	stopped := make(chan struct{})
	var once sync.Once
	svc.On(events.TypeResponse, func(ctx context.Context, ev events.Event) {
		once.Do(func() {
			go func() {
				_ = svc.StopResponse(context.Background(), "resp-1")
				close(stopped)
			}()
		})
	})
	svc.On(events.TypeRequest, r.HandleRequest)

	_, err := svc.SendRequest(context.Background(), "go", nil)
	require.NoError(t, err)
	<-stopped
	r.Wait()

	st := svc.State()
	require.Len(t, st.Messages, 2)
	final := st.Messages[1]
	require.True(t, final.Stopped)
	require.False(t, final.Done)
	require.True(t, strings.HasPrefix(DemoSentence, final.RenderedText()))
	require.NotEqual(t, DemoSentence, final.RenderedText())
}

func TestCitationsScenario_SeparatesParts(t *testing.T) {
	chunks, err := Scenario("citations", "r1", "")
	require.NoError(t, err)
	require.Equal(t, "Go was announced in 2009. Its memory model is documented separately.", applyAll(t, chunks).RenderedText())
}

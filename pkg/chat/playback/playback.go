// Package playback produces simulated streaming responses. It stands in for a
// model backend in demos and tests: chunk sequences are built up front and
// emitted one per tick until the context is cancelled.
package playback

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatshell/pkg/chat"
)

// Sink receives streamed chunks. *service.ChatService satisfies it.
type Sink interface {
	SendResponse(ctx context.Context, chunk chat.Chunk) (chat.Message, error)
}

type SinkFunc func(ctx context.Context, chunk chat.Chunk) (chat.Message, error)

func (f SinkFunc) SendResponse(ctx context.Context, chunk chat.Chunk) (chat.Message, error) {
	return f(ctx, chunk)
}

// SplitWords returns every word followed by a single space, except the last.
func SplitWords(sentence string) []string {
	words := strings.Fields(sentence)
	out := make([]string, len(words))
	for i, w := range words {
		if i < len(words)-1 {
			w += " "
		}
		out[i] = w
	}
	return out
}

// WordStream streams sentence as whole-message chunks followed by an empty done chunk.
func WordStream(id, sentence string) []chat.Chunk {
	words := SplitWords(sentence)
	out := make([]chat.Chunk, 0, len(words)+1)
	for _, w := range words {
		out = append(out, chat.Chunk{ID: id, Content: w, Stream: true})
	}
	return append(out, chat.Chunk{ID: id, Stream: true, Done: true})
}

// PartStep is one part-indexed chunk. An empty Text with a Citation attaches the
// citation to the text accumulated so far at Index.
type PartStep struct {
	Index    int
	Text     string
	Citation *chat.Citation
}

// Words splits text into steps for a single index.
func Words(index int, text string) []PartStep {
	words := SplitWords(text)
	out := make([]PartStep, 0, len(words))
	for _, w := range words {
		out = append(out, PartStep{Index: index, Text: w})
	}
	return out
}

func Cite(index int, c chat.Citation) PartStep {
	return PartStep{Index: index, Citation: &c}
}

// PartStream converts steps into part-indexed chunks followed by an empty done chunk.
func PartStream(id string, steps []PartStep) []chat.Chunk {
	out := make([]chat.Chunk, 0, len(steps)+1)
	for _, s := range steps {
		pc := &chat.ContentPartChunk{Index: s.Index, Text: s.Text}
		if s.Citation != nil {
			c := *s.Citation
			pc.Citation = &c
		}
		out = append(out, chat.Chunk{ID: id, ContentPartChunk: pc, Stream: true})
	}
	return append(out, chat.Chunk{ID: id, Stream: true, Done: true})
}

// Play emits one chunk per interval. It stops with ctx.Err() as soon as ctx is done,
// checking before every emission; chunks already sent are left as they are.
func Play(ctx context.Context, sink Sink, chunks []chat.Chunk, interval time.Duration) error {
	if sink == nil {
		return errors.New("playback: sink is nil")
	}
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}
	for i, c := range chunks {
		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := sink.SendResponse(ctx, c); err != nil {
			return errors.Wrapf(err, "playback: chunk %d", i)
		}
	}
	return nil
}

package playback

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatshell/pkg/chat"
)

const DemoSentence = "The quick brown fox jumps over the lazy dog while the chat widget streams every word."

type scenarioFunc func(id, prompt string) []chat.Chunk

var scenarios = map[string]scenarioFunc{
	"word": func(id, _ string) []chat.Chunk {
		return WordStream(id, DemoSentence)
	},
	"echo": func(id, prompt string) []chat.Chunk {
		if prompt == "" {
			prompt = "(empty request)"
		}
		return WordStream(id, "You said: "+prompt)
	},
	"citations": func(id, _ string) []chat.Chunk {
		var steps []PartStep
		steps = append(steps, Words(0, "Go was announced in 2009.")...)
		steps = append(steps, Cite(0, chat.Citation{ID: "go-faq", Title: "Go FAQ", URL: "https://go.dev/doc/faq"}))
		second := Words(1, "Its memory model is documented separately.")
		second[0].Text = " " + second[0].Text
		steps = append(steps, second...)
		steps = append(steps, Cite(1, chat.Citation{ID: "mem", Title: "The Go Memory Model", DownloadURL: "https://go.dev/ref/mem.pdf", PageNumber: 3}))
		return PartStream(id, steps)
	},
	"interleaved": func(id, _ string) []chat.Chunk {
		return PartStream(id, []PartStep{
			{Index: 0, Text: "A"},
			{Index: 1, Text: "B"},
			{Index: 0, Text: "C"},
		})
	},
}

func Scenarios() []string {
	out := make([]string, 0, len(scenarios))
	for k := range scenarios {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Scenario builds the chunk sequence of a named scenario for response id.
func Scenario(name, id, prompt string) ([]chat.Chunk, error) {
	fn, ok := scenarios[name]
	if !ok {
		return nil, errors.Errorf("unknown playback scenario %q", name)
	}
	return fn(id, prompt), nil
}

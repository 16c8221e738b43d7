package cmds

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatshell/pkg/chat"
	"github.com/go-go-golems/chatshell/pkg/chat/aggregator"
	"github.com/go-go-golems/chatshell/pkg/chat/playback"
	"github.com/go-go-golems/chatshell/pkg/render"
)

type ReplaySettings struct {
	Scenario  string
	Prompt    string
	Renderer  string
	StopAfter int
	Watch     bool
	Strict    bool
}

func NewReplayCommand() *cobra.Command {
	s := ReplaySettings{Renderer: "plain", Prompt: "hello"}
	cmd := &cobra.Command{
		Use:   "replay [chunks.jsonl|-]",
		Short: "Feed streamed chunks through the aggregator and print the rendered messages",
		Long: "Reads one JSON chunk per line (or a built-in --scenario) and prints every\n" +
			"reconstructed message. --stop-after N stops all streams after N chunks.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var chunks []chat.Chunk
			var err error
			switch {
			case s.Scenario != "":
				chunks, err = playback.Scenario(s.Scenario, "replay", s.Prompt)
			case len(args) == 0 || args[0] == "-":
				chunks, err = ReadChunks(cmd.InOrStdin())
			default:
				var f *os.File
				f, err = os.Open(args[0])
				if err != nil {
					return errors.Wrapf(err, "open %s", args[0])
				}
				defer func() { _ = f.Close() }()
				chunks, err = ReadChunks(f)
			}
			if err != nil {
				return err
			}
			r, err := render.ByName(s.Renderer)
			if err != nil {
				return err
			}
			return Replay(cmd.OutOrStdout(), chunks, r, s)
		},
	}
	f := cmd.Flags()
	f.StringVar(&s.Scenario, "scenario", "", "Replay a built-in scenario ("+strings.Join(playback.Scenarios(), ", ")+")")
	f.StringVar(&s.Prompt, "prompt", s.Prompt, "Prompt handed to --scenario")
	f.StringVar(&s.Renderer, "renderer", s.Renderer, "Renderer ("+strings.Join(render.Names(), ", ")+")")
	f.IntVar(&s.StopAfter, "stop-after", 0, "Stop every stream after this many chunks")
	f.BoolVar(&s.Watch, "watch", false, "Print the message after every accepted chunk")
	f.BoolVar(&s.Strict, "strict", false, "Fail on the first rejected chunk instead of skipping it")
	return cmd
}

// ReadChunks decodes JSONL. Blank lines and lines starting with # are skipped.
func ReadChunks(r io.Reader) ([]chat.Chunk, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	var out []chat.Chunk
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var c chat.Chunk
		if err := json.Unmarshal([]byte(text), &c); err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		out = append(out, c)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read chunks")
	}
	return out, nil
}

func Replay(w io.Writer, chunks []chat.Chunk, r render.Renderer, s ReplaySettings) error {
	agg := aggregator.New()
	for i, c := range chunks {
		if s.StopAfter > 0 && i >= s.StopAfter {
			agg.StopAll()
			break
		}
		msg, err := agg.Apply(c)
		if err != nil {
			if s.Strict {
				return errors.Wrapf(err, "chunk %d", i+1)
			}
			log.Warn().Err(err).Int("chunk", i+1).Str("id", c.ID).Msg("chunk rejected")
			continue
		}
		if s.Watch {
			if _, err := fmt.Fprintf(w, "%s> %s\n", msg.ID, msg.RenderedText()); err != nil {
				return err
			}
		}
	}
	for _, msg := range agg.Messages() {
		st, _ := agg.Status(msg.ID)
		out, err := r.Render(msg)
		if err != nil {
			return errors.Wrapf(err, "render %s", msg.ID)
		}
		if _, err := fmt.Fprintf(w, "== %s [%s]\n%s\n", msg.ID, st, strings.TrimRight(out, "\n")); err != nil {
			return err
		}
	}
	return nil
}

package webchat

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatshell/pkg/chat"
	"github.com/go-go-golems/chatshell/pkg/chat/events"
	"github.com/go-go-golems/chatshell/pkg/chat/service"
)

// Server frame types.
const (
	FrameHello = "hello"
	FrameEvent = "event"
	FramePong  = "pong"
	FrameError = "error"
)

// Client frame types.
const (
	ClientRequest         = "request"
	ClientStop            = "stop"
	ClientPing            = "ping"
	ClientOpen            = "open"
	ClientClose           = "close"
	ClientSelectModel     = "select_model"
	ClientSelectAgentMode = "select_agent_mode"
	ClientClearError      = "clear_error"
)

// ServerFrame is the envelope of every message written to a websocket client.
// Hello frames carry the conversation state unless the client resumed from a
// sequence number still held in the frame buffer.
type ServerFrame struct {
	Type       string         `json:"type"`
	ConvID     string         `json:"conv_id,omitempty"`
	ServerTime int64          `json:"server_time,omitempty"`
	Event      *events.Event  `json:"event,omitempty"`
	State      *service.State `json:"state,omitempty"`
	Error      string         `json:"error,omitempty"`
}

type ClientFrame struct {
	Type        string            `json:"type"`
	Text        string            `json:"text,omitempty"`
	Attachments []chat.Attachment `json:"attachments,omitempty"`
	ID          string            `json:"id,omitempty"`
}

// ParseClientFrame accepts a JSON frame or the bare text "ping".
func ParseClientFrame(data []byte) (ClientFrame, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.EqualFold(trimmed, ClientPing) {
		return ClientFrame{Type: ClientPing}, nil
	}
	var f ClientFrame
	if err := json.Unmarshal([]byte(trimmed), &f); err != nil {
		return ClientFrame{}, errors.Wrap(err, "decode client frame")
	}
	f.Type = strings.ToLower(strings.TrimSpace(f.Type))
	switch f.Type {
	case "":
		return ClientFrame{}, errors.New("client frame without type")
	case ClientStop, ClientSelectModel, ClientSelectAgentMode:
		if strings.TrimSpace(f.ID) == "" {
			return ClientFrame{}, errors.Errorf("%s frame without id", f.Type)
		}
	}
	return f, nil
}

func encodeFrame(f ServerFrame) []byte {
	b, err := json.Marshal(f)
	if err != nil {
		return nil
	}
	return b
}

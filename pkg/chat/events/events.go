// Package events defines the typed events emitted by the chat service.
package events

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatshell/pkg/chat"
	"github.com/go-go-golems/chatshell/pkg/chat/config"
)

type Type string

const (
	TypeAll Type = "*"

	TypeInitialized       Type = "initialized"
	TypeOpened            Type = "opened"
	TypeClosed            Type = "closed"
	TypeRequest           Type = "request"
	TypeResponse          Type = "response"
	TypeResponseDone      Type = "response.done"
	TypeResponseStopped   Type = "response.stopped"
	TypeConversation      Type = "conversation"
	TypeHistory           Type = "history"
	TypeSuggestions       Type = "suggestions"
	TypeModels            Type = "models"
	TypeModelSelected     Type = "model.selected"
	TypeAgentModes        Type = "agent.modes"
	TypeAgentModeSelected Type = "agent.mode.selected"
	TypeAttachments       Type = "attachments.allowed"
	TypeFeatures          Type = "features.disabled"
	TypeRenderer          Type = "renderer.injected"
	TypeError             Type = "error"
	TypeErrorCleared      Type = "error.cleared"
	TypeConfig            Type = "config.patched"
)

type MessagePayload struct {
	Message chat.Message `json:"message"`
}

type ConversationPayload struct {
	Messages []chat.Message `json:"messages"`
}

type HistoryPayload struct {
	Conversations []chat.ConversationSummary `json:"conversations"`
}

type SuggestionsPayload struct {
	Suggestions []chat.Suggestion `json:"suggestions"`
}

type ModelsPayload struct {
	Models   []chat.Model `json:"models"`
	Selected string       `json:"selected,omitempty"`
}

type AgentModesPayload struct {
	Modes    []chat.AgentMode `json:"modes"`
	Selected string           `json:"selected,omitempty"`
}

type AttachmentsPayload struct {
	Policy config.AttachmentPolicy `json:"policy"`
}

type FeaturesPayload struct {
	Disabled config.FeatureSet `json:"disabled"`
}

type ConfigPayload struct {
	Config config.Config `json:"config"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type VisibilityPayload struct {
	Open bool `json:"open"`
}

type RendererPayload struct {
	Name string `json:"name"`
}

// Event is the envelope published on the bus. Payload holds one of the *Payload types above.
type Event struct {
	Type    Type      `json:"type"`
	ConvID  string    `json:"conv_id"`
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

func payloadFor(t Type) (any, bool) {
	switch t {
	case TypeRequest, TypeResponse, TypeResponseDone, TypeResponseStopped:
		return &MessagePayload{}, true
	case TypeConversation:
		return &ConversationPayload{}, true
	case TypeHistory:
		return &HistoryPayload{}, true
	case TypeSuggestions:
		return &SuggestionsPayload{}, true
	case TypeModels, TypeModelSelected:
		return &ModelsPayload{}, true
	case TypeAgentModes, TypeAgentModeSelected:
		return &AgentModesPayload{}, true
	case TypeAttachments:
		return &AttachmentsPayload{}, true
	case TypeFeatures:
		return &FeaturesPayload{}, true
	case TypeInitialized, TypeConfig:
		return &ConfigPayload{}, true
	case TypeError, TypeErrorCleared:
		return &ErrorPayload{}, true
	case TypeOpened, TypeClosed:
		return &VisibilityPayload{}, true
	case TypeRenderer:
		return &RendererPayload{}, true
	case TypeAll:
	}
	return nil, false
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type    Type            `json:"type"`
		ConvID  string          `json:"conv_id"`
		Seq     uint64          `json:"seq"`
		Time    time.Time       `json:"time"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.Type, e.ConvID, e.Seq, e.Time = raw.Type, raw.ConvID, raw.Seq, raw.Time
	e.Payload = nil
	if len(raw.Payload) == 0 || string(raw.Payload) == "null" {
		return nil
	}
	ptr, ok := payloadFor(raw.Type)
	if !ok {
		return errors.Errorf("unknown event type %q", raw.Type)
	}
	if err := json.Unmarshal(raw.Payload, ptr); err != nil {
		return errors.Wrapf(err, "decode %s payload", raw.Type)
	}
	e.Payload = deref(ptr)
	return nil
}

func deref(p any) any {
	switch v := p.(type) {
	case *MessagePayload:
		return *v
	case *ConversationPayload:
		return *v
	case *HistoryPayload:
		return *v
	case *SuggestionsPayload:
		return *v
	case *ModelsPayload:
		return *v
	case *AgentModesPayload:
		return *v
	case *AttachmentsPayload:
		return *v
	case *FeaturesPayload:
		return *v
	case *ConfigPayload:
		return *v
	case *ErrorPayload:
		return *v
	case *VisibilityPayload:
		return *v
	case *RendererPayload:
		return *v
	}
	return p
}

// Message extracts the message of request/response events.
func (e Event) Message() (chat.Message, bool) {
	p, ok := e.Payload.(MessagePayload)
	if !ok {
		return chat.Message{}, false
	}
	return p.Message, true
}

package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatshell/pkg/chat"
)

func TestEventJSON_DecodesTypedPayload(t *testing.T) {
	ev := Event{
		Type:   TypeResponse,
		ConvID: "c1",
		Seq:    7,
		Time:   time.Unix(1700000000, 0).UTC(),
		Payload: MessagePayload{Message: chat.Message{
			ID:           "m1",
			Role:         chat.RoleAssistant,
			Content:      "AB",
			ContentParts: []chat.ContentPart{{Index: 0, Text: "AB", Citations: []chat.Citation{}}},
		}},
	}
	b, err := json.Marshal(ev)
	require.NoError(t, err)

	var back Event
	require.NoError(t, json.Unmarshal(b, &back))
	require.Equal(t, TypeResponse, back.Type)
	require.Equal(t, uint64(7), back.Seq)
	msg, ok := back.Message()
	require.True(t, ok)
	require.Equal(t, "AB", msg.RenderedText())
}

func TestEventJSON_ErrorAndEmptyPayloads(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(`{"type":"error","payload":{"message":"boom"}}`), &ev))
	require.Equal(t, ErrorPayload{Message: "boom"}, ev.Payload)

	require.NoError(t, json.Unmarshal([]byte(`{"type":"closed"}`), &ev))
	require.Nil(t, ev.Payload)

	require.Error(t, json.Unmarshal([]byte(`{"type":"warp","payload":{}}`), &ev))
	_, ok := ev.Message()
	require.False(t, ok)
}

// Package webchat hosts chat conversations over websockets and mounts the shell APIs.
//
// Ownership model:
//   - A Hub owns one Conversation per conv_id: its ChatService, event bus, websocket pool
//     and timeline projector.
//   - Server mounts /ws, /healthz and the /api routes (timeline, config, shell, prefs,
//     theme.css, attachments) on a chi router and drives shutdown.
//
// Frames sent to clients carry a per-conversation seq. Clients reconnect with ?since_seq=
// and receive the buffered frames after it, or a full state frame when the gap is too old.
package webchat

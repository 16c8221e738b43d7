package webchat

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatshell/pkg/attachments"
	"github.com/go-go-golems/chatshell/pkg/auth"
	"github.com/go-go-golems/chatshell/pkg/chat"
	"github.com/go-go-golems/chatshell/pkg/chat/config"
	"github.com/go-go-golems/chatshell/pkg/chat/service"
	"github.com/go-go-golems/chatshell/pkg/prefs"
	"github.com/go-go-golems/chatshell/pkg/shell"
	"github.com/go-go-golems/chatshell/pkg/theme"
)

const maxJSONBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "http").Msg("response write failed")
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "decode body")
	}
	return nil
}

func queryUint(r *http.Request, key string) (uint64, error) {
	s := strings.TrimSpace(r.URL.Query().Get(key))
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Errorf("invalid %s %q", key, s)
	}
	return v, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "conversations": s.hub.Count()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	convID := strings.TrimSpace(r.URL.Query().Get("conv_id"))
	if convID == "" {
		convID = uuid.NewString()
	}
	since, err := queryUint(r, "since_seq")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	// the connection outlives the request, so attach with the hub context
	if err := s.hub.AttachWebSocket(s.hub.baseCtx, convID, conn, AttachOptions{SinceSeq: since}); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Str("conv_id", convID).Msg("ws attach failed")
		_ = conn.WriteMessage(websocket.TextMessage, encodeFrame(ServerFrame{Type: FrameError, ConvID: convID, Error: "failed to join conversation"}))
		_ = conn.Close()
	}
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	store := s.hub.Store()
	if store == nil {
		http.Error(w, "timeline store not enabled", http.StatusNotFound)
		return
	}
	convID := strings.TrimSpace(r.URL.Query().Get("conv_id"))
	if convID == "" {
		http.Error(w, "missing conv_id", http.StatusBadRequest)
		return
	}
	since, err := queryUint(r, "since_version")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	snap, err := store.GetSnapshot(r.Context(), convID, since, int(min(limit, 5000)))
	if err != nil {
		log.Error().Err(err).Str("conv_id", convID).Msg("timeline snapshot failed")
		http.Error(w, "timeline snapshot failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	store := s.hub.Store()
	if store == nil {
		writeJSON(w, http.StatusOK, []chat.ConversationSummary{})
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	recs, err := store.ListConversations(r.Context(), int(min(limit, 1000)), 0)
	if err != nil {
		log.Error().Err(err).Msg("list conversations failed")
		http.Error(w, "list conversations failed", http.StatusInternalServerError)
		return
	}
	out := make([]chat.ConversationSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Summary())
	}
	writeJSON(w, http.StatusOK, out)
}

type renderedMessage struct {
	ConvID    string `json:"conv_id"`
	MessageID string `json:"message_id"`
	Renderer  string `json:"renderer,omitempty"`
	Body      string `json:"body"`
}

// conversationFor returns the live conversation, hydrating it when only the store knows it.
func (s *Server) conversationFor(r *http.Request, convID string) (*Conversation, bool, error) {
	if c, ok := s.hub.GetConversation(convID); ok {
		return c, true, nil
	}
	store := s.hub.Store()
	if store == nil {
		return nil, false, nil
	}
	if _, ok, err := store.GetConversation(r.Context(), convID); err != nil || !ok {
		return nil, false, err
	}
	c, err := s.hub.GetOrCreate(r.Context(), convID)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// handleRenderMessage renders one message with the conversation's active renderer.
func (s *Server) handleRenderMessage(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "convID")
	msgID := chi.URLParam(r, "msgID")
	c, ok, err := s.conversationFor(r, convID)
	if err != nil {
		log.Error().Err(err).Str("conv_id", convID).Msg("load conversation failed")
		http.Error(w, "load conversation failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	body, err := c.Service().RenderMessage(msgID)
	switch {
	case errors.Is(err, service.ErrUnknownMessage):
		http.Error(w, "message not found", http.StatusNotFound)
		return
	case err != nil:
		log.Warn().Err(err).Str("conv_id", convID).Str("message_id", msgID).Msg("render failed")
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, renderedMessage{
		ConvID:    convID,
		MessageID: msgID,
		Renderer:  c.Service().State().Renderer,
		Body:      body,
	})
}

// handleGetConfig answers the live conversation config, or the defaults without conv_id.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	convID := strings.TrimSpace(r.URL.Query().Get("conv_id"))
	if convID == "" {
		writeJSON(w, http.StatusOK, s.hub.Defaults())
		return
	}
	c, ok := s.hub.GetConversation(convID)
	if !ok {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c.Service().GetConfig())
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var p config.Patch
	if err := decodeJSON(r, &p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	convID := strings.TrimSpace(r.URL.Query().Get("conv_id"))
	var (
		out config.Config
		err error
	)
	if convID == "" {
		out, err = s.hub.PatchDefaults(p)
	} else {
		c, ok := s.hub.GetConversation(convID)
		if !ok {
			http.Error(w, "conversation not found", http.StatusNotFound)
			return
		}
		out, err = c.Service().PatchConfig(r.Context(), p)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) prefsSnapshot() prefs.Snapshot {
	if s.prefs == nil {
		return prefs.Snapshot{Theme: prefs.ThemeSystem}
	}
	return s.prefs.Snapshot()
}

func (s *Server) handleShell(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "/"
	}
	st := shell.Build(s.nav, s.gate, auth.UserFromContext(r.Context()), path, s.prefsSnapshot())
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetPrefs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.prefsSnapshot())
}

type prefsUpdate struct {
	SidebarCollapsed *bool   `json:"sidebar_collapsed,omitempty"`
	Theme            *string `json:"theme,omitempty"`
}

func (s *Server) handlePutPrefs(w http.ResponseWriter, r *http.Request) {
	if s.prefs == nil {
		http.Error(w, "preferences not enabled", http.StatusNotFound)
		return
	}
	var up prefsUpdate
	if err := decodeJSON(r, &up); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if up.Theme != nil {
		t, err := prefs.ParseTheme(*up.Theme)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.prefs.SetTheme(r.Context(), t); err != nil {
			log.Error().Err(err).Msg("save theme failed")
			http.Error(w, "save preferences failed", http.StatusInternalServerError)
			return
		}
	}
	if up.SidebarCollapsed != nil {
		if err := s.prefs.SetSidebarCollapsed(r.Context(), *up.SidebarCollapsed); err != nil {
			log.Error().Err(err).Msg("save sidebar failed")
			http.Error(w, "save preferences failed", http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.prefs.Snapshot())
}

// handleThemeCSS renders the palette for ?mode=, falling back to the stored theme preference.
// prefers_dark=1 resolves the system mode.
func (s *Server) handleThemeCSS(w http.ResponseWriter, r *http.Request) {
	mode := theme.Mode(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("mode"))))
	if mode == "" {
		mode = theme.Mode(s.prefsSnapshot().Theme)
	}
	switch mode {
	case theme.ModeLight, theme.ModeDark, theme.ModeSystem:
	default:
		http.Error(w, "invalid mode", http.StatusBadRequest)
		return
	}
	prefersDark, _ := strconv.ParseBool(r.URL.Query().Get("prefers_dark"))
	a := theme.NewApplier()
	if err := a.Apply(s.theme, theme.ResolveMode(mode, prefersDark)); err != nil {
		log.Error().Err(err).Msg("theme apply failed")
		http.Error(w, "theme unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = io.WriteString(w, a.CSS(":root"))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.attachments == nil {
		http.Error(w, "attachments not enabled", http.StatusNotFound)
		return
	}
	cfg := s.hub.Defaults()
	if convID := strings.TrimSpace(r.URL.Query().Get("conv_id")); convID != "" {
		if c, ok := s.hub.GetConversation(convID); ok {
			cfg = c.Service().GetConfig()
		}
	}
	if !cfg.FeatureEnabled(config.FeatureAttachments) {
		http.Error(w, "attachments are disabled", http.StatusForbidden)
		return
	}
	if limit := cfg.AllowedAttachments.MaxSizeBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+maxJSONBody)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, attachments.ErrTooLarge.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	store := attachments.NewPolicyStore(s.attachments, func() config.AttachmentPolicy { return cfg.AllowedAttachments })
	att, err := store.Put(r.Context(), attachments.Upload{
		Name:     header.Filename,
		MIMEType: header.Header.Get("Content-Type"),
		Size:     header.Size,
		Body:     file,
	})
	switch {
	case errors.Is(err, attachments.ErrTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if s.attachments == nil {
		http.Error(w, "attachments not enabled", http.StatusNotFound)
		return
	}
	rc, att, err := s.attachments.Open(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, attachments.ErrNotFound) {
		http.Error(w, "attachment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("open attachment failed")
		http.Error(w, "open attachment failed", http.StatusInternalServerError)
		return
	}
	defer func() { _ = rc.Close() }()
	if att.MIMEType != "" {
		w.Header().Set("Content-Type", att.MIMEType)
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+strings.ReplaceAll(att.Name, `"`, "")+`"`)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := io.Copy(w, rc); err != nil {
		log.Warn().Err(err).Str("attachment_id", att.ID).Msg("attachment write failed")
	}
}

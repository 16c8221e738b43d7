// Package service implements the chat service facade: conversation state,
// streaming response aggregation and typed event publication.
//
// Callers drive the widget through ChatService methods; every state change
// is published on the injected bus as an events.Event, so transports (the
// websocket hub, the timeline projector, tests) observe the same stream.
package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatshell/pkg/chat"
	"github.com/go-go-golems/chatshell/pkg/chat/aggregator"
	"github.com/go-go-golems/chatshell/pkg/chat/bus"
	"github.com/go-go-golems/chatshell/pkg/chat/config"
	"github.com/go-go-golems/chatshell/pkg/chat/events"
)

var (
	ErrNotInitialized      = errors.New("chat service is not initialized")
	ErrEmptyRequest        = errors.New("request has no text and no attachments")
	ErrAttachmentsDisabled = errors.New("attachments are disabled")
	ErrUnknownModel        = errors.New("unknown model")
	ErrUnknownAgentMode    = errors.New("unknown agent mode")
	ErrUnknownMessage      = errors.New("unknown message")
	ErrInvalidRenderer     = errors.New("renderer name is empty or renderer is nil")
)

// MessageRenderer turns a message into display markup.
type MessageRenderer interface {
	Render(msg chat.Message) (string, error)
}

type MessageRendererFunc func(msg chat.Message) (string, error)

func (f MessageRendererFunc) Render(msg chat.Message) (string, error) { return f(msg) }

// Service is the surface consumed by transports and demo responders.
type Service interface {
	Initialize(ctx context.Context, cfg config.Config) error
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	SendRequest(ctx context.Context, text string, attachments []chat.Attachment) (chat.Message, error)
	SendResponse(ctx context.Context, chunk chat.Chunk) (chat.Message, error)
	StopResponse(ctx context.Context, id string) error
	ResponseContext(ctx context.Context, id string) context.Context
	SetConversation(ctx context.Context, messages []chat.Message) error
	SetHistory(ctx context.Context, history []chat.ConversationSummary) error
	SetSuggestions(ctx context.Context, suggestions []chat.Suggestion) error
	SetModels(ctx context.Context, models []chat.Model) error
	SetSelectedModel(ctx context.Context, id string) error
	SetAgentModes(ctx context.Context, modes []chat.AgentMode) error
	SetAgentMode(ctx context.Context, id string) error
	SetAllowedAttachments(ctx context.Context, policy config.AttachmentPolicy) error
	SetDisabledFeatures(ctx context.Context, features config.FeatureSet) error
	InjectMessageRenderer(ctx context.Context, name string, r MessageRenderer) error
	RenderMessage(id string) (string, error)
	SetError(ctx context.Context, message string) error
	ClearError(ctx context.Context) error
	PatchConfig(ctx context.Context, patch config.Patch) (config.Config, error)
	GetConfig() config.Config
	State() State
	On(t events.Type, h bus.Handler) bus.Subscription
}

// State is a point-in-time snapshot used to hydrate new clients.
type State struct {
	ConvID      string                     `json:"conv_id"`
	Initialized bool                       `json:"initialized"`
	Open        bool                       `json:"open"`
	Config      config.Config              `json:"config"`
	Messages    []chat.Message             `json:"messages"`
	History     []chat.ConversationSummary `json:"history,omitempty"`
	Suggestions []chat.Suggestion          `json:"suggestions,omitempty"`
	Error       string                     `json:"error,omitempty"`
	Renderer    string                     `json:"renderer,omitempty"`
	Streaming   []string                   `json:"streaming,omitempty"`
}

type ChatService struct {
	convID string
	bus    bus.EventBus
	now    func() time.Time
	newID  func() string

	mu          sync.Mutex
	seq         uint64
	initialized bool
	open        bool
	cfg         config.Config
	agg         *aggregator.Aggregator
	messages    []chat.Message
	index       map[string]int
	history     []chat.ConversationSummary
	suggestions []chat.Suggestion
	errMsg      string
	renderers   map[string]MessageRenderer
	renderer    string
	cancels     map[string][]context.CancelFunc
}

var _ Service = &ChatService{}

type Option func(*ChatService)

func WithBus(b bus.EventBus) Option {
	return func(s *ChatService) {
		if b != nil {
			s.bus = b
		}
	}
}

func WithConvID(id string) Option {
	return func(s *ChatService) {
		if id != "" {
			s.convID = id
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *ChatService) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(s *ChatService) {
		if fn != nil {
			s.newID = fn
		}
	}
}

func New(opts ...Option) *ChatService {
	s := &ChatService{
		convID:    uuid.NewString(),
		now:       time.Now,
		newID:     uuid.NewString,
		cfg:       config.Default(),
		index:     map[string]int{},
		renderers: map[string]MessageRenderer{},
		cancels:   map[string][]context.CancelFunc{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.bus == nil {
		s.bus = bus.NewLocalBus()
	}
	s.agg = s.newAggregator()
	return s
}

func (s *ChatService) newAggregator() *aggregator.Aggregator {
	return aggregator.New(aggregator.WithMessageOptions(
		aggregator.WithRole(chat.RoleAssistant),
		aggregator.WithClock(s.now),
	))
}

func (s *ChatService) ConvID() string { return s.convID }

func (s *ChatService) Bus() bus.EventBus { return s.bus }

// publish assigns the next sequence number under the lock and dispatches outside of it.
func (s *ChatService) publish(ctx context.Context, t events.Type, payload any) {
	s.mu.Lock()
	s.seq++
	ev := events.Event{Type: t, ConvID: s.convID, Seq: s.seq, Time: s.now(), Payload: payload}
	s.mu.Unlock()
	s.dispatch(ctx, ev)
}

func (s *ChatService) dispatch(ctx context.Context, ev events.Event) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("component", "chat_service").Str("conv_id", s.convID).
			Str("event", string(ev.Type)).Msg("publish failed")
	}
}

func (s *ChatService) requireInit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (s *ChatService) On(t events.Type, h bus.Handler) bus.Subscription {
	return s.bus.Subscribe(t, h)
}

func (s *ChatService) Initialize(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg.Clone()
	s.initialized = true
	snapshot := s.cfg.Clone()
	s.mu.Unlock()
	log.Debug().Str("component", "chat_service").Str("conv_id", s.convID).Msg("initialized")
	s.publish(ctx, events.TypeInitialized, events.ConfigPayload{Config: snapshot})
	return nil
}

func (s *ChatService) setOpen(ctx context.Context, open bool) error {
	if err := s.requireInit(); err != nil {
		return err
	}
	s.mu.Lock()
	s.open = open
	s.mu.Unlock()
	t := events.TypeClosed
	if open {
		t = events.TypeOpened
	}
	s.publish(ctx, t, events.VisibilityPayload{Open: open})
	return nil
}

func (s *ChatService) Open(ctx context.Context) error { return s.setOpen(ctx, true) }

func (s *ChatService) Close(ctx context.Context) error { return s.setOpen(ctx, false) }

func (s *ChatService) SendRequest(ctx context.Context, text string, attachments []chat.Attachment) (chat.Message, error) {
	if err := s.requireInit(); err != nil {
		return chat.Message{}, err
	}
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return chat.Message{}, ErrEmptyRequest
	}
	cfg := s.GetConfig()
	if len(attachments) > 0 {
		if !cfg.FeatureEnabled(config.FeatureAttachments) {
			return chat.Message{}, ErrAttachmentsDisabled
		}
		if err := cfg.AllowedAttachments.AllowsCount(len(attachments)); err != nil {
			return chat.Message{}, err
		}
		for _, a := range attachments {
			if err := cfg.AllowedAttachments.Allows(a.Name, a.MIMEType, a.Size); err != nil {
				return chat.Message{}, err
			}
		}
	}
	now := s.now()
	msg := chat.Message{
		ID:          s.newID(),
		Role:        chat.RoleUser,
		Content:     text,
		Attachments: append([]chat.Attachment(nil), attachments...),
		Done:        true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.mu.Lock()
	s.upsertLocked(msg)
	s.mu.Unlock()
	s.publish(ctx, events.TypeRequest, events.MessagePayload{Message: msg.Clone()})
	return msg, nil
}

func (s *ChatService) upsertLocked(msg chat.Message) {
	if i, ok := s.index[msg.ID]; ok {
		s.messages[i] = msg
		return
	}
	s.index[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
}

// SendResponse applies one streamed chunk. Chunks for a done or stopped message are rejected
// with the aggregator's error and publish nothing. Events of one response are published
// before its next chunk is applied, so their handlers must not send chunks for, or stop,
// that response synchronously.
func (s *ChatService) SendResponse(ctx context.Context, chunk chat.Chunk) (chat.Message, error) {
	if err := s.requireInit(); err != nil {
		return chat.Message{}, err
	}
	s.mu.Lock()
	agg := s.agg
	prev, known := chat.Message{}, false
	if i, ok := s.index[chunk.ID]; ok {
		prev, known = s.messages[i], true
	}
	s.mu.Unlock()

	// finished messages stay final after their aggregation state is forgotten
	if _, tracked := agg.Status(chunk.ID); !tracked && known {
		switch {
		case prev.Stopped:
			return prev.Clone(), aggregator.ErrStopped
		case prev.Done:
			return prev.Clone(), aggregator.ErrFinalized
		}
	}

	// the transcript and the events of one response follow chunk order
	return agg.ApplyFunc(chunk, func(msg chat.Message) {
		s.mu.Lock()
		s.upsertLocked(msg.Clone())
		var cancels []context.CancelFunc
		if msg.Done {
			cancels = s.cancels[msg.ID]
			delete(s.cancels, msg.ID)
		}
		s.mu.Unlock()
		for _, c := range cancels {
			c()
		}

		s.publish(ctx, events.TypeResponse, events.MessagePayload{Message: msg.Clone()})
		if msg.Done {
			s.publish(ctx, events.TypeResponseDone, events.MessagePayload{Message: msg.Clone()})
		}
	})
}

// StopResponse freezes the streaming message and cancels its response contexts.
// Unknown or already finished ids only cancel outstanding contexts.
func (s *ChatService) StopResponse(ctx context.Context, id string) error {
	if err := s.requireInit(); err != nil {
		return err
	}
	s.mu.Lock()
	agg := s.agg
	cancels := s.cancels[id]
	delete(s.cancels, id)
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}

	agg.StopFunc(id, func(msg chat.Message) { s.stopped(ctx, msg) })
	return nil
}

func (s *ChatService) stopped(ctx context.Context, msg chat.Message) {
	s.mu.Lock()
	s.upsertLocked(msg.Clone())
	s.mu.Unlock()
	log.Debug().Str("component", "chat_service").Str("conv_id", s.convID).Str("message_id", msg.ID).Msg("response stopped")
	s.publish(ctx, events.TypeResponseStopped, events.MessagePayload{Message: msg})
}

// ResponseContext returns a context cancelled when the response id is stopped or done.
// Producers check it before emitting the next chunk.
func (s *ChatService) ResponseContext(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	rctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	agg := s.agg
	s.mu.Unlock()
	if st, ok := agg.Status(id); ok && st != aggregator.StatusStreaming {
		cancel()
		return rctx
	}
	s.mu.Lock()
	s.cancels[id] = append(s.cancels[id], cancel)
	s.mu.Unlock()
	return rctx
}

// SetConversation replaces the transcript. In-flight responses are stopped and forgotten.
func (s *ChatService) SetConversation(ctx context.Context, messages []chat.Message) error {
	if err := s.requireInit(); err != nil {
		return err
	}
	for _, m := range messages {
		if m.ID == "" {
			return errors.New("conversation message without id")
		}
		if !m.Role.Valid() {
			return errors.Errorf("message %s: invalid role %q", m.ID, m.Role)
		}
	}
	s.mu.Lock()
	s.messages = make([]chat.Message, 0, len(messages))
	s.index = map[string]int{}
	for _, m := range messages {
		s.upsertLocked(m.Clone())
	}
	oldCancels := s.cancels
	s.cancels = map[string][]context.CancelFunc{}
	s.agg = s.newAggregator()
	out := s.messagesLocked()
	s.mu.Unlock()
	for _, cs := range oldCancels {
		for _, c := range cs {
			c()
		}
	}
	s.publish(ctx, events.TypeConversation, events.ConversationPayload{Messages: out})
	return nil
}

func (s *ChatService) messagesLocked() []chat.Message {
	out := make([]chat.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

func (s *ChatService) SetHistory(ctx context.Context, history []chat.ConversationSummary) error {
	if err := s.requireInit(); err != nil {
		return err
	}
	s.mu.Lock()
	s.history = append([]chat.ConversationSummary(nil), history...)
	out := append([]chat.ConversationSummary(nil), history...)
	s.mu.Unlock()
	s.publish(ctx, events.TypeHistory, events.HistoryPayload{Conversations: out})
	return nil
}

func (s *ChatService) SetSuggestions(ctx context.Context, suggestions []chat.Suggestion) error {
	if err := s.requireInit(); err != nil {
		return err
	}
	for _, sg := range suggestions {
		if strings.TrimSpace(sg.Text) == "" {
			return errors.Errorf("suggestion %q has empty text", sg.ID)
		}
	}
	s.mu.Lock()
	s.suggestions = append([]chat.Suggestion(nil), suggestions...)
	out := append([]chat.Suggestion(nil), suggestions...)
	s.mu.Unlock()
	s.publish(ctx, events.TypeSuggestions, events.SuggestionsPayload{Suggestions: out})
	return nil
}

// applyPatch merges p into the current config and publishes the event built from the result.
func (s *ChatService) applyPatch(ctx context.Context, p config.Patch, t events.Type, payload func(config.Config) any) (config.Config, error) {
	if err := s.requireInit(); err != nil {
		return config.Config{}, err
	}
	s.mu.Lock()
	next, err := s.cfg.Apply(p)
	if err != nil {
		s.mu.Unlock()
		return config.Config{}, err
	}
	s.cfg = next
	snapshot := next.Clone()
	s.mu.Unlock()
	s.publish(ctx, t, payload(snapshot))
	return snapshot, nil
}

func modelsPayload(c config.Config) any {
	return events.ModelsPayload{Models: c.Models, Selected: c.SelectedModel}
}

func agentModesPayload(c config.Config) any {
	return events.AgentModesPayload{Modes: c.AgentModes, Selected: c.SelectedAgentMode}
}

// SetModels replaces the model list. A selection that no longer exists is cleared.
func (s *ChatService) SetModels(ctx context.Context, models []chat.Model) error {
	models = append([]chat.Model(nil), models...)
	selected := s.GetConfig().SelectedModel
	found := false
	for _, m := range models {
		if m.ID == selected {
			found = true
		}
	}
	if !found {
		selected = ""
	}
	_, err := s.applyPatch(ctx, config.Patch{Models: &models, SelectedModel: &selected}, events.TypeModels, modelsPayload)
	return err
}

func (s *ChatService) SetSelectedModel(ctx context.Context, id string) error {
	if err := s.requireInit(); err != nil {
		return err
	}
	known := false
	for _, m := range s.GetConfig().Models {
		if m.ID == id {
			known = true
		}
	}
	if !known {
		return errors.Wrapf(ErrUnknownModel, "%q", id)
	}
	_, err := s.applyPatch(ctx, config.Patch{SelectedModel: &id}, events.TypeModelSelected, modelsPayload)
	return err
}

func (s *ChatService) SetAgentModes(ctx context.Context, modes []chat.AgentMode) error {
	modes = append([]chat.AgentMode(nil), modes...)
	selected := s.GetConfig().SelectedAgentMode
	found := false
	for _, m := range modes {
		if m.ID == selected {
			found = true
		}
	}
	if !found {
		selected = ""
	}
	_, err := s.applyPatch(ctx, config.Patch{AgentModes: &modes, SelectedAgentMode: &selected}, events.TypeAgentModes, agentModesPayload)
	return err
}

func (s *ChatService) SetAgentMode(ctx context.Context, id string) error {
	if err := s.requireInit(); err != nil {
		return err
	}
	known := false
	for _, m := range s.GetConfig().AgentModes {
		if m.ID == id {
			known = true
		}
	}
	if !known {
		return errors.Wrapf(ErrUnknownAgentMode, "%q", id)
	}
	_, err := s.applyPatch(ctx, config.Patch{SelectedAgentMode: &id}, events.TypeAgentModeSelected, agentModesPayload)
	return err
}

func (s *ChatService) SetAllowedAttachments(ctx context.Context, policy config.AttachmentPolicy) error {
	_, err := s.applyPatch(ctx, config.Patch{AllowedAttachments: &policy}, events.TypeAttachments, func(c config.Config) any {
		return events.AttachmentsPayload{Policy: c.AllowedAttachments}
	})
	return err
}

func (s *ChatService) SetDisabledFeatures(ctx context.Context, features config.FeatureSet) error {
	_, err := s.applyPatch(ctx, config.Patch{DisabledFeatures: &features}, events.TypeFeatures, func(c config.Config) any {
		return events.FeaturesPayload{Disabled: c.DisabledFeatures}
	})
	return err
}

func (s *ChatService) PatchConfig(ctx context.Context, patch config.Patch) (config.Config, error) {
	return s.applyPatch(ctx, patch, events.TypeConfig, func(c config.Config) any {
		return events.ConfigPayload{Config: c}
	})
}

// GetConfig is available before Initialize and returns the defaults then.
func (s *ChatService) GetConfig() config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

// InjectMessageRenderer registers r under name and makes it the active renderer.
func (s *ChatService) InjectMessageRenderer(ctx context.Context, name string, r MessageRenderer) error {
	if err := s.requireInit(); err != nil {
		return err
	}
	if name == "" || r == nil {
		return ErrInvalidRenderer
	}
	s.mu.Lock()
	s.renderers[name] = r
	s.renderer = name
	s.mu.Unlock()
	s.publish(ctx, events.TypeRenderer, events.RendererPayload{Name: name})
	return nil
}

// RenderMessage renders with the active renderer, or returns the plain text when none is injected.
func (s *ChatService) RenderMessage(id string) (string, error) {
	if err := s.requireInit(); err != nil {
		return "", err
	}
	s.mu.Lock()
	i, ok := s.index[id]
	var msg chat.Message
	if ok {
		msg = s.messages[i].Clone()
	}
	r := s.renderers[s.renderer]
	s.mu.Unlock()
	if !ok {
		return "", errors.Wrapf(ErrUnknownMessage, "%q", id)
	}
	if r == nil {
		return msg.RenderedText(), nil
	}
	out, err := r.Render(msg)
	if err != nil {
		return "", errors.Wrapf(err, "render message %s", id)
	}
	return out, nil
}

func (s *ChatService) SetError(ctx context.Context, message string) error {
	if err := s.requireInit(); err != nil {
		return err
	}
	if strings.TrimSpace(message) == "" {
		return s.ClearError(ctx)
	}
	s.mu.Lock()
	s.errMsg = message
	s.mu.Unlock()
	s.publish(ctx, events.TypeError, events.ErrorPayload{Message: message})
	return nil
}

// ClearError publishes error.cleared only when an error was set.
func (s *ChatService) ClearError(ctx context.Context) error {
	if err := s.requireInit(); err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.errMsg
	s.errMsg = ""
	s.mu.Unlock()
	if prev == "" {
		return nil
	}
	s.publish(ctx, events.TypeErrorCleared, events.ErrorPayload{Message: prev})
	return nil
}

func (s *ChatService) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		ConvID:      s.convID,
		Initialized: s.initialized,
		Open:        s.open,
		Config:      s.cfg.Clone(),
		Messages:    s.messagesLocked(),
		History:     append([]chat.ConversationSummary(nil), s.history...),
		Suggestions: append([]chat.Suggestion(nil), s.suggestions...),
		Error:       s.errMsg,
		Renderer:    s.renderer,
		Streaming:   s.agg.Streaming(),
	}
}

// Forget drops aggregation state of finished responses last updated before cutoff.
// The transcript keeps their final snapshots.
func (s *ChatService) Forget(cutoff time.Time) int {
	s.mu.Lock()
	agg := s.agg
	s.mu.Unlock()
	return agg.Forget(cutoff)
}

// Dispose stops every streaming response and cancels outstanding response contexts.
func (s *ChatService) Dispose(ctx context.Context) {
	s.mu.Lock()
	agg := s.agg
	cancels := s.cancels
	s.cancels = map[string][]context.CancelFunc{}
	s.mu.Unlock()
	for _, cs := range cancels {
		for _, c := range cs {
			c()
		}
	}
	for _, id := range agg.Streaming() {
		agg.StopFunc(id, func(msg chat.Message) { s.stopped(ctx, msg) })
	}
}

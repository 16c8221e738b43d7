package webchat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatshell/pkg/chat"
	"github.com/go-go-golems/chatshell/pkg/chat/bus"
	"github.com/go-go-golems/chatshell/pkg/chat/config"
	"github.com/go-go-golems/chatshell/pkg/chat/events"
	"github.com/go-go-golems/chatshell/pkg/chat/playback"
	"github.com/go-go-golems/chatshell/pkg/chat/service"
	"github.com/go-go-golems/chatshell/pkg/persistence/chatstore"
)

type HubConfig struct {
	BaseCtx context.Context
	// Config seeds every new conversation.
	Config config.Config
	Store  chatstore.TimelineStore
	// Publisher and Subscriber route events through watermill when both are set.
	// Otherwise every conversation uses an in-process bus.
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// SubscriberFor, when set, gives each conversation its own subscriber, closed with it.
	SubscriberFor func(ctx context.Context, topic string) (message.Subscriber, error)
	// Scenario enables the playback responder for every conversation.
	Scenario string
	Interval time.Duration
	// Renderer is injected into every conversation under RendererName.
	Renderer     service.MessageRenderer
	RendererName string
	IdleTimeout  time.Duration
	FrameBuffer  int
	HistoryLimit int
}

// Hub owns the live conversations and attaches websocket clients to them.
type Hub struct {
	baseCtx context.Context
	cfg     HubConfig
	now     func() time.Time

	mu            sync.Mutex
	defaults      config.Config
	convs         map[string]*Conversation
	evictIdle     time.Duration
	evictInterval time.Duration
	evictRunning  bool
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("hub base context is nil")
	}
	if err := cfg.Config.Validate(); err != nil {
		return nil, errors.Wrap(err, "hub config")
	}
	if (cfg.Publisher == nil) != (cfg.Subscriber == nil) {
		return nil, errors.New("hub needs both a publisher and a subscriber, or neither")
	}
	if cfg.SubscriberFor != nil && cfg.Publisher == nil {
		return nil, errors.New("hub needs a publisher for per-conversation subscribers")
	}
	if cfg.Scenario != "" {
		if _, err := playback.Scenario(cfg.Scenario, "check", ""); err != nil {
			return nil, err
		}
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	return &Hub{
		baseCtx:  cfg.BaseCtx,
		cfg:      cfg,
		now:      time.Now,
		defaults: cfg.Config.Clone(),
		convs:    map[string]*Conversation{},
	}, nil
}

// Defaults is the config new conversations start from.
func (h *Hub) Defaults() config.Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.defaults.Clone()
}

// PatchDefaults changes the config of conversations created from now on.
func (h *Hub) PatchDefaults(p config.Patch) (config.Config, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	next, err := h.defaults.Apply(p)
	if err != nil {
		return config.Config{}, err
	}
	h.defaults = next
	return next.Clone(), nil
}

func (h *Hub) Store() chatstore.TimelineStore { return h.cfg.Store }

func (h *Hub) GetConversation(convID string) (*Conversation, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.convs[convID]
	return c, ok
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.convs)
}

// GetOrCreate returns the live conversation, building and hydrating it from the store when needed.
func (h *Hub) GetOrCreate(ctx context.Context, convID string) (*Conversation, error) {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		convID = uuid.NewString()
	}
	if ctx == nil {
		ctx = h.baseCtx
	}

	if c, ok := h.lookup(convID); ok {
		return c, nil
	}

	// hydrate without holding h.mu, then keep whichever conversation was registered first
	built, err := h.build(ctx, convID, h.Defaults())
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if c, ok := h.convs[convID]; ok {
		h.mu.Unlock()
		c.touch(h.now())
		built.discard(ctx)
		return c, nil
	}
	h.convs[convID] = built
	h.mu.Unlock()
	log.Info().Str("component", "webchat").Str("conv_id", convID).Msg("conversation created")
	return built, nil
}

func (h *Hub) lookup(convID string) (*Conversation, bool) {
	h.mu.Lock()
	c, ok := h.convs[convID]
	h.mu.Unlock()
	if ok {
		c.touch(h.now())
	}
	return c, ok
}

func (h *Hub) buildBus(ctx context.Context, convID string) (bus.EventBus, error) {
	if h.cfg.Publisher == nil {
		return bus.NewLocalBus(), nil
	}
	topic := bus.TopicForConv(convID)
	sub := h.cfg.Subscriber
	var opts []bus.WatermillOption
	if h.cfg.SubscriberFor != nil {
		own, err := h.cfg.SubscriberFor(ctx, topic)
		if err != nil {
			return nil, err
		}
		sub = own
		opts = append(opts, bus.WithSubscriberOwnership())
	}
	wb, err := bus.NewWatermillBus(topic, h.cfg.Publisher, sub, opts...)
	if err != nil {
		return nil, err
	}
	if err := wb.Start(h.baseCtx); err != nil {
		_ = wb.Close()
		return nil, err
	}
	return wb, nil
}

func (h *Hub) build(ctx context.Context, convID string, defaults config.Config) (*Conversation, error) {
	b, err := h.buildBus(ctx, convID)
	if err != nil {
		return nil, errors.Wrapf(err, "conversation %s: bus", convID)
	}
	svc := service.New(service.WithBus(b), service.WithConvID(convID))
	c := &Conversation{
		ID:           convID,
		svc:          svc,
		bus:          b,
		frames:       newFrameBuffer(h.cfg.FrameBuffer),
		lastActivity: h.now(),
	}
	c.pool = NewConnectionPool(convID, h.cfg.IdleTimeout, func() {
		log.Debug().Str("component", "webchat").Str("conv_id", convID).Msg("last client left")
	})

	fail := func(err error) (*Conversation, error) {
		c.close(ctx)
		return nil, err
	}

	if err := svc.Initialize(ctx, defaults); err != nil {
		return fail(err)
	}
	if h.cfg.Renderer != nil {
		name := h.cfg.RendererName
		if name == "" {
			name = "default"
		}
		if err := svc.InjectMessageRenderer(ctx, name, h.cfg.Renderer); err != nil {
			return fail(err)
		}
	}

	var base uint64
	if store := h.cfg.Store; store != nil {
		snap, err := store.GetSnapshot(ctx, convID, 0, 0)
		if err != nil {
			return fail(errors.Wrapf(err, "conversation %s: hydrate", convID))
		}
		base = snap.Version
		if len(snap.Entries) > 0 {
			if err := svc.SetConversation(ctx, snap.Messages()); err != nil {
				return fail(err)
			}
		}
		if recs, err := store.ListConversations(ctx, h.cfg.HistoryLimit, 0); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("conv_id", convID).Msg("history unavailable")
		} else if len(recs) > 0 {
			history := make([]chat.ConversationSummary, 0, len(recs))
			for _, r := range recs {
				history = append(history, r.Summary())
			}
			if err := svc.SetHistory(ctx, history); err != nil {
				return fail(err)
			}
		}
		c.projector = NewTimelineProjector(convID, store,
			WithBaseVersion(base),
			WithThrottle(func() time.Duration { return svc.GetConfig().StreamThrottle }),
		)
		c.subs = append(c.subs, svc.On(events.TypeAll, c.projector.Handle))
	}

	c.subs = append(c.subs, svc.On(events.TypeAll, func(_ context.Context, ev events.Event) {
		c.touch(h.now())
		evCopy := ev
		frame := encodeFrame(ServerFrame{Type: FrameEvent, ConvID: convID, Event: &evCopy})
		c.frames.Add(ev.Seq, frame)
		c.pool.Broadcast(frame)
	}))

	if h.cfg.Scenario != "" {
		c.responder = &playback.Responder{Service: svc, Scenario: h.cfg.Scenario, Interval: h.cfg.Interval}
		c.subs = append(c.subs, svc.On(events.TypeRequest, c.responder.HandleRequest))
	}
	return c, nil
}

type AttachOptions struct {
	// SinceSeq resumes from buffered frames. Zero, or a gap in the buffer, sends the full state.
	SinceSeq uint64
}

// AttachWebSocket registers conn with the conversation, sends the hello frame and
// serves client frames until the connection closes.
func (h *Hub) AttachWebSocket(ctx context.Context, convID string, conn *websocket.Conn, opts AttachOptions) error {
	if conn == nil {
		return errors.New("websocket connection is nil")
	}
	c, err := h.GetOrCreate(ctx, convID)
	if err != nil {
		return err
	}
	wsLog := log.With().
		Str("component", "webchat").
		Str("remote", conn.RemoteAddr().String()).
		Str("conv_id", c.ID).
		Logger()

	c.pool.Add(conn)
	h.sendHello(c, conn, opts)
	wsLog.Info().Msg("ws connected")

	go func() {
		defer wsLog.Info().Msg("ws disconnected")
		defer c.pool.Remove(conn)
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			h.HandleClientFrame(h.baseCtx, c, conn, data)
		}
	}()
	return nil
}

func (h *Hub) sendHello(c *Conversation, conn wsConn, opts AttachOptions) {
	if opts.SinceSeq > 0 {
		if frames, ok := c.frames.Since(opts.SinceSeq); ok {
			c.pool.SendToOne(conn, encodeFrame(ServerFrame{Type: FrameHello, ConvID: c.ID, ServerTime: h.now().UnixMilli()}))
			for _, f := range frames {
				c.pool.SendToOne(conn, f)
			}
			return
		}
	}
	st := c.svc.State()
	c.pool.SendToOne(conn, encodeFrame(ServerFrame{Type: FrameHello, ConvID: c.ID, ServerTime: h.now().UnixMilli(), State: &st}))
}

// HandleClientFrame applies one client frame. Failures are answered with an error frame to the sender only.
func (h *Hub) HandleClientFrame(ctx context.Context, c *Conversation, conn wsConn, data []byte) {
	c.touch(h.now())
	reply := func(err error) {
		log.Debug().Err(err).Str("component", "webchat").Str("conv_id", c.ID).Msg("client frame rejected")
		c.pool.SendToOne(conn, encodeFrame(ServerFrame{Type: FrameError, ConvID: c.ID, Error: err.Error()}))
	}
	f, err := ParseClientFrame(data)
	if err != nil {
		reply(err)
		return
	}
	svc := c.svc
	switch f.Type {
	case ClientPing:
		c.pool.SendToOne(conn, encodeFrame(ServerFrame{Type: FramePong, ConvID: c.ID, ServerTime: h.now().UnixMilli()}))
		return
	case ClientRequest:
		_, err = svc.SendRequest(ctx, f.Text, f.Attachments)
	case ClientStop:
		err = svc.StopResponse(ctx, f.ID)
	case ClientOpen:
		err = svc.Open(ctx)
	case ClientClose:
		err = svc.Close(ctx)
	case ClientSelectModel:
		err = svc.SetSelectedModel(ctx, f.ID)
	case ClientSelectAgentMode:
		err = svc.SetAgentMode(ctx, f.ID)
	case ClientClearError:
		err = svc.ClearError(ctx)
	default:
		err = errors.Errorf("unknown client frame type %q", f.Type)
	}
	if err != nil {
		reply(err)
	}
}

// Evict closes and forgets a conversation.
func (h *Hub) Evict(ctx context.Context, convID string) bool {
	h.mu.Lock()
	c, ok := h.convs[convID]
	delete(h.convs, convID)
	h.mu.Unlock()
	if ok {
		c.close(ctx)
	}
	return ok
}

// Close closes every conversation.
func (h *Hub) Close(ctx context.Context) {
	h.mu.Lock()
	convs := make([]*Conversation, 0, len(h.convs))
	for id, c := range h.convs {
		convs = append(convs, c)
		delete(h.convs, id)
	}
	h.mu.Unlock()
	for _, c := range convs {
		c.close(ctx)
	}
}

package cmds

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatshell/pkg/attachments"
	"github.com/go-go-golems/chatshell/pkg/auth"
	"github.com/go-go-golems/chatshell/pkg/chat/config"
	"github.com/go-go-golems/chatshell/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatshell/pkg/prefs"
	"github.com/go-go-golems/chatshell/pkg/redisstream"
	"github.com/go-go-golems/chatshell/pkg/render"
	"github.com/go-go-golems/chatshell/pkg/theme"
	"github.com/go-go-golems/chatshell/pkg/webchat"
)

type ServeSettings struct {
	Addr          string
	ConfigFile    string
	Scenario      string
	Interval      time.Duration
	Renderer      string
	TimelineDB    string
	TimelineLimit int
	Bus           string
	IdleTimeout   time.Duration
	EvictIdle     time.Duration
	EvictInterval time.Duration
	PrefsFile     string
	PrefsRedis    string
	ThemeFile     string
	JWTSecret     string
	// InsecureDevAuth trusts unsigned tokens when no secret is set.
	InsecureDevAuth bool
	RequireAuth     bool
}

func NewServeCommand() *cobra.Command {
	s := ServeSettings{
		Addr:          ":8080",
		Scenario:      "echo",
		Interval:      40 * time.Millisecond,
		Renderer:      "markdown",
		TimelineLimit: 5000,
		Bus:           "local",
		IdleTimeout:   time.Minute,
		EvictIdle:     30 * time.Minute,
		EvictInterval: time.Minute,
	}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the websocket chat transport and the shell APIs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if s.JWTSecret == "" {
				s.JWTSecret = os.Getenv("CHATSHELL_JWT_SECRET")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, s)
		},
	}
	f := cmd.Flags()
	f.StringVar(&s.Addr, "addr", s.Addr, "HTTP listen address")
	f.StringVar(&s.ConfigFile, "config", "", "YAML chat config seeding every conversation")
	f.StringVar(&s.Scenario, "scenario", s.Scenario, "Playback scenario answering requests (empty disables)")
	f.DurationVar(&s.Interval, "interval", s.Interval, "Delay between playback chunks")
	f.StringVar(&s.Renderer, "renderer", s.Renderer, "Message renderer injected into conversations (empty disables)")
	f.StringVar(&s.TimelineDB, "timeline-db", "", "SQLite file for timeline persistence (in-memory when empty)")
	f.IntVar(&s.TimelineLimit, "timeline-limit", s.TimelineLimit, "Entries kept per conversation by the in-memory timeline")
	f.StringVar(&s.Bus, "bus", s.Bus, "Event bus: local or watermill (redis when CHATSHELL_REDIS_ENABLED)")
	f.DurationVar(&s.IdleTimeout, "idle-timeout", s.IdleTimeout, "Grace period after the last websocket leaves")
	f.DurationVar(&s.EvictIdle, "evict-idle", s.EvictIdle, "Evict conversations idle this long (0 disables)")
	f.DurationVar(&s.EvictInterval, "evict-interval", s.EvictInterval, "Eviction sweep interval")
	f.StringVar(&s.PrefsFile, "prefs-file", "", "JSON file holding shell preferences")
	f.StringVar(&s.PrefsRedis, "prefs-redis", "", "Redis namespace for shell preferences (needs redis enabled)")
	f.StringVar(&s.ThemeFile, "theme-file", "", "YAML theme overrides")
	f.StringVar(&s.JWTSecret, "jwt-secret", "", "HMAC secret verifying tokens (defaults to CHATSHELL_JWT_SECRET)")
	f.BoolVar(&s.InsecureDevAuth, "insecure-dev-auth", false, "Trust unsigned tokens when no jwt secret is set (development only)")
	f.BoolVar(&s.RequireAuth, "require-auth", false, "Answer 401 on conversation, attachment and websocket routes for anonymous requests")
	return cmd
}

func loadChatConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFile(path)
}

func buildTimelineStore(s ServeSettings) (chatstore.TimelineStore, error) {
	if s.TimelineDB == "" {
		return chatstore.NewInMemoryTimelineStore(s.TimelineLimit), nil
	}
	dsn, err := chatstore.SQLiteTimelineDSNForFile(s.TimelineDB)
	if err != nil {
		return nil, err
	}
	return chatstore.NewSQLiteTimelineStore(dsn)
}

func buildPrefsPort(s ServeSettings, ps *redisstream.PubSub) (prefs.Port, error) {
	switch {
	case s.PrefsFile != "":
		return prefs.NewFilePort(s.PrefsFile)
	case s.PrefsRedis != "":
		if ps == nil || ps.Client == nil {
			return nil, errors.New("--prefs-redis needs CHATSHELL_REDIS_ENABLED=true")
		}
		return prefs.NewRedisPort(ps.Client, s.PrefsRedis)
	}
	return prefs.NewMemoryPort(), nil
}

// buildDecoder refuses to trust unsigned tokens unless --insecure-dev-auth is set.
func buildDecoder(s ServeSettings) (*auth.Decoder, error) {
	switch {
	case s.JWTSecret != "":
		return auth.NewDecoder(auth.WithSecret(s.JWTSecret)), nil
	case s.InsecureDevAuth:
		log.Warn().Str("component", "auth").Msg("insecure dev auth: tokens are decoded without signature verification")
		return auth.NewDecoder(auth.AllowUnverified()), nil
	case s.RequireAuth:
		return nil, errors.New("--require-auth needs --jwt-secret or --insecure-dev-auth")
	}
	log.Info().Str("component", "auth").Msg("no jwt secret configured, every request is anonymous")
	return auth.NewDecoder(), nil
}

func buildAttachmentStore(ctx context.Context) (attachments.Store, error) {
	mc, err := attachments.MinioConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if !mc.Enabled {
		return attachments.NewMemoryStore("/api/attachments/"), nil
	}
	return attachments.NewMinioStore(ctx, mc)
}

func runServe(ctx context.Context, s ServeSettings) error {
	cfg, err := loadChatConfig(s.ConfigFile)
	if err != nil {
		return err
	}
	decoder, err := buildDecoder(s)
	if err != nil {
		return err
	}

	rs, err := redisstream.SettingsFromEnv()
	if err != nil {
		return err
	}
	var ps *redisstream.PubSub
	if rs.Enabled || s.Bus == "watermill" {
		ps, err = redisstream.BuildPubSub(rs)
		if err != nil {
			return err
		}
		defer func() {
			if err := ps.Close(); err != nil {
				log.Warn().Err(err).Msg("close pubsub")
			}
		}()
	} else if s.Bus != "local" {
		return errors.Errorf("unknown bus %q", s.Bus)
	}

	store, err := buildTimelineStore(s)
	if err != nil {
		return err
	}
	serving := false
	defer func() {
		// once serving, Server.Run owns the store
		if !serving {
			_ = store.Close()
		}
	}()

	hubCfg := webchat.HubConfig{
		BaseCtx:     ctx,
		Config:      cfg,
		Store:       store,
		Scenario:    s.Scenario,
		Interval:    s.Interval,
		IdleTimeout: s.IdleTimeout,
	}
	if ps != nil {
		hubCfg.Publisher, hubCfg.Subscriber = ps.Publisher, ps.Subscriber
		if ps.Client != nil {
			hubCfg.SubscriberFor = ps.ConversationSubscriber
		}
	}
	if s.Renderer != "" {
		r, err := render.ByName(s.Renderer)
		if err != nil {
			return err
		}
		hubCfg.Renderer, hubCfg.RendererName = r, s.Renderer
	}
	hub, err := webchat.NewHub(hubCfg)
	if err != nil {
		return err
	}
	hub.SetEvictionConfig(s.EvictIdle, s.EvictInterval)

	port, err := buildPrefsPort(s, ps)
	if err != nil {
		return err
	}
	prefStore, err := prefs.NewStore(ctx, port)
	if err != nil {
		return err
	}

	th := theme.Default()
	if s.ThemeFile != "" {
		if th, err = theme.LoadFile(s.ThemeFile); err != nil {
			return err
		}
	}

	files, err := buildAttachmentStore(ctx)
	if err != nil {
		return err
	}

	opts := []webchat.ServerOption{
		webchat.WithAttachments(files),
		webchat.WithPrefs(prefStore),
		webchat.WithTheme(th),
		webchat.WithDecoder(decoder),
	}
	if s.RequireAuth {
		opts = append(opts, webchat.WithRequireAuth())
	}
	srv, err := webchat.NewServer(hub, opts...)
	if err != nil {
		return err
	}
	serving = true
	return srv.Run(ctx, s.Addr)
}

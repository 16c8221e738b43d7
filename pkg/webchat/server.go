package webchat

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatshell/pkg/attachments"
	"github.com/go-go-golems/chatshell/pkg/auth"
	"github.com/go-go-golems/chatshell/pkg/prefs"
	"github.com/go-go-golems/chatshell/pkg/shell"
	"github.com/go-go-golems/chatshell/pkg/theme"
)

// Server mounts the chat transport and the shell APIs on one chi router and
// drives their lifecycle.
type Server struct {
	hub         *Hub
	attachments attachments.Store
	prefs       *prefs.Store
	theme       theme.Config
	decoder     *auth.Decoder
	nav         shell.Navigation
	gate        shell.Gate
	requireAuth bool
	upgrader    websocket.Upgrader
}

type ServerOption func(*Server)

func WithAttachments(s attachments.Store) ServerOption {
	return func(srv *Server) { srv.attachments = s }
}

func WithPrefs(p *prefs.Store) ServerOption {
	return func(srv *Server) { srv.prefs = p }
}

func WithTheme(c theme.Config) ServerOption {
	return func(srv *Server) { srv.theme = c }
}

func WithDecoder(d *auth.Decoder) ServerOption {
	return func(srv *Server) {
		if d != nil {
			srv.decoder = d
		}
	}
}

func WithNavigation(n shell.Navigation, g shell.Gate) ServerOption {
	return func(srv *Server) {
		srv.nav = n
		srv.gate = g
	}
}

// WithRequireAuth answers 401 to anonymous requests on the conversation, attachment
// and websocket routes. The shell, prefs, theme and health routes stay public.
func WithRequireAuth() ServerOption {
	return func(srv *Server) { srv.requireAuth = true }
}

// WithCheckOrigin replaces the websocket origin check, which accepts every origin by default.
func WithCheckOrigin(fn func(r *http.Request) bool) ServerOption {
	return func(srv *Server) { srv.upgrader.CheckOrigin = fn }
}

func NewServer(hub *Hub, opts ...ServerOption) (*Server, error) {
	if hub == nil {
		return nil, errors.New("server: hub is nil")
	}
	s := &Server{
		hub:     hub,
		theme:   theme.Default(),
		decoder: auth.NewDecoder(),
		nav:     shell.DefaultNavigation(),
		gate:    shell.DefaultGate(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.theme.Validate(); err != nil {
		return nil, errors.Wrap(err, "server: theme")
	}
	if s.requireAuth && !s.decoder.Accepts() {
		return nil, errors.New("server: auth is required but the decoder accepts no tokens")
	}
	return s, nil
}

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(auth.Middleware(s.decoder))

	r.Get("/healthz", s.handleHealth)
	r.With(s.gated).Get("/ws", s.handleWS)
	r.Route("/api", func(api chi.Router) {
		api.Get("/shell", s.handleShell)
		api.Get("/prefs", s.handleGetPrefs)
		api.Put("/prefs", s.handlePutPrefs)
		api.Get("/theme.css", s.handleThemeCSS)

		api.Group(func(p chi.Router) {
			p.Use(s.gated)
			p.Get("/timeline", s.handleTimeline)
			p.Get("/conversations", s.handleConversations)
			p.Get("/conversations/{convID}/messages/{msgID}/render", s.handleRenderMessage)
			p.Get("/config", s.handleGetConfig)
			p.Patch("/config", s.handlePatchConfig)
			p.Post("/attachments", s.handleUpload)
			p.Get("/attachments/{id}", s.handleDownload)
		})
	})
	return r
}

func (s *Server) gated(next http.Handler) http.Handler {
	if !s.requireAuth {
		return next
	}
	return auth.RequireUser(next)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("component", "http").
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// Run serves addr until ctx is done, then shuts down HTTP and closes every conversation.
func (s *Server) Run(ctx context.Context, addr string) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	s.hub.StartEvictionLoop(egCtx)

	if s.prefs != nil {
		eg.Go(func() error { return s.prefs.Run(egCtx) })
	}

	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		s.hub.Close(shutdownCtx)
		if store := s.hub.Store(); store != nil {
			if err := store.Close(); err != nil {
				log.Error().Err(err).Msg("timeline store close error")
			}
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", addr).Msg("starting chat server")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}

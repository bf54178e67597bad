// Package api is the admin HTTP surface: roster inspection and reload,
// relationship records, channel state, moods and a streaming reply preview.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/keshon/chorus/internal/behavior"
	"github.com/keshon/chorus/internal/channel"
	"github.com/keshon/chorus/internal/logging"
	"github.com/keshon/chorus/internal/persona"
	"github.com/keshon/chorus/internal/relationship"
	"github.com/keshon/chorus/internal/storage"
	"github.com/rs/zerolog"
)

// Reloader recompiles personas. *persona.Manager implements it.
type Reloader interface {
	Reload(ctx context.Context, ids ...string) ([]string, error)
}

// Previewer streams what a persona would answer. *mind.Runner implements it.
type Previewer interface {
	Preview(ctx context.Context, personaID, channelID, content string, onChunk func(string) error) (string, error)
	Channels() *channel.Registry
}

// Deps are the collaborators the handlers read from.
type Deps struct {
	Roster   *persona.Active
	Reloader Reloader
	Ledger   *relationship.Ledger
	Moods    *behavior.Moods
	Runner   Previewer
	// Storage is optional; when it implements storage.Stater its counters
	// are included in /healthz.
	Storage  storage.Backend
}

// Server serves the admin API.
type Server struct {
	addr   string
	deps   Deps
	engine *gin.Engine
	log    zerolog.Logger
}

// New builds the router. addr "" disables Run.
func New(addr string, d Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{addr: addr, deps: d, log: logging.Component("api")}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", s.health)
	r.GET("/personas", s.listPersonas)
	r.POST("/personas/reload", s.reload)
	r.GET("/relationships", s.listRelationships)
	r.DELETE("/relationships", s.deleteRelationship)
	r.GET("/channels", s.listChannels)
	r.GET("/moods", s.listMoods)
	r.GET("/ws/preview", s.preview)

	s.engine = r
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run listens until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.addr == "" {
		s.log.Info().Msg("admin API disabled")
		return nil
	}
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("admin API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("admin API shutdown")
	}
	<-errCh
	return nil
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// Package httpapi serves a small JSON control API for the monitor.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"portalwatch/internal/eventbus"
	"portalwatch/internal/monitor"
	"portalwatch/internal/runtime/supervisor"
	"portalwatch/internal/storage"
	logx "portalwatch/pkg/logx"
)

// Controller is the slice of the app the API drives.
type Controller interface {
	StartMonitor(ctx context.Context) error
	StopMonitor(ctx context.Context) error
	Status() monitor.Status
	Events(n int) []monitor.Event
}

// Subscriber is the live event feed behind /events/stream.
type Subscriber interface {
	Subscribe(buffer int, topics ...string) (<-chan eventbus.Event, func())
}

// AuditReader reads the persisted event audit.
type AuditReader interface {
	Recent(ctx context.Context, n int) ([]storage.EventRecord, error)
}

type Config struct {
	Addr string
	// Token, when set, is required as "Authorization: Bearer <token>" on
	// everything but /healthz.
	Token string
}

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

type Server struct {
	cfg   Config
	ctl   Controller
	audit AuditReader
	log   logx.Logger
	eng   *gin.Engine

	feed      Subscriber
	runtime   func() supervisor.Counters
	closing   chan struct{}
	closeOnce sync.Once
}

func init() { gin.SetMode(gin.ReleaseMode) }

// New builds the server. audit may be nil.
func New(cfg Config, ctl Controller, audit AuditReader, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, ctl: ctl, audit: audit, log: log, closing: make(chan struct{})}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())
	r.GET("/healthz", s.health)

	api := r.Group("/")
	api.Use(s.requireBearer())
	api.GET("/status", s.status)
	api.GET("/events", s.events)
	api.GET("/events/stream", s.stream)
	api.GET("/audit", s.auditLog)
	api.POST("/start", s.start)
	api.POST("/stop", s.stop)

	s.eng = r
	return s
}

func (s *Server) Handler() http.Handler { return s.eng }

// SetFeed enables /events/stream. Call before serving.
func (s *Server) SetFeed(feed Subscriber) { s.feed = feed }

// SetRuntime adds goroutine counters to /healthz. Call before serving.
func (s *Server) SetRuntime(fn func() supervisor.Counters) { s.runtime = fn }

// Close ends open event streams.
func (s *Server) Close() { s.closeOnce.Do(func() { close(s.closing) }) }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.eng,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info("http control api listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.Close()
	sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown", logx.Err(err))
	}
	return nil
}

func (s *Server) requireBearer() gin.HandlerFunc {
	want := strings.TrimSpace(s.cfg.Token)
	return func(c *gin.Context) {
		if want == "" {
			c.Next()
			return
		}
		auth := strings.TrimSpace(c.GetHeader("Authorization"))
		got, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(want)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid bearer token"})
			return
		}
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("dur", time.Since(start)),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	h := gin.H{"status": "ok", "state": s.ctl.Status().State}
	if s.runtime != nil {
		h["goroutines"] = s.runtime()
	}
	c.JSON(http.StatusOK, h)
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctl.Status())
}

func limitParam(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultEventLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return min(n, maxEventLimit), true
}

func (s *Server) events(c *gin.Context) {
	n, ok := limitParam(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": s.ctl.Events(n)})
}

// stream pushes monitor events and state changes as server-sent events.
func (s *Server) stream(c *gin.Context) {
	if s.feed == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event stream disabled"})
		return
	}
	ch, unsub := s.feed.Subscribe(64, eventbus.TopicMonitorEvent, eventbus.TopicStateChanged)
	defer unsub()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()
	c.Stream(func(io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-s.closing:
			return false
		case e, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(e.Type, e.Data)
			return true
		}
	})
}

func (s *Server) auditLog(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "storage disabled"})
		return
	}
	n, ok := limitParam(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	recs, err := s.audit.Recent(c.Request.Context(), n)
	if err != nil {
		s.log.Warn("audit read failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": recs})
}

func (s *Server) start(c *gin.Context) {
	err := s.ctl.StartMonitor(c.Request.Context())
	var cfgErr *monitor.ConfigurationError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, s.ctl.Status())
	case errors.As(err, &cfgErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": cfgErr.Field})
	case errors.Is(err, monitor.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) stop(c *gin.Context) {
	err := s.ctl.StopMonitor(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, s.ctl.Status())
	case errors.Is(err, monitor.ErrNotRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

package web

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modelqueue-worker/internal/events"
	"modelqueue-worker/internal/queue"
)

type ServerConfig struct {
	Addr           string
	Token          string
	Secret         string
	AuthLimit      int
	AuthWindow     time.Duration
	AuthMaxEntries int
	Allowlist      Allowlist
	TLS            *tls.Config
	StaleAfter     time.Duration
}

// Server exposes health, metrics, the event stream and the admin API on
// one listener.
type Server struct {
	backend    queue.Backend
	queue      *queue.Queue
	addr       string
	token      string
	secret     string
	limiter    *authLimiter
	allow      Allowlist
	tls        *tls.Config
	events     *events.Broker
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewServer(backend queue.Backend, q *queue.Queue, cfg ServerConfig, broker *events.Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		backend:    backend,
		queue:      q,
		addr:       cfg.Addr,
		token:      cfg.Token,
		secret:     cfg.Secret,
		limiter:    newAuthLimiter(cfg.AuthLimit, cfg.AuthWindow, cfg.AuthMaxEntries),
		allow:      cfg.Allowlist,
		tls:        cfg.TLS,
		events:     broker,
		staleAfter: cfg.StaleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// Handler builds the router. Every route passes the allow-list and bearer
// checks; the /api/v1 write routes also require credentials to be configured.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requireAuth)

	router.GET("/healthz", s.handleHealth)
	router.HEAD("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/events", gin.WrapF(s.handleEvents))

	api := router.Group("/api/v1")
	api.GET("/stats", s.handleStats)
	api.GET("/tasks", s.handleListTasks)
	api.GET("/tasks/:id", s.handleGetTask)

	admin := api.Group("", s.requireAdmin)
	admin.POST("/tasks", s.handleEnqueue)
	admin.POST("/tasks/:id/cancel", s.handleCancel)
	admin.POST("/tasks/:id/transition", s.handleTransition)
	admin.POST("/tasks/:id/retry", s.handleRetry)
	return router
}

func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	if s.tls != nil {
		server.TLSConfig = s.tls
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown error", "error", err)
		}
	}()

	var err error
	if s.tls != nil {
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.backend.Ping(c.Request.Context()); err != nil {
		s.logger.Warn("Health check failed", "error", err)
		c.String(http.StatusServiceUnavailable, "unhealthy")
		return
	}
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("events not configured"))
		return
	}
	filter, err := parseEventFilter(r.URL.Query())
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(err.Error()))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.events.Subscribe(filter.Matches)
	defer func() {
		sub.Close()
		if n := sub.Dropped(); n > 0 {
			s.logger.Warn("Event stream client fell behind", "dropped", n)
		}
	}()
	for _, event := range sub.Backlog {
		if err := writeEvent(w, event); err != nil {
			return
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-sub.C:
			if err := writeEvent(w, event); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
	return err
}

func (s *Server) requireAuth(c *gin.Context) {
	if code, reason := s.checkAccess(c.Request, s.now()); code != 0 {
		c.AbortWithStatusJSON(code, gin.H{"error": http.StatusText(code), "reason": reason})
	}
}

// requireAdmin refuses writes when the server runs without credentials.
func (s *Server) requireAdmin(c *gin.Context) {
	if s.token == "" && s.secret == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin API requires metrics auth_token or auth_secret"})
		return
	}
	c.Next()
}

// checkAccess returns 0 when r may proceed, otherwise the status to answer
// with and a short reason. Refusals count against the per-host limiter.
func (s *Server) checkAccess(r *http.Request, now time.Time) (int, string) {
	host := remoteHost(r.RemoteAddr)
	var reason string
	switch {
	case !s.allow.Allows(host):
		reason = "allowlist"
	case s.credentialed(r, now):
		return 0, ""
	default:
		reason = "credentials"
	}

	limited := !s.limiter.allow(host, now)
	s.logger.Warn("Denied request",
		"path", r.URL.Path,
		"method", r.Method,
		"remote_host", host,
		"reason", reason,
		"rate_limited", limited,
	)
	switch {
	case limited:
		return http.StatusTooManyRequests, reason
	case reason == "allowlist":
		return http.StatusForbidden, reason
	default:
		return http.StatusUnauthorized, reason
	}
}

func (s *Server) credentialed(r *http.Request, now time.Time) bool {
	if s.token == "" && s.secret == "" {
		return true
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return false
	}
	token = strings.TrimSpace(token)
	if s.token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) == 1 {
		return true
	}
	return s.secret != "" && verifyBearerJWT(token, s.secret, now)
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

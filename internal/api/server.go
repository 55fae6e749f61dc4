// Package api exposes the operator-facing messaging endpoints: connection
// status, queue stats, lifecycle actions, test sends and runtime settings.
// Auth is expected to live in front of this server.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"classbell/internal/connection"
	"classbell/internal/queue"
	"classbell/internal/ratelimit"
	"classbell/internal/store"
	logx "classbell/pkg/logx"
)

// Connection is the slice of the connection manager the API drives.
type Connection interface {
	GetStatus() connection.Status
	Initialize(ctx context.Context) error
	Restart(ctx context.Context) error
	ForceRestart(ctx context.Context) error
}

// Queue is the producer/stats slice of the queue service.
type Queue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (*store.QueueEntry, error)
	Stats(ctx context.Context) (map[store.Status]int, error)
}

// SettingsStore is the runtime settings slice of the store.
type SettingsStore interface {
	GetSettings(ctx context.Context) (store.Settings, error)
	PutSettings(ctx context.Context, s store.Settings) error
}

type Options struct {
	Addr string
	Conn Connection
	Q    Queue
	St   SettingsStore
	Lim  *ratelimit.Limiter
	Log  logx.Logger
}

type Server struct {
	opts Options
	app  *echo.Echo
}

func NewServer(opts Options) *Server {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	s := &Server{opts: opts, app: echo.New()}
	s.app.HideBanner = true
	s.app.HidePort = true
	s.setup()
	return s
}

func (s *Server) setup() {
	s.app.Pre(middleware.RemoveTrailingSlash())
	s.app.Use(middleware.Recover())

	g := s.app.Group("/api/messaging")
	g.GET("/status", s.getStatus)
	g.GET("/queue", s.getQueueStats)
	g.GET("/queue/:id", s.getQueueEntry)
	g.DELETE("/queue/:id", s.cancelQueueEntry)
	g.POST("/actions", s.performAction)
	g.POST("/test", s.sendTest)
	g.POST("/settings", s.putSettings)
}

// Start blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	err := s.app.Start(s.opts.Addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	return s.app.Shutdown(ctx)
}

// ServeHTTP lets tests drive the router directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.app.ServeHTTP(w, r)
}

func (s *Server) getStatus(c echo.Context) error {
	settings, err := s.opts.St.GetSettings(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, statusResponse{
		Connection:       s.opts.Conn.GetStatus(),
		Enabled:          settings.Enabled,
		RateLimitSeconds: settings.RateLimitSeconds,
	})
}

func (s *Server) getQueueStats(c echo.Context) error {
	stats, err := s.opts.Q.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, queueStatsResponse{Counts: stats})
}

func (s *Server) getQueueEntry(c echo.Context) error {
	e, err := s.opts.Q.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown entry")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, toQueueEntryResponse(e))
}

func (s *Server) cancelQueueEntry(c echo.Context) error {
	ok, err := s.opts.Q.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, cancelResponse{Cancelled: ok})
}

func (s *Server) performAction(c echo.Context) error {
	var req actionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}
	ctx := c.Request().Context()
	var err error
	switch req.Action {
	case "verify":
		err = s.opts.Conn.Initialize(ctx)
	case "restart":
		err = s.opts.Conn.Restart(ctx)
	case "force_restart":
		err = s.opts.Conn.ForceRestart(ctx)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown action")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, actionResponse{Action: req.Action, Status: s.opts.Conn.GetStatus()})
}

func (s *Server) sendTest(c echo.Context) error {
	var req testSendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}
	id, err := s.opts.Q.Enqueue(c.Request().Context(), queue.EnqueueRequest{
		Recipient: req.Recipient,
		Body:      req.Body,
		Kind:      store.KindGeneral,
		Priority:  1, // operator test messages jump the line
		Metadata:  map[string]string{"source": "test"},
	})
	if errors.Is(err, queue.ErrInvalidEntry) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusAccepted, testSendResponse{ID: id})
}

func (s *Server) putSettings(c echo.Context) error {
	var req settingsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}
	if req.RateLimitSeconds < ratelimit.MinCooldownSeconds || req.RateLimitSeconds > ratelimit.MaxCooldownSeconds {
		return echo.NewHTTPError(http.StatusBadRequest, "rate_limit_seconds out of range")
	}
	ctx := c.Request().Context()
	next := store.Settings{Enabled: req.Enabled, RateLimitSeconds: req.RateLimitSeconds}
	if err := s.opts.St.PutSettings(ctx, next); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	if s.opts.Lim != nil {
		s.opts.Lim.SetCooldownSeconds(next.RateLimitSeconds)
	}
	s.opts.Log.Info("settings updated",
		logx.Bool("enabled", next.Enabled),
		logx.Int("rate_limit_seconds", next.RateLimitSeconds),
	)
	return c.JSON(http.StatusOK, next)
}

type queueEntryResponse struct {
	ID           string            `json:"id"`
	Recipient    string            `json:"recipient"`
	Body         string            `json:"body"`
	Kind         store.Kind        `json:"kind"`
	Priority     int               `json:"priority"`
	ScheduledFor time.Time         `json:"scheduled_for"`
	Status       store.Status      `json:"status"`
	Attempts     int               `json:"attempts"`
	MaxAttempts  int               `json:"max_attempts"`
	CreatedAt    time.Time         `json:"created_at"`
	LastAttempt  *time.Time        `json:"last_attempt_at,omitempty"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func toQueueEntryResponse(e *store.QueueEntry) queueEntryResponse {
	return queueEntryResponse{
		ID:           e.ID,
		Recipient:    e.Recipient,
		Body:         e.Body,
		Kind:         e.Kind,
		Priority:     e.Priority,
		ScheduledFor: e.ScheduledFor,
		Status:       e.Status,
		Attempts:     e.Attempts,
		MaxAttempts:  e.MaxAttempts,
		CreatedAt:    e.CreatedAt,
		LastAttempt:  e.LastAttemptAt,
		SentAt:       e.SentAt,
		ErrorMessage: e.ErrorMessage,
		Metadata:     e.Metadata,
	}
}

type statusResponse struct {
	Connection       connection.Status `json:"connection"`
	Enabled          bool              `json:"enabled"`
	RateLimitSeconds int               `json:"rate_limit_seconds"`
}

type queueStatsResponse struct {
	Counts map[store.Status]int `json:"counts"`
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type actionRequest struct {
	Action string `json:"action"`
}

type actionResponse struct {
	Action string            `json:"action"`
	Status connection.Status `json:"status"`
}

type testSendRequest struct {
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
}

type testSendResponse struct {
	ID string `json:"id"`
}

type settingsRequest struct {
	Enabled          bool `json:"enabled"`
	RateLimitSeconds int  `json:"rate_limit_seconds"`
}

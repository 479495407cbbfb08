package ipc

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/nvfanctl/internal/errors"
	"codeberg.org/mutker/nvfanctl/internal/gpu"
	"codeberg.org/mutker/nvfanctl/internal/logger"
	"codeberg.org/mutker/nvfanctl/internal/state"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultSocketMode os.FileMode = 0o666

const (
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
	staleCheckTimeout   = 200 * time.Millisecond
)

// Journal records every control command the server accepts and lists the
// newest ones back.
type Journal interface {
	Record(ctx context.Context, action string, speed *int) error
	Recent(ctx context.Context, limit int) ([]JournalEntry, error)
}

const (
	ActionOverride      = "override"
	ActionOverrideClear = "override_clear"
	ActionShutdown      = "shutdown"
)

type ServerConfig struct {
	SocketPath   string
	SocketMode   os.FileMode
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Registerer receives the request metrics of the IPC endpoint. Nil
	// disables them.
	Registerer prometheus.Registerer
	Journal    Journal
	Logger     logger.Logger
}

// Server answers control requests on a Unix socket. Every handler reads the
// shared store through snapshots and changes the mode only through
// state.Store.RequestMode.
type Server struct {
	cfg    ServerConfig
	store  *state.Store
	echo   *echo.Echo
	http   *http.Server
	logger logger.Logger

	listener net.Listener

	shutdownOnce sync.Once
	shutdown     chan struct{}
	now          func() time.Time
}

func NewServer(cfg ServerConfig, store *state.Store) *Server {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.SocketMode == 0 {
		cfg.SocketMode = defaultSocketMode
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("ipc")
	}

	s := &Server{
		cfg:      cfg,
		store:    store,
		logger:   cfg.Logger,
		shutdown: make(chan struct{}),
		now:      time.Now,
	}
	s.echo = s.routes()
	s.http = &http.Server{
		Handler:      s.echo,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	s.http.SetKeepAlivesEnabled(false)

	return s
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	if s.cfg.Registerer != nil {
		e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
			Namespace:  "nvfanctl",
			Subsystem:  "ipc",
			Registerer: s.cfg.Registerer,
		}))
	}

	e.GET(PathAlive, s.alive)

	e.POST(PathStatus, s.status, s.requireJSON)
	e.POST(PathOverride, s.override, s.requireJSON)
	e.POST(PathOverrideClear, s.clearOverride, s.requireJSON)
	e.POST(PathShutdown, s.requestShutdown, s.requireJSON)
	e.POST(PathJournal, s.listJournal, s.requireJSON)

	return e
}

// Listen binds the socket. A leftover socket file is removed only when no
// daemon answers on it.
func (s *Server) Listen() error {
	errFactory := errors.New()
	path := s.cfg.SocketPath

	if _, err := os.Stat(path); err == nil {
		if socketAnswers(path) {
			return errFactory.WithMessage(errors.ErrAlreadyRunning,
				fmt.Sprintf("another daemon is listening on %s", path))
		}
		s.logger.Warn().Str("socket", path).Msg("Removing stale socket")
		if err := os.Remove(path); err != nil {
			return errFactory.Wrap(errors.ErrInitFailed, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}
	if err := os.Chmod(path, s.cfg.SocketMode); err != nil {
		_ = l.Close()
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}

	s.listener = l
	s.logger.Info().Str("socket", path).Msg("Listening for clients")

	return nil
}

// Serve blocks until Shutdown. Listen must have been called.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New().WithMessage(errors.ErrInternal, "ipc server is not listening")
	}

	if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.New().Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Shutdown stops accepting connections, lets in-flight requests finish and
// removes the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	if rmErr := os.Remove(s.cfg.SocketPath); rmErr != nil && !os.IsNotExist(rmErr) {
		err = errors.Join(err, rmErr)
	}
	if err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}

	return nil
}

// ShutdownRequested is closed once a client has asked the daemon to stop.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdown
}

func (s *Server) alive(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func (s *Server) status(c echo.Context) error {
	if err := s.readRequest(c, nil); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, NewStatusReply(s.store.Snapshot(), s.now()))
}

// overrideBody accepts any JSON number so fractional or huge values are
// reported as an invalid percentage rather than a malformed message.
type overrideBody struct {
	Percentage *float64 `json:"percentage"`
}

func (s *Server) override(c echo.Context) error {
	var body overrideBody
	if err := s.readRequest(c, &body); err != nil {
		return err
	}

	if body.Percentage == nil {
		return s.reject(c, ReasonInvalidPercentage, "percentage is required")
	}
	pct := *body.Percentage
	if pct != float64(int(pct)) || pct < float64(gpu.MinFanSpeed) || pct > float64(gpu.MaxFanSpeed) {
		return s.reject(c, ReasonInvalidPercentage,
			fmt.Sprintf("percentage must be a whole number between %d and %d", gpu.MinFanSpeed, gpu.MaxFanSpeed))
	}

	speed := int(pct)
	if err := s.store.RequestMode(state.OverrideMode(gpu.FanSpeed(speed))); err != nil {
		return s.reject(c, ReasonInvalidPercentage, err.Error())
	}

	s.logger.Info().Int("speed", speed).Msg("Manual override requested")
	s.record(c, ActionOverride, &speed)

	return c.JSON(http.StatusOK, ack())
}

func (s *Server) clearOverride(c echo.Context) error {
	if err := s.readRequest(c, nil); err != nil {
		return err
	}

	if err := s.store.RequestMode(state.AutomaticMode()); err != nil {
		return err
	}

	s.logger.Info().Msg("Manual override cleared")
	s.record(c, ActionOverrideClear, nil)

	return c.JSON(http.StatusOK, ack())
}

// requestShutdown acknowledges first; the daemon stops after the reply has
// been handed to the connection.
func (s *Server) requestShutdown(c echo.Context) error {
	if err := s.readRequest(c, nil); err != nil {
		return err
	}

	s.logger.Info().Msg("Shutdown requested")
	s.record(c, ActionShutdown, nil)

	if err := c.JSON(http.StatusOK, ack()); err != nil {
		return err
	}

	s.shutdownOnce.Do(func() { close(s.shutdown) })

	return nil
}

func (s *Server) listJournal(c echo.Context) error {
	var req JournalRequest
	if err := s.readRequest(c, &req); err != nil {
		return err
	}

	if req.Limit < 0 || req.Limit > MaxJournalLimit {
		return s.reject(c, ReasonInvalidLimit,
			fmt.Sprintf("limit must be between 1 and %d", MaxJournalLimit))
	}
	limit := req.Limit
	if limit == 0 {
		limit = DefaultJournalLimit
	}

	reply := JournalReply{Version: Version, Entries: []JournalEntry{}}
	if s.cfg.Journal == nil {
		return c.JSON(http.StatusOK, reply)
	}

	entries, err := s.cfg.Journal.Recent(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	reply.Entries = append(reply.Entries, entries...)

	return c.JSON(http.StatusOK, reply)
}

func (s *Server) record(c echo.Context, action string, speed *int) {
	if s.cfg.Journal == nil {
		return
	}

	if err := s.cfg.Journal.Record(c.Request().Context(), action, speed); err != nil {
		s.logger.ErrorWithCode(err).Str("action", action).Msg("Failed to journal command")
	}
}

func (s *Server) readRequest(c echo.Context, v any) error {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize))
	if err != nil {
		return errors.New().Wrap(errors.ErrProtocol, err).WithData(ReasonMalformedRequest)
	}

	return decode(data, v)
}

// requireJSON rejects bodies that are not declared as JSON.
func (s *Server) requireJSON(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		mediaType, _, err := mime.ParseMediaType(c.Request().Header.Get(echo.HeaderContentType))
		if err != nil || mediaType != contentTypeJSON {
			return errors.New().WithMessage(errors.ErrProtocol,
				fmt.Sprintf("content type must be %s", contentTypeJSON)).WithData(ReasonMalformedRequest)
		}

		return next(c)
	}
}

func (s *Server) reject(c echo.Context, reason, message string) error {
	s.logger.Debug().Str("reason", reason).Str("path", c.Path()).Msg(message)

	return c.JSON(http.StatusBadRequest, ErrorReply{Version: Version, Reason: reason, Message: message})
}

// handleError turns every handler and routing error into an ErrorReply, so
// clients never see a body they cannot decode.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	reply := ErrorReply{Version: Version, Reason: ReasonInternal, Message: err.Error()}

	var httpErr *echo.HTTPError
	switch {
	case errors.HasCode(err, errors.ErrProtocol):
		status = http.StatusBadRequest
		reply.Reason = reasonOf(err, ReasonMalformedRequest)
	case errors.As(err, &httpErr):
		status = httpErr.Code
		reply.Message = fmt.Sprint(httpErr.Message)
		switch httpErr.Code {
		case http.StatusNotFound:
			reply.Reason = ReasonNotFound
		case http.StatusMethodNotAllowed:
			reply.Reason = ReasonMethodNotAllowed
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.ErrorWithCode(err).Str("path", c.Request().URL.Path).Msg("IPC request failed")
	} else {
		s.logger.Debug().Err(err).Str("path", c.Request().URL.Path).Msg("Rejected IPC request")
	}

	if err := c.JSON(status, reply); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write error reply")
	}
}

// socketAnswers reports whether something accepts connections on path.
func socketAnswers(path string) bool {
	conn, err := net.DialTimeout("unix", path, staleCheckTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()

	return true
}

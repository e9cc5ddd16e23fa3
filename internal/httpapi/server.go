// Package httpapi exposes the panel's control plane: engine status and
// settings over REST, call control, and the intercom protocol tunneled
// over a websocket for browser clients.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"duplexd/internal/duplex"
	"duplexd/internal/intercom"
	"duplexd/internal/store"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is the Echo application.
type Server struct {
	echo *echo.Echo
	eng  *duplex.Engine
	mgr  *intercom.Manager
	st   *store.Store
	log  *slog.Logger
}

// New constructs an Echo app with REST and websocket routes.
func New(eng *duplex.Engine, mgr *intercom.Manager, st *store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, eng: eng, mgr: mgr, st: st, log: logger.With("component", "httpapi")}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/status", s.handleStatus)
	s.echo.GET("/api/settings", s.handleGetSettings)
	s.echo.PUT("/api/settings/:key", s.handlePutSetting)
	s.echo.POST("/api/engine/start", s.handleEngineStart)
	s.echo.POST("/api/engine/stop", s.handleEngineStop)
	s.echo.POST("/api/call/answer", s.handleAnswer)
	s.echo.POST("/api/call/hangup", s.handleHangup)
	s.echo.GET("/api/calls", s.handleCalls)
	if s.mgr != nil {
		newWSHandler(s.mgr).register(s.echo)
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Call   string `json:"call"`
}

func (s *Server) handleHealth(c echo.Context) error {
	status := "ok"
	if s.eng.HasBusError() {
		status = "bus_error"
	}
	call := string(intercom.StateIdle)
	if s.mgr != nil {
		call = string(s.mgr.State())
	}
	return c.JSON(http.StatusOK, healthResponse{Status: status, Call: call})
}

type statusResponse struct {
	duplex.Stats
	CallState string `json:"call_state"`
	CallPeer  string `json:"call_peer,omitempty"`
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := statusResponse{Stats: s.eng.Stats()}
	if s.mgr != nil {
		resp.CallState = string(s.mgr.State())
		resp.CallPeer = s.mgr.Peer()
	} else {
		resp.CallState = string(intercom.StateIdle)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetSettings(c echo.Context) error {
	settings, err := s.st.GetAllSettings()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, settings)
}

type settingRequest struct {
	Value float64 `json:"value"`
}

// handlePutSetting applies a runtime-adjustable setting to the engine
// and persists it so the next boot restores it.
func (s *Server) handlePutSetting(c echo.Context) error {
	var req settingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	key := c.Param("key")
	switch key {
	case "speaker_volume":
		s.eng.SetSpeakerVolume(float32(req.Value))
	case "mic_gain":
		s.eng.SetMicGain(float32(req.Value))
	case "mic_attenuation":
		s.eng.SetMicAttenuation(float32(req.Value))
	case "reference_volume":
		s.eng.SetReferenceVolume(float32(req.Value))
	case "aec_enabled":
		s.eng.SetAECEnabled(req.Value != 0)
	default:
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown setting %q", key))
	}

	if err := s.st.SetFloatSetting(key, req.Value); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	s.log.Info("setting updated", "key", key, "value", req.Value)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleEngineStart(c echo.Context) error {
	if err := s.eng.Start(); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleEngineStop(c echo.Context) error {
	if err := s.eng.Stop(); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleAnswer(c echo.Context) error {
	if s.mgr == nil || !s.mgr.Answer() {
		return echo.NewHTTPError(http.StatusConflict, "no ringing call")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleHangup(c echo.Context) error {
	if s.mgr == nil || !s.mgr.Hangup() {
		return echo.NewHTTPError(http.StatusConflict, "no active call")
	}
	return c.NoContent(http.StatusNoContent)
}

type callResponse struct {
	Peer      string `json:"peer"`
	Direction string `json:"direction"`
	Outcome   string `json:"outcome"`
	DurationS int    `json:"duration_s"`
	CreatedAt int64  `json:"created_at"`
}

func (s *Server) handleCalls(c echo.Context) error {
	limit := 50
	if q := c.QueryParam("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	entries, err := s.st.RecentCalls(limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]callResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, callResponse{
			Peer:      e.Peer,
			Direction: e.Direction,
			Outcome:   e.Outcome,
			DurationS: e.DurationS,
			CreatedAt: e.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

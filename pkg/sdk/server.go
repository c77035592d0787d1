// Package sdk helps write fake services in Go. It serves the control plane
// the doubleagent CLI talks to:
//
//	GET  /_doubleagent/health
//	POST /_doubleagent/reset       query: hard=true empties the store
//	POST /_doubleagent/seed        body: JSON, answer carries "seeded"
//	POST /_doubleagent/bootstrap   body: JSON baseline (Bootstrapper only)
//	GET  /_doubleagent/info
//
// The fake's own API routes are registered on the same gin engine.
package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/islo-labs/doubleagent/pkg/client"
)

const (
	// PortEnv carries the port assigned by the supervisor.
	PortEnv     = "PORT"
	DefaultPort = 8080

	controlPrefix = "/_doubleagent"
	maxSeedBytes  = 64 << 20
)

// Resetter clears a fake's state.
type Resetter interface {
	Reset(ctx context.Context, hard bool) error
}

// Seeder loads fixture data and returns what was loaded.
type Seeder interface {
	Seed(ctx context.Context, payload json.RawMessage) (any, error)
}

// Bootstrapper replaces the baseline from a snapshot.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, payload json.RawMessage) (map[string]int, error)
}

// StatsProvider adds details to the info endpoint.
type StatsProvider interface {
	Stats() map[string]any
}

// Server is a fake service: the control plane plus whatever API routes the
// fake adds to Engine.
type Server struct {
	Name    string
	Version string

	Engine *gin.Engine

	resetter Resetter
	seeder   Seeder
}

type errorResp struct {
	Error string `json:"error"`
}

// New builds a server. seeder may additionally implement Bootstrapper and
// StatsProvider, as *Overlay does.
func New(name, version string, resetter Resetter, seeder Seeder) *Server {
	g := gin.New()
	g.Use(gin.Recovery())
	s := &Server{Name: name, Version: version, Engine: g, resetter: resetter, seeder: seeder}

	g.GET(client.HealthPath, s.handleHealth)
	g.POST(client.ResetPath, s.handleReset)
	g.POST(client.SeedPath, s.handleSeed)
	g.POST(controlPrefix+"/bootstrap", s.handleBootstrap)
	g.GET(controlPrefix+"/info", s.handleInfo)
	return s
}

// NewWithOverlay is New over a fresh Overlay, which is returned for the
// fake's handlers to use.
func NewWithOverlay(name, version string) (*Server, *Overlay) {
	o := NewOverlay(nil)
	return New(name, version, o, o), o
}

// Handler returns the gin engine as an http.Handler.
func (s *Server) Handler() http.Handler { return s.Engine }

// Addr returns ":<PORT>" from the environment, or the default port.
func Addr() string {
	if p, err := strconv.Atoi(os.Getenv(PortEnv)); err == nil && p > 0 {
		return ":" + strconv.Itoa(p)
	}
	return ":" + strconv.Itoa(DefaultPort)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe over an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) handleReset(c *gin.Context) {
	hard, _ := strconv.ParseBool(c.DefaultQuery("hard", "false"))
	if s.resetter == nil {
		c.JSON(http.StatusNotImplemented, errorResp{Error: "reset not supported"})
		return
	}
	if err := s.resetter.Reset(c.Request.Context(), hard); err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	mode := "baseline"
	if hard {
		mode = "hard (empty)"
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "reset_mode": mode})
}

func readBody(c *gin.Context) (json.RawMessage, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSeedBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "read body: " + err.Error()})
		return nil, false
	}
	if !json.Valid(body) {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON"})
		return nil, false
	}
	return body, true
}

func (s *Server) handleSeed(c *gin.Context) {
	if s.seeder == nil {
		c.JSON(http.StatusNotImplemented, errorResp{Error: "seed not supported"})
		return
	}
	body, ok := readBody(c)
	if !ok {
		return
	}
	seeded, err := s.seeder.Seed(c.Request.Context(), body)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "seeded": seeded})
}

func (s *Server) handleBootstrap(c *gin.Context) {
	b, ok := s.seeder.(Bootstrapper)
	if !ok {
		c.JSON(http.StatusNotImplemented, errorResp{Error: "bootstrap not supported"})
		return
	}
	body, ok := readBody(c)
	if !ok {
		return
	}
	loaded, err := b.Bootstrap(c.Request.Context(), body)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "loaded": loaded})
}

func (s *Server) handleInfo(c *gin.Context) {
	info := gin.H{"name": s.Name, "version": s.Version}
	if sp, ok := s.seeder.(StatsProvider); ok {
		info["state"] = sp.Stats()
	}
	c.JSON(http.StatusOK, info)
}

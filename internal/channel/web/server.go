// Package web serves the chat UI and its websocket endpoint.
package web

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/vesperhq/vesper/internal/agent"
	"github.com/vesperhq/vesper/internal/reasoning"
)

//go:embed static/*
var staticFiles embed.FS

// Agent is the slice of the agent loop the channel needs.
type Agent interface {
	HandleTurn(ctx context.Context, turn *agent.Turn, callback reasoning.StreamCallback) (*agent.Result, error)
}

// Server hosts the chat page and the websocket it talks over.
type Server struct {
	agent  Agent
	logger *slog.Logger
	addr   string

	httpServer *http.Server
}

// NewServer creates the web channel listening on addr.
func NewServer(addr string, a Agent, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{agent: a, logger: logger, addr: addr}
}

// Handler returns the channel's routes: the embedded UI at / and the
// websocket at /ws.
func (s *Server) Handler() http.Handler {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	fileServer := http.FileServer(http.FS(subFS))

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" || r.URL.Path == "" {
			r.URL.Path = "/index.html"
		}
		fileServer.ServeHTTP(w, r)
	})
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()
	s.logger.Info("web channel listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

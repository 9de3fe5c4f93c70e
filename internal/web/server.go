// Package web provides the HTTP server of a proactor: the status page and
// JSON, Prometheus metrics and the endpoints flow-meter picos post to.
package web

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/thegridelectric/gwproactor/internal/layout"
	"github.com/thegridelectric/gwproactor/internal/message"
	"github.com/thegridelectric/gwproactor/internal/status"
)

// Sink takes messages for the dispatch loop. *proactor.Proactor is one.
type Sink interface {
	SendThreadsafe(m *message.Message)
}

// Options configure a Server. Addr and Tracker are required.
type Options struct {
	Addr    string
	Tracker *status.Tracker

	// Metrics serves /metrics when set.
	Metrics http.Handler

	// Layout and Sink enable the flow-meter endpoints. Posted payloads are
	// sent from Node to the flow module named in the path.
	Layout *layout.Layout
	Sink   Sink
	Node   string

	// AccessLog receives one combined-format line per request when set.
	AccessLog io.Writer
	Logger    *slog.Logger
}

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	opts       Options
	logger     *slog.Logger
}

// New creates a Server from opts.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{opts: opts, logger: opts.Logger}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/index.html", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/index.json", s.handleJSON).Methods(http.MethodGet)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}
	if opts.Layout != nil && opts.Sink != nil {
		r.HandleFunc("/{node}/flow-hall-params", s.handleHallParams).Methods(http.MethodPost)
		r.HandleFunc("/{node}/ticklist-hall", s.handleTicklistHall).Methods(http.MethodPost)
		r.HandleFunc("/{node}/flow-reed-params", s.handleReedParams).Methods(http.MethodPost)
		r.HandleFunc("/{node}/ticklist-reed", s.handleTicklistReed).Methods(http.MethodPost)
	}

	var h http.Handler = r
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.logger}), handlers.PrintRecoveryStack(true))(h)
	if opts.AccessLog != nil {
		h = handlers.CombinedLoggingHandler(opts.AccessLog, h)
	}

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.opts.Tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		s.logger.Warn("render status page", "err", err)
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.opts.Tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

type recoveryLogger struct{ logger *slog.Logger }

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("http handler panic", "panic", v)
}

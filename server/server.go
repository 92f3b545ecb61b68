// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package server is the l402gate daemon: an HTTP front end that gates
// protected routes behind L402 payments on the configured backend.
package server

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/l402gate/config"
	"github.com/katzenpost/l402gate/core/log"
	"github.com/katzenpost/l402gate/core/worker"
	"github.com/katzenpost/l402gate/internal/instrument"
	"github.com/katzenpost/l402gate/l402"
	"github.com/katzenpost/l402gate/lnclient"
)

const shutdownTimeout = 10 * time.Second

// backend is the invoice source the server drives.
type backend interface {
	l402.Invoicer
	Close() error
}

// Server is an l402gate instance.
type Server struct {
	worker.Worker

	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	backend backend
	ledger  *l402.Ledger
	mw      *l402.Middleware

	httpServer    *http.Server
	metricsServer *http.Server
	listener      net.Listener

	haltedCh chan interface{}
	haltOnce sync.Once
}

// New returns a Server parameterized with cfg. It does not listen until
// Start is called.
func New(cfg *config.Config) (*Server, error) {
	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	b, err := lnclient.New(cfg.Backend, logBackend.GetLogger(log.ModuleBackend))
	if err != nil {
		return nil, err
	}
	s, err := newServer(cfg, logBackend, b)
	if err != nil {
		b.Close()
		return nil, err
	}
	return s, nil
}

func newServer(cfg *config.Config, logBackend *log.Backend, b backend) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logBackend: logBackend,
		log:        logBackend.GetLogger(log.ModuleServer),
		backend:    b,
		haltedCh:   make(chan interface{}),
	}
	if cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Debug logging is enabled, protocol details will be logged.")
	}

	if cfg.Server.LedgerFile != "" {
		if err := initDataDir(filepath.Dir(cfg.Server.LedgerFile)); err != nil {
			s.log.Errorf("Failed to initialize ledger directory: %v", err)
			return nil, err
		}
		var err error
		if s.ledger, err = l402.OpenLedger(cfg.Server.LedgerFile); err != nil {
			s.log.Errorf("Failed to open ledger: %v", err)
			return nil, err
		}
	}

	s.mw = l402.New(&l402.Config{
		RootKey:           cfg.L402.RootKeyBytes(),
		PriceMsat:         cfg.L402.PriceSats * 1000,
		Memo:              cfg.L402.Memo,
		Caveats:           cfg.L402.Caveats,
		ProtectedPrefixes: cfg.Server.ProtectedPrefixes,
		TokenCacheTTL:     time.Duration(cfg.L402.TokenCacheTTL) * time.Second,
	}, b, s.ledger, logBackend.GetLogger(log.ModuleL402))

	handler, err := s.routes()
	if err != nil {
		if s.ledger != nil {
			s.ledger.Close()
		}
		return nil, err
	}
	errLog := stdlog.New(logBackend.GetLogWriter(log.ModuleServer, "WARNING"), "", 0)
	s.httpServer = &http.Server{
		Handler:           s.mw.Handler(handler),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          errLog,
	}
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", instrument.Handler())
		s.metricsServer = &http.Server{
			Addr:              cfg.Server.MetricsAddress,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          errLog,
		}
	}
	return s, nil
}

// initDataDir ensures that d exists and is a directory.
func initDataDir(d string) error {
	const dirMode = os.ModeDir | 0700

	fi, err := os.Lstat(d)
	switch {
	case os.IsNotExist(err):
		if err = os.MkdirAll(d, dirMode); err != nil {
			return fmt.Errorf("server: failed to create data directory: %v", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("server: failed to stat() data directory: %v", err)
	case !fi.IsDir():
		return fmt.Errorf("server: data directory '%v' is not a directory", d)
	}
	return nil
}

func (s *Server) routes() (http.Handler, error) {
	mux := http.NewServeMux()

	var protected http.Handler = http.HandlerFunc(protectedHandler)
	if s.cfg.Server.Upstream != "" {
		u, err := url.Parse(s.cfg.Server.Upstream)
		if err != nil {
			return nil, err
		}
		proxy := httputil.NewSingleHostReverseProxy(u)
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			s.log.Errorf("Upstream request %v failed: %v", r.URL.Path, err)
			l402.WriteJSON(w, http.StatusBadGateway, "Bad Gateway")
		}
		protected = proxy
		s.log.Noticef("Proxying paid requests to %v", u.Redacted())
	}
	seen := map[string]bool{}
	for _, p := range s.cfg.Server.ProtectedPrefixes {
		patterns := []string{p}
		if p[len(p)-1] != '/' {
			patterns = append(patterns, p+"/")
		}
		for _, pat := range patterns {
			if !seen[pat] {
				seen[pat] = true
				mux.Handle(pat, protected)
			}
		}
	}
	if !seen["/"] {
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/" {
				http.NotFound(w, r)
				return
			}
			l402.WriteJSON(w, http.StatusOK, l402.FreeContentMessage)
		})
	}
	return mux, nil
}

// protectedHandler reports the L402 outcome the middleware attached.
func protectedHandler(w http.ResponseWriter, r *http.Request) {
	info, ok := l402.FromContext(r.Context())
	if !ok {
		l402.WriteJSON(w, http.StatusInternalServerError, l402.InternalErrorMessage)
		return
	}
	switch info.Type {
	case l402.Paid:
		l402.WriteJSON(w, http.StatusOK, l402.ProtectedContentMessage)
	case l402.Free:
		l402.WriteJSON(w, http.StatusOK, l402.FreeContentMessage)
	case l402.PaymentRequired:
		l402.WriteJSON(w, http.StatusPaymentRequired, l402.PaymentRequiredMessage)
	default:
		l402.WriteJSON(w, http.StatusInternalServerError, l402.InternalErrorMessage)
	}
}

// Start binds the listeners and begins serving.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Server.Address)
	if err != nil {
		s.log.Errorf("Failed to listen on %v: %v", s.cfg.Server.Address, err)
		return err
	}
	s.listener = ln
	s.log.Noticef("Listening on %v", ln.Addr())
	s.Go(func() { s.serve(s.httpServer, ln) })

	if s.metricsServer != nil {
		mln, err := net.Listen("tcp", s.metricsServer.Addr)
		if err != nil {
			s.log.Errorf("Failed to listen on %v: %v", s.metricsServer.Addr, err)
			ln.Close()
			return err
		}
		s.log.Noticef("Serving metrics on %v", mln.Addr())
		s.Go(func() { s.serve(s.metricsServer, mln) })
	}
	return nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Errorf("Server on %v failed: %v", ln.Addr(), err)
		go s.Shutdown()
	}
}

// Addr returns the bound address of the gate, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// RotateLog reopens the log file.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.log.Errorf("Failed to rotate log file: %v", err)
		return
	}
	s.log.Noticef("Rotated log file.")
}

// Shutdown cleanly shuts down the Server.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	s.log.Noticef("Starting graceful shutdown.")

	// Stop accepting requests before the backend goes away.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Warningf("HTTP shutdown: %v", err)
	}
	if s.metricsServer != nil {
		s.metricsServer.Shutdown(ctx)
	}
	s.Halt()

	if err := s.backend.Close(); err != nil {
		s.log.Warningf("Backend close: %v", err)
	}
	if s.ledger != nil {
		s.ledger.Close()
	}

	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}

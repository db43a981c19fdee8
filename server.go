// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Default listening ports for the two carriers.
const (
	DefaultWSPort   = 5902
	DefaultHTTPPort = 5903
)

// serverShutdownGrace bounds how long the carriers wait for in-flight
// requests during graceful shutdown.
const serverShutdownGrace = 5 * time.Second

// Server runs the WebSocket and HTTP carriers on top of one
// [*Dispatcher] and coordinates graceful shutdown: a Shutdown request or
// a cancelled run context stops the listeners, drains in-flight
// requests, and returns.
//
// Construct with [NewServer].
type Server struct {
	// dispatcher routes all decoded requests.
	dispatcher *Dispatcher

	// httpAddr and wsAddr are the listen addresses.
	httpAddr, wsAddr string

	// httpHandler and wsHandler are the carrier handlers.
	httpHandler *HTTPHandler
	wsHandler   *WSHandler

	// logger is the SLogger to use.
	logger SLogger
}

// NewServer creates a [*Server] listening on the given ports.
//
// The cfg argument contains the common configuration for comsrv components.
func NewServer(cfg *Config, dispatcher *Dispatcher, wsPort, httpPort int) *Server {
	return &Server{
		dispatcher:  dispatcher,
		httpAddr:    fmt.Sprintf(":%d", httpPort),
		wsAddr:      fmt.Sprintf(":%d", wsPort),
		httpHandler: NewHTTPHandler(cfg, dispatcher),
		wsHandler:   NewWSHandler(cfg, dispatcher),
		logger:      cfg.Logger,
	}
}

// Run serves both carriers until ctx is cancelled (SIGINT/SIGTERM) or a
// client sends Shutdown, then shuts down gracefully. A nil return means
// a clean exit.
func (s *Server) Run(ctx context.Context) error {
	wsServer := &http.Server{Addr: s.wsAddr, Handler: s.wsHandler}
	httpServer := &http.Server{Addr: s.httpAddr, Handler: s.httpHandler}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.logger.Info("wsListen", "addr", s.wsAddr)
		return ignoreServerClosed(wsServer.ListenAndServe())
	})
	group.Go(func() error {
		s.logger.Info("httpListen", "addr", s.httpAddr)
		return ignoreServerClosed(httpServer.ListenAndServe())
	})
	group.Go(func() error {
		select {
		case <-groupCtx.Done():
			// External signal: run the same graceful sequence a
			// Shutdown request would.
			s.dispatcher.Handle(context.Background(), Request{Shutdown: true})
		case <-s.dispatcher.Done():
		}
		graceCtx, cancel := context.WithTimeout(context.Background(), serverShutdownGrace)
		defer cancel()
		wsErr := wsServer.Shutdown(graceCtx)
		httpErr := httpServer.Shutdown(graceCtx)
		if wsErr != nil {
			return wsErr
		}
		return httpErr
	})
	err := group.Wait()
	s.logger.Info("serverExit", "err", err)
	return err
}

// ignoreServerClosed filters the expected shutdown error.
func ignoreServerClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

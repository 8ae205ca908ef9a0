// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package server provides the HTTP server for the AS2 service.
//
// The server exposes two surfaces:
//
// # AS2 Endpoint
//
//   - POST /as2receive - Receives inbound AS2 messages and asynchronous
//     MDNs. Authentication is via AS2 message-level security; the
//     dispatcher decides which of the two the payload is.
//   - GET  /as2receive - Hint text for browsers.
//   - OPTIONS /as2receive - Allowed methods.
//
// # REST API
//
//   - POST /api/messages/send - Build and send an outbound message
//   - GET  /health            - Liveness probe with store ping
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/openedi/go-as2/internal/config"
	"github.com/openedi/go-as2/internal/exchange"
	"github.com/openedi/go-as2/internal/storage"
)

// maxInboundBytes caps inbound AS2 request bodies.
const maxInboundBytes = 100 << 20

// Server is the AS2 HTTP server
type Server struct {
	config  *config.Config
	logger  *slog.Logger
	httpSrv *http.Server
	store   storage.Store
	manager *exchange.Manager
}

// New creates a new AS2 server
func New(cfg *config.Config, store storage.Store, manager *exchange.Manager, logger *slog.Logger) *Server {
	s := &Server{
		config:  cfg,
		logger:  logger,
		store:   store,
		manager: manager,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpSrv = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start begins listening on the specified address
func (s *Server) Start(addr string) error {
	s.httpSrv.Addr = addr
	s.logger.Info("starting server", "addr", addr, "tls", s.config.Server.TLS.Enabled)
	if s.config.Server.TLS.Enabled {
		return s.httpSrv.ListenAndServeTLS(
			s.config.Server.TLS.CertFile,
			s.config.Server.TLS.KeyFile,
		)
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return err
	}
	if s.store != nil {
		return s.store.Close(ctx)
	}
	return nil
}

// Handler exposes the route mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/as2receive", s.handleAS2Receive)
	mux.HandleFunc("/as2receive/", s.handleAS2Receive)

	mux.HandleFunc("POST /api/messages/send", s.handleSendMessage)

	mux.HandleFunc("GET /health", s.handleHealth)
}

// handleAS2Receive is the single AS2 wire endpoint: partners POST both
// messages and asynchronous MDNs here.
func (s *Server) handleAS2Receive(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		// handled below
	case http.MethodGet:
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintln(w, "This is an AS2 endpoint; send AS2 messages via HTTP POST.")
		return
	case http.MethodOptions:
		w.Header().Set("Allow", "POST,GET")
		w.WriteHeader(http.StatusOK)
		return
	default:
		w.Header().Set("Allow", "POST,GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBytes))
	if err != nil {
		s.logger.Warn("failed to read inbound body", "error", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}

	resp := s.manager.HandleDelivery(r.Context(), headers, body)
	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		s.logger.Warn("failed to write AS2 response", "error", err)
	}
}

type sendMessageRequest struct {
	Organization string `json:"organization"`
	Partner      string `json:"partner"`
	Filename     string `json:"filename"`

	// Payload is base64-encoded message content.
	Payload string `json:"payload"`
}

type sendMessageResponse struct {
	ID             string `json:"id"`
	MessageID      string `json:"messageId"`
	Status         string `json:"status"`
	DetailedStatus string `json:"detailedStatus,omitempty"`
	Error          string `json:"error,omitempty"`
}

// handleSendMessage builds and sends an outbound message from a JSON
// request.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Organization == "" || req.Partner == "" || req.Payload == "" {
		s.jsonError(w, "organization, partner and payload are required", http.StatusBadRequest)
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		s.jsonError(w, "payload must be base64 encoded", http.StatusBadRequest)
		return
	}
	filename := req.Filename
	if filename == "" {
		filename = "payload.dat"
	}

	msg, err := s.manager.SendPayload(r.Context(), req.Organization, req.Partner, payload, filename)
	if err != nil {
		s.logger.Error("send failed",
			"organization", req.Organization,
			"partner", req.Partner,
			"error", err,
		)
		if msg == nil {
			s.jsonError(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
	}

	resp := sendMessageResponse{
		ID:             msg.ID,
		MessageID:      msg.MessageID,
		Status:         string(msg.Status),
		DetailedStatus: msg.DetailedStatus,
	}
	code := http.StatusCreated
	if err != nil {
		// The message row exists but its final state may not have been
		// persisted; report the storage failure with what we have.
		resp.Error = err.Error()
		code = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("store ping failed", "error", err)
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

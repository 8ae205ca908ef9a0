// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package exchange implements the AS2 exchange core: the outbound
// orchestrator that drives delivery to trading partners and the
// inbound dispatcher that classifies and processes deliveries from
// them.
//
// The package owns the Message and MDN lifecycle. All state
// transitions are persisted through the storage layer; the wire codec
// is an injected collaborator (see pkg/codec) and never touched
// directly by callers.
//
// # Failure Semantics
//
// Transport failures are recoverable: the message moves to Retry and
// the maintenance scheduler picks it up. Protocol failures reported by
// the codec (bad signature, unknown partner, duplicate) are terminal
// Error or Warning states with a human-readable detail. AS2-level
// rejection always travels inside a 200 response; non-200 is reserved
// for structurally unusable requests.
package exchange

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openedi/go-as2/internal/storage"
	"github.com/openedi/go-as2/pkg/codec"
	"github.com/openedi/go-as2/pkg/transport"
)

// DefaultSubject is used when a partner profile has no subject
// configured.
const DefaultSubject = "EDI Message sent using go-as2"

// Config holds exchange settings, passed explicitly at construction.
type Config struct {
	// MDNURL is the local endpoint partners deliver async MDNs to.
	MDNURL string

	// DataDir is the root for partner inbox/outbox directories.
	DataDir string
}

// Manager owns message and MDN lifecycle state and orchestrates
// outbound sends and inbound dispatch.
type Manager struct {
	store  storage.Store
	codec  codec.Codec
	client *transport.Client
	hooks  Hooks
	cfg    Config
	logger *slog.Logger
}

// NewManager creates an exchange manager. Hooks may be nil for no-op;
// logger may be nil for slog.Default().
func NewManager(store storage.Store, cdc codec.Codec, client *transport.Client, hooks Hooks, cfg Config, logger *slog.Logger) *Manager {
	if hooks == nil {
		hooks = NopHooks{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		codec:  cdc,
		client: client,
		hooks:  hooks,
		cfg:    cfg,
		logger: logger,
	}
}

// Resolver returns the codec resolver backed by this manager's store.
func (m *Manager) Resolver() codec.Resolver {
	return NewStoreResolver(m.store, m.cfg.MDNURL)
}

// MDNURL returns the configured async MDN return address.
func (m *Manager) MDNURL() string { return m.cfg.MDNURL }

// storeInboundFile writes an accepted inbound payload into the partner
// inbox directory and returns the full path. An existing file under
// the same name gets a timestamp suffix instead of being overwritten.
func (m *Manager) storeInboundFile(msg *storage.Message, partner *storage.Partner, payload []byte, originalName string) (string, error) {
	name := msg.MessageID + ".msg"
	if partner != nil && partner.KeepFilename && originalName != "" {
		name = originalName
	}

	dir := filepath.Join(m.cfg.DataDir, "messages", msg.OrganizationID, "inbox", msg.PartnerID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating inbox directory: %w", err)
	}

	full := filepath.Join(dir, name)
	if _, err := os.Stat(full); err == nil {
		ext := filepath.Ext(name)
		stem := name[:len(name)-len(ext)]
		full = filepath.Join(dir, stem+time.Now().Format("_150405")+ext)
	}

	if err := os.WriteFile(full, payload, 0o644); err != nil {
		return "", fmt.Errorf("writing inbox file: %w", err)
	}
	return full, nil
}

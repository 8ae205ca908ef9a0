// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package scheduler implements the maintenance passes that keep the
// AS2 exchange moving: retrying failed transmissions, flushing and
// escalating asynchronous MDNs, and purging expired records.
//
// Passes are triggered externally (cron, the maintenance subcommand,
// or a ticker); the package holds no timers of its own. Every pass is
// idempotent and safe to run concurrently with live traffic, relying
// on the atomic retry counter in the storage layer to keep overlapping
// runs from racing past the retry ceiling.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openedi/go-as2/internal/exchange"
	"github.com/openedi/go-as2/internal/storage"
	"github.com/openedi/go-as2/pkg/transport"
)

// Config holds the maintenance thresholds.
type Config struct {
	// MaxRetries is the transmission attempt ceiling before a message
	// becomes a terminal Error.
	MaxRetries int

	// AsyncMDNWait is how long an outbound message may stay Pending
	// before the missing asynchronous MDN escalates it to retry.
	AsyncMDNWait time.Duration

	// Retention is the age past which messages and their receipts are
	// purged.
	Retention time.Duration
}

// DefaultConfig returns the default maintenance thresholds.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   5,
		AsyncMDNWait: 30 * time.Minute,
		Retention:    30 * 24 * time.Hour,
	}
}

// Scheduler runs the maintenance passes over the message store.
type Scheduler struct {
	store   storage.Store
	manager *exchange.Manager
	client  *transport.Client
	cfg     Config
	logger  *slog.Logger
}

// New creates a scheduler. Logger may be nil for slog.Default().
func New(store storage.Store, manager *exchange.Manager, client *transport.Client, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   store,
		manager: manager,
		client:  client,
		cfg:     cfg,
		logger:  logger,
	}
}

// RunRetry re-sends outbound messages parked in Retry state. Each
// attempt bumps the atomic retry counter first, so a message that has
// exhausted its budget turns into a terminal Error instead of being
// sent again.
func (s *Scheduler) RunRetry(ctx context.Context) error {
	msgs, err := s.store.ListMessages(ctx, &storage.MessageFilter{
		Direction: storage.DirectionOut,
		Status:    storage.StatusRetry,
	})
	if err != nil {
		return fmt.Errorf("listing retryable messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}
	s.logger.Info("retry pass started", "messages", len(msgs))

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.retryMessage(ctx, msg, "Retry count exceeded the limit."); err != nil {
			s.logger.Error("retry failed", "message_id", msg.MessageID, "error", err)
		}
	}
	return nil
}

// retryMessage performs one attempt for a message, escalating to a
// terminal Error with the given detail when the ceiling is reached.
func (s *Scheduler) retryMessage(ctx context.Context, msg *storage.Message, exhaustedDetail string) error {
	retries, err := s.store.IncrementRetries(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("incrementing retries: %w", err)
	}
	msg.Retries = retries

	if retries > s.cfg.MaxRetries {
		msg.Status = storage.StatusError
		msg.DetailedStatus = exhaustedDetail
		s.logger.Warn("message exhausted its retries",
			"message_id", msg.MessageID,
			"retries", retries,
		)
		return s.store.UpdateMessage(ctx, msg)
	}

	s.logger.Info("retrying message",
		"message_id", msg.MessageID,
		"attempt", retries,
		"max", s.cfg.MaxRetries,
	)

	partner, artifact, err := s.manager.Rebuild(ctx, msg)
	if err != nil {
		msg.Status = storage.StatusError
		msg.DetailedStatus = fmt.Sprintf("Failed to rebuild message for retry: %s", err)
		if uerr := s.store.UpdateMessage(ctx, msg); uerr != nil {
			return uerr
		}
		return err
	}
	return s.manager.Send(ctx, msg, partner, artifact)
}

// RunAsyncMDN flushes queued asynchronous MDNs to their return URLs
// and escalates outbound messages whose expected MDN never arrived.
func (s *Scheduler) RunAsyncMDN(ctx context.Context) error {
	if err := s.flushPendingMDNs(ctx); err != nil {
		return err
	}
	return s.escalateOverdueMessages(ctx)
}

// flushPendingMDNs delivers inbound-side MDNs still waiting to be
// posted. Pending rows owned by outbound messages only track an
// expected receipt and are skipped. A failed POST leaves the MDN
// Pending for the next pass.
func (s *Scheduler) flushPendingMDNs(ctx context.Context) error {
	mdns, err := s.store.ListMDNs(ctx, &storage.MDNFilter{Status: storage.MDNPending})
	if err != nil {
		return fmt.Errorf("listing pending MDNs: %w", err)
	}

	for _, mdn := range mdns {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := s.store.GetMessage(ctx, mdn.MessageID)
		if err != nil {
			s.logger.Error("MDN owner lookup failed", "mdn_id", mdn.MDNID, "error", err)
			continue
		}
		if msg.Direction == storage.DirectionOut {
			continue
		}

		if err := s.postMDN(ctx, mdn, msg); err != nil {
			s.logger.Warn("asynchronous MDN delivery failed, will retry",
				"mdn_id", mdn.MDNID,
				"return_url", mdn.ReturnURL,
				"error", err,
			)
			continue
		}

		mdn.Status = storage.MDNSent
		if err := s.store.UpdateMDN(ctx, mdn); err != nil {
			s.logger.Error("failed to mark MDN sent", "mdn_id", mdn.MDNID, "error", err)
			continue
		}
		s.logger.Info("asynchronous MDN delivered",
			"mdn_id", mdn.MDNID,
			"return_url", mdn.ReturnURL,
		)
	}
	return nil
}

// postMDN sends one stored MDN to its return URL using the owning
// message's partner transport settings.
func (s *Scheduler) postMDN(ctx context.Context, mdn *storage.MDN, msg *storage.Message) error {
	headerData, err := s.store.GetBlob(ctx, mdn.HeadersBlob)
	if err != nil {
		return fmt.Errorf("reading MDN headers: %w", err)
	}
	headers, err := exchange.DecodeHeaders(headerData)
	if err != nil {
		return fmt.Errorf("decoding MDN headers: %w", err)
	}
	body, err := s.store.GetBlob(ctx, mdn.PayloadBlob)
	if err != nil {
		return fmt.Errorf("reading MDN body: %w", err)
	}

	req := &transport.Request{
		URL:     mdn.ReturnURL,
		Headers: headers,
		Body:    body,
	}
	partner, err := s.store.GetPartner(ctx, msg.PartnerID)
	if err == nil {
		req.InsecureSkipVerify = !partner.VerifySSL
		if partner.HTTPAuth {
			req.Auth = &transport.BasicAuth{
				Username: partner.HTTPAuthUser,
				Password: partner.HTTPAuthPass,
			}
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	_, err = s.client.Post(ctx, req)
	return err
}

// escalateOverdueMessages puts outbound messages that waited too long
// for their asynchronous MDN through the retry path.
func (s *Scheduler) escalateOverdueMessages(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.AsyncMDNWait)
	msgs, err := s.store.ListMessages(ctx, &storage.MessageFilter{
		Direction: storage.DirectionOut,
		Status:    storage.StatusPending,
		OlderThan: &cutoff,
	})
	if err != nil {
		return fmt.Errorf("listing overdue messages: %w", err)
	}

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.logger.Info("asynchronous MDN overdue, retrying message",
			"message_id", msg.MessageID,
			"waited", time.Since(msg.Timestamp).Round(time.Second),
		)
		detail := "Failed to receive asynchronous MDN within the threshold limit."
		if err := s.retryMessage(ctx, msg, detail); err != nil {
			s.logger.Error("retry failed", "message_id", msg.MessageID, "error", err)
		}
	}
	return nil
}

// RunCleanup purges messages past the retention window, with their
// blobs and MDNs. Blob and MDN deletion is best-effort; the message
// row goes last so an interrupted run repeats cleanly.
func (s *Scheduler) RunCleanup(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.Retention)
	msgs, err := s.store.ListMessages(ctx, &storage.MessageFilter{OlderThan: &cutoff})
	if err != nil {
		return fmt.Errorf("listing expired messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}
	s.logger.Info("cleanup pass started", "messages", len(msgs), "cutoff", cutoff)

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.deleteMessage(ctx, msg)
	}
	return nil
}

func (s *Scheduler) deleteMessage(ctx context.Context, msg *storage.Message) {
	log := s.logger.With("message_id", msg.MessageID)

	mdn, err := s.store.GetMDNByMessage(ctx, msg.ID)
	switch {
	case err == nil:
		s.deleteBlob(ctx, mdn.HeadersBlob)
		s.deleteBlob(ctx, mdn.PayloadBlob)
		if err := s.store.DeleteMDN(ctx, mdn.MDNID); err != nil {
			log.Warn("failed to delete MDN", "mdn_id", mdn.MDNID, "error", err)
		}
	case !errors.Is(err, storage.ErrNotFound):
		log.Warn("MDN lookup failed during cleanup", "error", err)
	}

	s.deleteBlob(ctx, msg.HeadersBlob)
	s.deleteBlob(ctx, msg.PayloadBlob)

	if err := s.store.DeleteMessage(ctx, msg.ID); err != nil {
		log.Warn("failed to delete message", "error", err)
		return
	}
	log.Debug("expired message purged")
}

func (s *Scheduler) deleteBlob(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.store.DeleteBlob(ctx, key); err != nil {
		s.logger.Warn("failed to delete blob", "key", key, "error", err)
	}
}

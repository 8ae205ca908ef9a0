package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/openedi/go-as2/internal/storage"
	"github.com/openedi/go-as2/pkg/codec"
)

// DeliveryResponse is what the HTTP layer writes back for an inbound
// delivery.
type DeliveryResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

func plainResponse(status int, body string) *DeliveryResponse {
	return &DeliveryResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "text/plain"},
		Body:       []byte(body),
	}
}

// HandleDelivery is the single entry point for inbound AS2 traffic.
// The payload is first tried as an MDN; if the codec signals it is
// not one, it is parsed as a message. AS2-level failures produce a
// 200 response carrying the protocol's own error indication; non-200
// is reserved for structurally unusable requests.
func (m *Manager) HandleDelivery(ctx context.Context, headers map[string]string, body []byte) *DeliveryResponse {
	raw := RawMessage(headers, body)
	resolver := m.Resolver()

	inboundMDN, err := m.codec.ParseMDN(ctx, raw, resolver)
	switch {
	case err == nil:
		return m.handleInboundMDN(ctx, inboundMDN)
	case errors.Is(err, codec.ErrNotMDN):
		// fall through to message parsing
	default:
		m.logger.Warn("rejecting malformed inbound payload", "error", err)
		return plainResponse(http.StatusBadRequest, "unable to parse AS2 payload")
	}

	inbound, err := m.codec.ParseMessage(ctx, raw, resolver)
	if err != nil {
		m.logger.Warn("rejecting malformed inbound message", "error", err)
		return plainResponse(http.StatusBadRequest, "unable to parse AS2 message")
	}
	return m.handleInboundMessage(ctx, headers, inbound)
}

// handleInboundMDN applies an asynchronous MDN to its original
// outbound message.
func (m *Manager) handleInboundMDN(ctx context.Context, inbound *codec.InboundMDN) *DeliveryResponse {
	log := m.logger.With("orig_message_id", inbound.OrigMessageID, "mdn_id", inbound.MDNID)

	msgs, err := m.store.ListMessages(ctx, &storage.MessageFilter{
		MessageID: inbound.OrigMessageID,
		Direction: storage.DirectionOut,
		Limit:     1,
	})
	if err != nil {
		log.Error("message lookup failed", "error", err)
		return plainResponse(http.StatusInternalServerError, "internal error")
	}
	if len(msgs) == 0 {
		// Nothing to attach this receipt to; an unmatchable MDN is
		// unrecoverable and must not be silently dropped.
		log.Error("received MDN for unknown message")
		return plainResponse(http.StatusNotFound, "unknown AS2 message")
	}
	msg := msgs[0]

	partner, err := m.store.GetPartner(ctx, msg.PartnerID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Error("partner lookup failed", "error", err)
		return plainResponse(http.StatusInternalServerError, "internal error")
	}

	log.Info("asynchronous MDN received",
		"organization", msg.OrganizationID,
		"partner", msg.PartnerID,
	)

	if inbound.Verdict.OK() {
		msg.Status = storage.StatusSuccess
	} else {
		msg.Status = storage.StatusError
		msg.DetailedStatus = "Partner failed to process message: " + inbound.Detail
	}
	if err := m.store.UpdateMessage(ctx, msg); err != nil {
		log.Error("failed to update message", "error", err)
		return plainResponse(http.StatusInternalServerError, "internal error")
	}

	if err := m.recordReceivedMDN(ctx, msg, inbound); err != nil {
		log.Warn("failed to record received MDN", "error", err)
	}

	if msg.Status == storage.StatusSuccess {
		headers := m.storedHeaders(ctx, msg)
		m.hooks.OnSendSuccess(ctx, msg, partner, headers)
	}

	return plainResponse(http.StatusOK, "AS2 ASYNC MDN has been received")
}

// handleInboundMessage persists an inbound message and produces the
// MDN or acknowledgement response the sender asked for.
func (m *Manager) handleInboundMessage(ctx context.Context, reqHeaders map[string]string, inbound *codec.InboundMessage) *DeliveryResponse {
	log := m.logger.With(
		"message_id", inbound.MessageID,
		"organization", inbound.ReceiverAS2ID,
		"partner", inbound.SenderAS2ID,
	)
	log.Info("inbound AS2 message received")

	msg := &storage.Message{
		ID:             uuid.NewString(),
		MessageID:      inbound.MessageID,
		Direction:      storage.DirectionIn,
		OrganizationID: inbound.ReceiverAS2ID,
		PartnerID:      inbound.SenderAS2ID,
		Filename:       inbound.Filename,
		Compressed:     inbound.Compressed,
		Encrypted:      inbound.Encrypted,
		Signed:         inbound.Signed,
		MIC:            inbound.MIC,
	}
	if inbound.MDN != nil {
		msg.MDNMode = inbound.MDN.Mode
	}

	switch {
	case inbound.Duplicate:
		// A redelivery of an already-processed exchange: keep it
		// auditable under a suffixed id, flagged as a warning rather
		// than an error since the payload itself was valid.
		msg.Status = storage.StatusWarning
		msg.DetailedStatus = fmt.Sprintf("Duplicate delivery of message %s", inbound.MessageID)
		msg.MessageID = inbound.MessageID + "_duplicate"
	case inbound.Verdict.OK():
		msg.Status = storage.StatusSuccess
	default:
		msg.Status = storage.StatusError
		msg.DetailedStatus = inbound.Detail
	}

	if err := m.persistInbound(ctx, msg, reqHeaders, inbound.Payload); err != nil {
		log.Error("failed to persist inbound message", "error", err)
		return plainResponse(http.StatusInternalServerError, "internal error")
	}

	if msg.Status == storage.StatusSuccess {
		partner, err := m.store.GetPartner(ctx, msg.PartnerID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Warn("partner lookup failed", "error", err)
		}
		fullPath, err := m.storeInboundFile(msg, partner, inbound.Payload, inbound.Filename)
		if err != nil {
			log.Warn("failed to store inbound payload file", "error", err)
		} else {
			m.hooks.OnReceiveSuccess(ctx, msg, partner, reqHeaders, fullPath)
		}
	}

	if inbound.MDN == nil {
		return plainResponse(http.StatusOK, "AS2 message has been received")
	}

	switch inbound.MDN.Mode {
	case codec.MDNModeSync:
		if err := m.recordSentMDN(ctx, msg, inbound.MDN); err != nil {
			log.Warn("failed to record sent MDN", "error", err)
		}
		return &DeliveryResponse{
			StatusCode: http.StatusOK,
			Headers:    inbound.MDN.Headers,
			Body:       inbound.MDN.Content,
		}
	case codec.MDNModeAsync:
		if err := m.queueAsyncMDN(ctx, msg, inbound.MDN); err != nil {
			log.Warn("failed to queue asynchronous MDN", "error", err)
		}
		return plainResponse(http.StatusOK, "AS2 message has been received")
	default:
		return plainResponse(http.StatusOK, "AS2 message has been received")
	}
}

// persistInbound creates the message row with its blobs, renaming once
// more when a concurrent delivery already claimed the suffixed id. The
// blob keys follow the row id, so the rename never moves the blobs.
func (m *Manager) persistInbound(ctx context.Context, msg *storage.Message, reqHeaders map[string]string, payload []byte) error {
	msg.HeadersBlob = storage.MessageHeadersKey(msg)
	msg.PayloadBlob = storage.MessagePayloadKey(msg)
	if err := m.store.SaveBlob(ctx, msg.HeadersBlob, EncodeHeaders(reqHeaders)); err != nil {
		return fmt.Errorf("storing headers blob: %w", err)
	}
	if err := m.store.SaveBlob(ctx, msg.PayloadBlob, payload); err != nil {
		return fmt.Errorf("storing payload blob: %w", err)
	}

	err := m.store.CreateMessage(ctx, msg)
	if errors.Is(err, storage.ErrDuplicate) {
		// Either a repeated redelivery or the losing side of two
		// concurrent deliveries; both are duplicates.
		if msg.Status != storage.StatusWarning {
			msg.Status = storage.StatusWarning
			msg.DetailedStatus = fmt.Sprintf("Duplicate delivery of message %s", msg.MessageID)
		}
		msg.MessageID = msg.MessageID + "_" + uuid.NewString()[:8]
		err = m.store.CreateMessage(ctx, msg)
	}
	if err != nil {
		return fmt.Errorf("creating message: %w", err)
	}
	return nil
}

// recordSentMDN persists the synchronous MDN returned to the sender.
func (m *Manager) recordSentMDN(ctx context.Context, msg *storage.Message, envelope *codec.MDNEnvelope) error {
	mdnID := envelope.MessageID
	if mdnID == "" {
		mdnID = uuid.NewString()
	}
	mdn := &storage.MDN{
		MDNID:     mdnID,
		MessageID: msg.ID,
		Status:    storage.MDNSent,
		Signed:    envelope.DigestAlg != "",
	}
	return m.saveMDNWithBlobs(ctx, mdn, envelope)
}

// queueAsyncMDN persists a pending MDN whose delivery is deferred to
// the maintenance scheduler.
func (m *Manager) queueAsyncMDN(ctx context.Context, msg *storage.Message, envelope *codec.MDNEnvelope) error {
	mdnID := envelope.MessageID
	if mdnID == "" {
		mdnID = uuid.NewString()
	}
	mdn, err := storage.NewPendingMDN(mdnID, msg.ID, envelope.ReturnURL)
	if err != nil {
		return err
	}
	mdn.Signed = envelope.DigestAlg != ""
	return m.saveMDNWithBlobs(ctx, mdn, envelope)
}

func (m *Manager) saveMDNWithBlobs(ctx context.Context, mdn *storage.MDN, envelope *codec.MDNEnvelope) error {
	mdn.HeadersBlob = storage.MDNHeadersKey(mdn)
	mdn.PayloadBlob = storage.MDNPayloadKey(mdn)
	if err := m.store.SaveBlob(ctx, mdn.HeadersBlob, EncodeHeaders(envelope.Headers)); err != nil {
		return err
	}
	if err := m.store.SaveBlob(ctx, mdn.PayloadBlob, envelope.Content); err != nil {
		return err
	}
	return m.store.CreateMDN(ctx, mdn)
}

// storedHeaders loads and decodes a message's stored protocol headers,
// best-effort.
func (m *Manager) storedHeaders(ctx context.Context, msg *storage.Message) map[string]string {
	if msg.HeadersBlob == "" {
		return nil
	}
	data, err := m.store.GetBlob(ctx, msg.HeadersBlob)
	if err != nil {
		return nil
	}
	headers, err := DecodeHeaders(data)
	if err != nil {
		return nil
	}
	return headers
}

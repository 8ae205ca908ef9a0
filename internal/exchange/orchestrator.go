package exchange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/openedi/go-as2/internal/storage"
	"github.com/openedi/go-as2/pkg/codec"
	"github.com/openedi/go-as2/pkg/transport"
)

// Send delivers a built artifact to the partner and applies the
// outcome to the message state. Transport failures do not surface as
// errors: the message moves to Retry and the maintenance run resends
// it. The returned error covers storage problems only.
func (m *Manager) Send(ctx context.Context, msg *storage.Message, partner *storage.Partner, artifact *codec.Artifact) error {
	log := m.logger.With("message_id", msg.MessageID, "partner", partner.AS2ID)

	req := &transport.Request{
		URL:                partner.TargetURL,
		Headers:            artifact.Headers,
		Body:               artifact.Content,
		InsecureSkipVerify: !partner.VerifySSL,
	}
	if partner.HTTPAuth {
		req.Auth = &transport.BasicAuth{
			Username: partner.HTTPAuthUser,
			Password: partner.HTTPAuthPass,
		}
	}

	resp, err := m.client.Post(ctx, req)
	if err != nil {
		msg.Status = storage.StatusRetry
		msg.DetailedStatus = fmt.Sprintf(
			"Failure during transmission of message to partner with error %q. "+
				"Transmission will be retried by the next maintenance run.", err)
		log.Warn("transmission failed, scheduled for retry", "error", err)
		return m.store.UpdateMessage(ctx, msg)
	}

	if !partner.MDN {
		msg.Status = storage.StatusSuccess
		if err := m.store.UpdateMessage(ctx, msg); err != nil {
			return err
		}
		log.Info("message delivered, no MDN requested")
		m.hooks.OnSendSuccess(ctx, msg, partner, artifact.Headers)
		return nil
	}

	if partner.MDNMode == codec.MDNModeAsync {
		msg.Status = storage.StatusPending
		if err := m.store.UpdateMessage(ctx, msg); err != nil {
			return err
		}
		if err := m.trackExpectedMDN(ctx, msg); err != nil {
			log.Warn("failed to record expected async MDN", "error", err)
		}
		log.Info("message delivered, awaiting asynchronous MDN")
		return nil
	}

	return m.processSyncMDN(ctx, msg, partner, resp)
}

// trackExpectedMDN records a pending MDN row for an outbound message
// awaiting the partner's asynchronous receipt. The return URL is our
// own MDN endpoint, where the receipt is expected to arrive.
func (m *Manager) trackExpectedMDN(ctx context.Context, msg *storage.Message) error {
	if _, err := m.store.GetMDNByMessage(ctx, msg.ID); err == nil {
		return nil // already tracked from a previous attempt
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	mdn, err := storage.NewPendingMDN(uuid.NewString(), msg.ID, m.cfg.MDNURL)
	if err != nil {
		return err
	}
	return m.store.CreateMDN(ctx, mdn)
}

// processSyncMDN reconstructs the MDN carried in the HTTP response and
// applies its verdict to the message.
func (m *Manager) processSyncMDN(ctx context.Context, msg *storage.Message, partner *storage.Partner, resp *transport.Response) error {
	log := m.logger.With("message_id", msg.MessageID, "partner", partner.AS2ID)

	raw := syncMDNRaw(resp)

	org, err := m.store.GetOrganization(ctx, msg.OrganizationID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	resolver := &originalMessageResolver{ref: msg.AS2Ref(org, partner, m.cfg.MDNURL)}

	inbound, err := m.codec.ParseMDN(ctx, raw, resolver)
	if err != nil {
		msg.Status = storage.StatusError
		if errors.Is(err, codec.ErrNotMDN) {
			msg.DetailedStatus = "Expected a synchronous MDN in the partner response but none was found."
		} else {
			msg.DetailedStatus = fmt.Sprintf("Failed to parse synchronous MDN: %s", err)
		}
		log.Error("synchronous MDN processing failed", "error", err)
		return m.store.UpdateMessage(ctx, msg)
	}

	if inbound.Verdict.OK() {
		msg.Status = storage.StatusSuccess
	} else {
		msg.Status = storage.StatusError
		msg.DetailedStatus = "Partner failed to process message: " + inbound.Detail
		log.Warn("partner rejected message", "detail", inbound.Detail)
	}
	if err := m.store.UpdateMessage(ctx, msg); err != nil {
		return err
	}

	if err := m.recordReceivedMDN(ctx, msg, inbound); err != nil {
		log.Warn("failed to record received MDN", "error", err)
	}

	if msg.Status == storage.StatusSuccess {
		log.Info("message delivered and confirmed by synchronous MDN")
		m.hooks.OnSendSuccess(ctx, msg, partner, nil)
	}
	return nil
}

// recordReceivedMDN persists a received MDN for audit, updating the
// pending tracking row when one exists from the async send path.
func (m *Manager) recordReceivedMDN(ctx context.Context, msg *storage.Message, inbound *codec.InboundMDN) error {
	mdnID := inbound.MDNID
	if mdnID == "" {
		mdnID = uuid.NewString()
	}

	mdn, err := m.store.GetMDNByMessage(ctx, msg.ID)
	switch {
	case err == nil:
		mdn.Status = storage.MDNReceived
		mdn.Signed = inbound.Signed
	case errors.Is(err, storage.ErrNotFound):
		mdn = &storage.MDN{
			MDNID:     mdnID,
			MessageID: msg.ID,
			Status:    storage.MDNReceived,
			Signed:    inbound.Signed,
		}
	default:
		return err
	}

	mdn.HeadersBlob = storage.MDNHeadersKey(mdn)
	mdn.PayloadBlob = storage.MDNPayloadKey(mdn)
	if err := m.store.SaveBlob(ctx, mdn.HeadersBlob, EncodeHeaders(inbound.Headers)); err != nil {
		return err
	}
	if err := m.store.SaveBlob(ctx, mdn.PayloadBlob, inbound.Content); err != nil {
		return err
	}

	if mdn.Timestamp.IsZero() {
		return m.store.CreateMDN(ctx, mdn)
	}
	return m.store.UpdateMDN(ctx, mdn)
}

// syncMDNRaw rebuilds an MDN wire image from the response: message-id
// and content-type come from the HTTP headers, the rest is the body.
func syncMDNRaw(resp *transport.Response) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "message-id: %s\r\n", resp.Headers["message-id"])
	fmt.Fprintf(&buf, "content-type: %s\r\n\r\n", resp.Headers["content-type"])
	buf.Write(resp.Body)
	return buf.Bytes()
}

// SendFile builds an AS2 message from a payload file and delivers it.
// The message row is created in Pending state before the first
// transmission attempt so a transport failure leaves a retryable
// record behind.
func (m *Manager) SendFile(ctx context.Context, orgID, partnerID, path string, deleteSource bool) (*storage.Message, error) {
	org, err := m.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("organization %q: %w", orgID, err)
	}
	partner, err := m.store.GetPartner(ctx, partnerID)
	if err != nil {
		return nil, fmt.Errorf("partner %q: %w", partnerID, err)
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	filename := filepath.Base(path)

	msg, artifact, err := m.buildOutbound(ctx, org, partner, payload, filename)
	if err != nil {
		return nil, err
	}

	if err := m.Send(ctx, msg, partner, artifact); err != nil {
		return msg, err
	}

	if deleteSource {
		if err := os.Remove(path); err != nil {
			m.logger.Warn("failed to delete source file", "path", path, "error", err)
		}
	}
	return msg, nil
}

// SendPayload builds and delivers an in-memory payload; it backs the
// HTTP send API.
func (m *Manager) SendPayload(ctx context.Context, orgID, partnerID string, payload []byte, filename string) (*storage.Message, error) {
	org, err := m.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("organization %q: %w", orgID, err)
	}
	partner, err := m.store.GetPartner(ctx, partnerID)
	if err != nil {
		return nil, fmt.Errorf("partner %q: %w", partnerID, err)
	}

	msg, artifact, err := m.buildOutbound(ctx, org, partner, payload, filename)
	if err != nil {
		return nil, err
	}
	return msg, m.Send(ctx, msg, partner, artifact)
}

// buildOutbound encodes the payload through the codec and persists the
// new outbound message with its header and payload blobs.
func (m *Manager) buildOutbound(ctx context.Context, org *storage.Organization, partner *storage.Partner, payload []byte, filename string) (*storage.Message, *codec.Artifact, error) {
	subject := partner.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	notifyTo := org.Email
	if notifyTo == "" {
		notifyTo = "no-reply@" + org.AS2ID
	}

	artifact, err := m.codec.Build(ctx, &codec.BuildRequest{
		Organization:              org.AS2Org(m.cfg.MDNURL),
		Partner:                   partner.AS2Partner(),
		Payload:                   payload,
		Filename:                  filename,
		Subject:                   subject,
		ContentType:               partner.ContentType,
		DispositionNotificationTo: notifyTo,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("building AS2 message: %w", err)
	}

	msg := &storage.Message{
		ID:             uuid.NewString(),
		MessageID:      artifact.MessageID,
		Direction:      storage.DirectionOut,
		Status:         storage.StatusPending,
		OrganizationID: org.AS2ID,
		PartnerID:      partner.AS2ID,
		Filename:       filename,
		Compressed:     artifact.Compressed,
		Encrypted:      artifact.Encrypted,
		Signed:         artifact.Signed,
		MIC:            artifact.MIC,
	}
	if partner.MDN {
		msg.MDNMode = partner.MDNMode
	}

	msg.HeadersBlob = storage.MessageHeadersKey(msg)
	msg.PayloadBlob = storage.MessagePayloadKey(msg)
	if err := m.store.SaveBlob(ctx, msg.HeadersBlob, EncodeHeaders(artifact.Headers)); err != nil {
		return nil, nil, fmt.Errorf("storing headers blob: %w", err)
	}
	if err := m.store.SaveBlob(ctx, msg.PayloadBlob, payload); err != nil {
		return nil, nil, fmt.Errorf("storing payload blob: %w", err)
	}

	if err := m.store.CreateMessage(ctx, msg); err != nil {
		return nil, nil, fmt.Errorf("creating message: %w", err)
	}
	return msg, artifact, nil
}

// Rebuild re-encodes an existing outbound message from its stored
// payload, reusing the original protocol id so a late MDN still
// matches.
func (m *Manager) Rebuild(ctx context.Context, msg *storage.Message) (*storage.Partner, *codec.Artifact, error) {
	org, err := m.store.GetOrganization(ctx, msg.OrganizationID)
	if err != nil {
		return nil, nil, fmt.Errorf("organization %q: %w", msg.OrganizationID, err)
	}
	partner, err := m.store.GetPartner(ctx, msg.PartnerID)
	if err != nil {
		return nil, nil, fmt.Errorf("partner %q: %w", msg.PartnerID, err)
	}
	payload, err := m.store.GetBlob(ctx, msg.PayloadBlob)
	if err != nil {
		return nil, nil, fmt.Errorf("reading stored payload: %w", err)
	}

	subject := partner.Subject
	if subject == "" {
		subject = DefaultSubject
	}

	artifact, err := m.codec.Build(ctx, &codec.BuildRequest{
		Organization: org.AS2Org(m.cfg.MDNURL),
		Partner:      partner.AS2Partner(),
		Payload:      payload,
		Filename:     msg.Filename,
		Subject:      subject,
		ContentType:  partner.ContentType,
		MessageID:    msg.MessageID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("rebuilding AS2 message: %w", err)
	}

	// The MIC can change when the codec regenerates MIME boundaries;
	// keep the stored value in step with what went on the wire.
	if artifact.MIC != "" && artifact.MIC != msg.MIC {
		msg.MIC = artifact.MIC
	}
	return partner, artifact, nil
}

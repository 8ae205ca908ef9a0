// Package plain is a cleartext AS2 codec for development and testing.
//
// It encodes messages as bare RFC 822 style headers plus payload and
// MDNs as message/disposition-notification bodies, computing real MICs
// but providing no security services: building for a partner whose
// policy requires signing, encryption, or compression fails. Use an
// S/MIME-capable codec for production traffic.
package plain

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/textproto"
	"strings"

	"github.com/google/uuid"

	"github.com/openedi/go-as2/pkg/codec"
)

const dispositionContentType = "message/disposition-notification"

// Codec implements codec.Codec without cryptography.
type Codec struct{}

// New creates a plain codec.
func New() *Codec { return &Codec{} }

// Build encodes an outbound payload. Partners demanding security
// services are rejected since this codec cannot provide them.
func (c *Codec) Build(ctx context.Context, req *codec.BuildRequest) (*codec.Artifact, error) {
	p := req.Partner
	switch {
	case p.Encrypt:
		return nil, fmt.Errorf("plain codec: partner %s requires encryption", p.AS2ID)
	case p.Sign:
		return nil, fmt.Errorf("plain codec: partner %s requires signing", p.AS2ID)
	case p.Compress:
		return nil, fmt.Errorf("plain codec: partner %s requires compression", p.AS2ID)
	}

	messageID := req.MessageID
	if messageID == "" {
		messageID = fmt.Sprintf("<%s@%s>", uuid.NewString(), req.Organization.AS2ID)
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	headers := map[string]string{
		"message-id":   messageID,
		"as2-version":  "1.2",
		"as2-from":     req.Organization.AS2ID,
		"as2-to":       p.AS2ID,
		"subject":      req.Subject,
		"content-type": contentType,
	}
	if req.Filename != "" {
		headers["content-disposition"] = fmt.Sprintf("attachment; filename=%q", req.Filename)
	}
	switch p.MDNMode {
	case codec.MDNModeSync:
		headers["disposition-notification-to"] = req.DispositionNotificationTo
	case codec.MDNModeAsync:
		headers["disposition-notification-to"] = req.DispositionNotificationTo
		headers["receipt-delivery-option"] = req.Organization.MDNURL
	}

	return &codec.Artifact{
		MessageID: messageID,
		Headers:   headers,
		Content:   req.Payload,
		MIC:       mic(req.Payload),
	}, nil
}

// ParseMessage decodes raw inbound bytes as a cleartext AS2 message.
func (c *Codec) ParseMessage(ctx context.Context, raw []byte, resolver codec.Resolver) (*codec.InboundMessage, error) {
	headers, body, err := split(raw)
	if err != nil {
		return nil, fmt.Errorf("plain codec: %w", err)
	}

	messageID := headers["message-id"]
	senderID := headers["as2-from"]
	receiverID := headers["as2-to"]
	if messageID == "" || senderID == "" || receiverID == "" {
		return nil, errors.New("plain codec: missing message-id, as2-from or as2-to header")
	}

	msg := &codec.InboundMessage{
		Verdict:       codec.VerdictProcessed,
		MessageID:     messageID,
		SenderAS2ID:   senderID,
		ReceiverAS2ID: receiverID,
		Payload:       body,
		MIC:           mic(body),
		Filename:      dispositionFilename(headers["content-disposition"]),
	}

	org, err := resolver.ResolveOrganization(ctx, receiverID)
	if err != nil {
		return nil, err
	}
	partner, err := resolver.ResolvePartner(ctx, senderID)
	if err != nil {
		return nil, err
	}
	switch {
	case org == nil:
		msg.Verdict = "failed/unknown-recipient"
		msg.Detail = fmt.Sprintf("Unknown AS2 organization with id %s", receiverID)
	case partner == nil:
		msg.Verdict = "failed/unknown-trading-partner"
		msg.Detail = fmt.Sprintf("Unknown AS2 partner with id %s", senderID)
	case partner.Encrypt || partner.Sign || partner.Compress:
		msg.Verdict = "failed/insufficient-message-security"
		msg.Detail = fmt.Sprintf("Partner %s requires security services the message does not carry", senderID)
	default:
		exists, err := resolver.MessageExists(ctx, messageID, senderID)
		if err != nil {
			return nil, err
		}
		msg.Duplicate = exists
	}

	if headers["disposition-notification-to"] != "" {
		msg.MDN = c.buildMDN(msg, headers)
	}
	return msg, nil
}

// buildMDN generates the receipt the sender asked for.
func (c *Codec) buildMDN(msg *codec.InboundMessage, reqHeaders map[string]string) *codec.MDNEnvelope {
	mode := codec.MDNModeSync
	returnURL := ""
	if opt := reqHeaders["receipt-delivery-option"]; opt != "" {
		mode = codec.MDNModeAsync
		returnURL = opt
	}

	disposition := "automatic-action/MDN-sent-automatically; processed"
	if !msg.Verdict.OK() {
		disposition = fmt.Sprintf("automatic-action/MDN-sent-automatically; %s", msg.Verdict)
	}

	mdnID := fmt.Sprintf("<%s@%s>", uuid.NewString(), msg.ReceiverAS2ID)
	var body bytes.Buffer
	fmt.Fprintf(&body, "Reporting-UA: go-as2\r\n")
	fmt.Fprintf(&body, "Original-Recipient: rfc822; %s\r\n", msg.ReceiverAS2ID)
	fmt.Fprintf(&body, "Final-Recipient: rfc822; %s\r\n", msg.ReceiverAS2ID)
	fmt.Fprintf(&body, "Original-Message-ID: %s\r\n", msg.MessageID)
	fmt.Fprintf(&body, "Disposition: %s\r\n", disposition)
	if msg.Verdict.OK() {
		fmt.Fprintf(&body, "Received-Content-MIC: %s\r\n", msg.MIC)
	}

	return &codec.MDNEnvelope{
		MessageID: mdnID,
		Mode:      mode,
		ReturnURL: returnURL,
		Headers: map[string]string{
			"message-id":   mdnID,
			"as2-version":  "1.2",
			"as2-from":     msg.ReceiverAS2ID,
			"as2-to":       msg.SenderAS2ID,
			"content-type": dispositionContentType,
		},
		Content: body.Bytes(),
	}
}

// ParseMDN decodes raw inbound bytes as a cleartext MDN, verifying the
// returned MIC against the original message.
func (c *Codec) ParseMDN(ctx context.Context, raw []byte, resolver codec.Resolver) (*codec.InboundMDN, error) {
	headers, body, err := split(raw)
	if err != nil {
		return nil, fmt.Errorf("plain codec: %w", err)
	}
	if !strings.HasPrefix(strings.ToLower(headers["content-type"]), dispositionContentType) {
		return nil, codec.ErrNotMDN
	}

	fields, _, err := split(append(body, "\r\n\r\n"...))
	if err != nil {
		return nil, fmt.Errorf("plain codec: parsing MDN fields: %w", err)
	}
	origID := fields["original-message-id"]
	if origID == "" {
		return nil, errors.New("plain codec: MDN missing Original-Message-ID")
	}

	mdn := &codec.InboundMDN{
		OrigMessageID: origID,
		MDNID:         headers["message-id"],
		Headers:       headers,
		Content:       body,
	}

	disposition := strings.ToLower(fields["disposition"])
	if idx := strings.Index(disposition, ";"); idx >= 0 {
		disposition = strings.TrimSpace(disposition[idx+1:])
	}
	if disposition != string(codec.VerdictProcessed) {
		mdn.Verdict = codec.Verdict(disposition)
		mdn.Detail = fmt.Sprintf("Partner reported disposition %q", fields["disposition"])
		return mdn, nil
	}

	ref, err := resolver.ResolveMessage(ctx, origID, headers["as2-from"])
	if err != nil {
		return nil, err
	}
	if ref != nil && ref.MIC != "" && fields["received-content-mic"] != ref.MIC {
		mdn.Verdict = "failed/integrity-check-failed"
		mdn.Detail = "Returned MIC does not match the MIC of the original message"
		return mdn, nil
	}

	mdn.Verdict = codec.VerdictProcessed
	return mdn, nil
}

// mic computes the message integrity check value: base64 SHA-256 with
// the algorithm tag, matching the AS2 Received-Content-MIC form.
func mic(payload []byte) string {
	sum := sha256.Sum256(payload)
	return base64.StdEncoding.EncodeToString(sum[:]) + ", sha256"
}

// split separates a raw wire image into lowercased headers and body.
func split(raw []byte) (map[string]string, []byte, error) {
	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	mime, err := reader.ReadMIMEHeader()
	if err != nil && len(mime) == 0 {
		return nil, nil, fmt.Errorf("reading headers: %w", err)
	}

	headers := make(map[string]string, len(mime))
	for name, values := range mime {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}

	body := new(bytes.Buffer)
	if _, err := body.ReadFrom(reader.R); err != nil {
		return nil, nil, fmt.Errorf("reading body: %w", err)
	}
	return headers, body.Bytes(), nil
}

// dispositionFilename extracts the filename parameter from a
// Content-Disposition header, empty when absent.
func dispositionFilename(disposition string) string {
	for _, part := range strings.Split(disposition, ";") {
		part = strings.TrimSpace(part)
		if rest, ok := strings.CutPrefix(part, "filename="); ok {
			return strings.Trim(rest, `"`)
		}
	}
	return ""
}

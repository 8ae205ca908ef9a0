// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package codec defines the contract between the AS2 exchange core and
// the wire codec that encodes and decodes AS2 MIME artifacts.
//
// The codec owns everything cryptographic: S/MIME signing and
// verification, encryption and decryption, compression, and MIC
// computation. The exchange core hands it raw bytes and a [Resolver]
// for partner/organization/message lookups, and acts on the returned
// verdicts. Business-level AS2 failures (bad signature, unknown
// partner, duplicate delivery) are reported as verdicts with a
// human-readable detail, not as Go errors; errors are reserved for
// structurally unusable input.
package codec

import (
	"context"
	"errors"
)

// Verdict is the codec's judgement of an inbound message or MDN,
// mirroring the AS2 disposition modifier.
type Verdict string

// VerdictProcessed indicates the artifact was decoded and verified
// successfully. Any other verdict value is a failure and its string
// form names the failure class (e.g. "failed/authentication-failed").
const VerdictProcessed Verdict = "processed"

// OK reports whether the verdict indicates success.
func (v Verdict) OK() bool { return v == VerdictProcessed }

// ErrNotMDN is returned by [Codec.ParseMDN] when the payload is not an
// MDN at all; the caller should fall through to message parsing.
var ErrNotMDN = errors.New("codec: payload is not an MDN")

// MDNMode selects how a delivery receipt is returned.
type MDNMode string

const (
	MDNModeNone  MDNMode = ""
	MDNModeSync  MDNMode = "SYNC"
	MDNModeAsync MDNMode = "ASYNC"
)

// Organization is the codec-facing view of a local identity.
type Organization struct {
	AS2ID            string
	SignKey          []byte
	SignKeyPass      string
	DecryptKey       []byte
	DecryptKeyPass   string
	MDNURL           string
	ConfirmationText string
}

// Partner is the codec-facing view of a trading partner's security and
// MDN policy.
type Partner struct {
	AS2ID            string
	Compress         bool
	Sign             bool
	DigestAlg        string
	Encrypt          bool
	EncryptionAlg    string
	VerifyCert       []byte
	VerifyCertCA     []byte
	EncryptCert      []byte
	EncryptCertCA    []byte
	ValidateCerts    bool
	MDNMode          MDNMode
	MDNDigestAlg     string
	ConfirmationText string
}

// MessageRef identifies a previously sent message for MIC and
// signature verification of its MDN.
type MessageRef struct {
	MessageID string
	MIC       string
	Sender    *Organization
	Receiver  *Partner
}

// Resolver supplies the lookups a codec needs while parsing inbound
// traffic. It is implemented by the persistence adapter.
type Resolver interface {
	// ResolveOrganization returns the local identity for an AS2-To id,
	// or nil when unknown.
	ResolveOrganization(ctx context.Context, as2ID string) (*Organization, error)

	// ResolvePartner returns the partner profile for an AS2-From id,
	// or nil when unknown.
	ResolvePartner(ctx context.Context, as2ID string) (*Partner, error)

	// ResolveMessage returns the original outbound message for an MDN
	// keyed by (message id, partner id), or nil when unknown.
	ResolveMessage(ctx context.Context, messageID, partnerID string) (*MessageRef, error)

	// MessageExists reports whether a message with the given
	// (message id, partner id) pair has already been recorded.
	MessageExists(ctx context.Context, messageID, partnerID string) (bool, error)
}

// BuildRequest describes an outbound payload to encode.
type BuildRequest struct {
	Organization *Organization
	Partner      *Partner
	Payload      []byte
	Filename     string
	Subject      string
	ContentType  string

	// DispositionNotificationTo is the address placed in the
	// Disposition-Notification-To header when an MDN is requested.
	DispositionNotificationTo string

	// MessageID, when non-empty, is reused instead of generating a
	// fresh protocol id. Set on rebuilds so retries keep the identity
	// the partner's MDN will reference.
	MessageID string
}

// Artifact is a fully encoded outbound AS2 message ready for HTTP
// transmission.
type Artifact struct {
	MessageID  string
	Headers    map[string]string
	Content    []byte
	MIC        string
	Compressed bool
	Encrypted  bool
	Signed     bool
}

// MDNEnvelope is a generated or expected delivery receipt.
type MDNEnvelope struct {
	MessageID string
	Headers   map[string]string
	Content   []byte
	Mode      MDNMode

	// ReturnURL is the URL the sender asked the MDN to be delivered
	// to; only set for asynchronous MDNs.
	ReturnURL string

	// DigestAlg is the signing algorithm of the MDN, empty when the
	// MDN is unsigned.
	DigestAlg string
}

// InboundMessage is the result of decoding an inbound AS2 message.
type InboundMessage struct {
	Verdict Verdict
	Detail  string

	MessageID     string
	SenderAS2ID   string
	ReceiverAS2ID string

	Compressed bool
	Encrypted  bool
	Signed     bool
	MIC        string

	// Payload is the fully decoded business document.
	Payload  []byte
	Filename string

	// Duplicate is set when a message with the same id from the same
	// partner was already recorded.
	Duplicate bool

	// MDN is the receipt generated for the sender, nil when none was
	// requested.
	MDN *MDNEnvelope
}

// InboundMDN is the result of decoding a delivery receipt.
type InboundMDN struct {
	OrigMessageID string
	MDNID         string
	Verdict       Verdict
	Detail        string
	Headers       map[string]string
	Content       []byte
	Signed        bool
}

// Codec encodes and decodes AS2 wire artifacts.
type Codec interface {
	// Build encodes an outbound payload, applying the partner's
	// compression, encryption, and signing policy.
	Build(ctx context.Context, req *BuildRequest) (*Artifact, error)

	// ParseMessage decodes raw inbound bytes (headers and body) as an
	// AS2 message, verifying security services and checking for
	// duplicates through the resolver.
	ParseMessage(ctx context.Context, raw []byte, resolver Resolver) (*InboundMessage, error)

	// ParseMDN decodes raw inbound bytes as an MDN, verifying it
	// against the original message obtained through the resolver.
	// Returns [ErrNotMDN] when the payload is not an MDN.
	ParseMDN(ctx context.Context, raw []byte, resolver Resolver) (*InboundMDN, error)
}

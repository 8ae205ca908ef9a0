// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package storage provides data storage interfaces and implementations
// for the AS2 server.
//
// # Interface Design
//
// The storage layer is organized into focused interfaces:
//
//   - [OrganizationStore]: local AS2 identities
//   - [PartnerStore]: trading partner profiles
//   - [MessageStore]: AS2 message lifecycle state
//   - [MDNStore]: delivery receipt state
//   - [BlobStore]: raw header/payload/MDN byte blobs addressed by key
//
// The [Store] interface combines all sub-stores for convenience.
//
// # Implementations
//
// The mongodb sub-package is the production backend (GridFS for
// blobs); the postgres sub-package targets a shared relational store;
// the memory sub-package backs tests and development.
//
// # Concurrency
//
// All implementations must be safe for concurrent use. The unique
// (message_id, partner_id) constraint on messages is the coordination
// point between concurrent inbound deliveries of the same exchange,
// and [MessageStore.IncrementRetries] must be atomic so concurrent
// maintenance passes cannot race past the retry ceiling.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/openedi/go-as2/pkg/codec"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate indicates a unique constraint violation, in particular
// the (message_id, partner_id) pair on messages.
var ErrDuplicate = errors.New("storage: duplicate key")

// Store is the main storage interface combining all sub-stores
type Store interface {
	OrganizationStore
	PartnerStore
	MessageStore
	MDNStore
	BlobStore

	// Close releases storage resources
	Close(ctx context.Context) error

	// Ping checks store connectivity
	Ping(ctx context.Context) error
}

// OrganizationStore manages local AS2 identities
type OrganizationStore interface {
	CreateOrganization(ctx context.Context, org *Organization) error

	// GetOrganization retrieves an organization by AS2 id; ErrNotFound
	// when absent.
	GetOrganization(ctx context.Context, as2ID string) (*Organization, error)

	ListOrganizations(ctx context.Context) ([]*Organization, error)
}

// PartnerStore manages trading partner profiles
type PartnerStore interface {
	CreatePartner(ctx context.Context, partner *Partner) error

	// GetPartner retrieves a partner by AS2 id; ErrNotFound when absent.
	GetPartner(ctx context.Context, as2ID string) (*Partner, error)

	ListPartners(ctx context.Context) ([]*Partner, error)
}

// MessageStore manages message lifecycle state
type MessageStore interface {
	// CreateMessage stores a new message; ErrDuplicate when the
	// (message_id, partner_id) pair already exists.
	CreateMessage(ctx context.Context, msg *Message) error

	// GetMessage retrieves a message by row id
	GetMessage(ctx context.Context, id string) (*Message, error)

	// GetMessageByMessageID retrieves a message by its protocol id and
	// partner; ErrNotFound when absent.
	GetMessageByMessageID(ctx context.Context, messageID, partnerID string) (*Message, error)

	// MessageExists reports whether the (message_id, partner_id) pair
	// is already recorded.
	MessageExists(ctx context.Context, messageID, partnerID string) (bool, error)

	// UpdateMessage replaces the stored message state, except for the
	// retry counter: Retries is only ever written through
	// IncrementRetries, so a stale row cannot roll back a concurrent
	// pass's increment.
	UpdateMessage(ctx context.Context, msg *Message) error

	// ListMessages returns messages matching the filter, oldest first
	ListMessages(ctx context.Context, filter *MessageFilter) ([]*Message, error)

	// IncrementRetries atomically increments the retry counter of a
	// message and returns the new value. Increment and read happen in
	// a single store operation so two concurrent maintenance passes
	// cannot observe the same pre-increment count.
	IncrementRetries(ctx context.Context, id string) (int, error)

	// DeleteMessage removes a message row
	DeleteMessage(ctx context.Context, id string) error
}

// MDNStore manages delivery receipt state
type MDNStore interface {
	CreateMDN(ctx context.Context, mdn *MDN) error

	// GetMDNByMessage retrieves the MDN owned by a message row id;
	// ErrNotFound when the message has none.
	GetMDNByMessage(ctx context.Context, messageID string) (*MDN, error)

	UpdateMDN(ctx context.Context, mdn *MDN) error

	// ListMDNs returns MDNs matching the filter, oldest first
	ListMDNs(ctx context.Context, filter *MDNFilter) ([]*MDN, error)

	DeleteMDN(ctx context.Context, mdnID string) error
}

// BlobStore persists raw byte blobs (headers, payloads, MDN bodies)
// addressable by a generated key.
type BlobStore interface {
	SaveBlob(ctx context.Context, key string, data []byte) error

	// GetBlob retrieves a blob by key; ErrNotFound when absent.
	GetBlob(ctx context.Context, key string) ([]byte, error)

	// DeleteBlob removes a blob; deleting an absent key is not an error.
	DeleteBlob(ctx context.Context, key string) error
}

// Domain models

// Organization is a local AS2 identity used when sending and receiving.
// Key material is opaque to the core and handed to the codec as-is.
type Organization struct {
	AS2ID            string `bson:"_id" json:"as2Id"`
	Name             string `bson:"name" json:"name"`
	Email            string `bson:"email,omitempty" json:"email,omitempty"`
	SignKey          []byte `bson:"sign_key,omitempty" json:"-"`
	SignKeyPass      string `bson:"sign_key_pass,omitempty" json:"-"`
	DecryptKey       []byte `bson:"decrypt_key,omitempty" json:"-"`
	DecryptKeyPass   string `bson:"decrypt_key_pass,omitempty" json:"-"`
	ConfirmationText string `bson:"confirmation_text,omitempty" json:"confirmationText,omitempty"`
}

// AS2Org returns the codec-facing view of the organization. The MDN
// return URL is injected by the caller since it is deployment
// configuration, not identity data.
func (o *Organization) AS2Org(mdnURL string) *codec.Organization {
	return &codec.Organization{
		AS2ID:            o.AS2ID,
		SignKey:          o.SignKey,
		SignKeyPass:      o.SignKeyPass,
		DecryptKey:       o.DecryptKey,
		DecryptKeyPass:   o.DecryptKeyPass,
		MDNURL:           mdnURL,
		ConfirmationText: o.ConfirmationText,
	}
}

// Partner is a trading partner profile. Immutable during an exchange.
type Partner struct {
	AS2ID       string `bson:"_id" json:"as2Id"`
	Name        string `bson:"name" json:"name"`
	Email       string `bson:"email,omitempty" json:"email,omitempty"`
	TargetURL   string `bson:"target_url" json:"targetUrl"`
	Subject     string `bson:"subject,omitempty" json:"subject,omitempty"`
	ContentType string `bson:"content_type,omitempty" json:"contentType,omitempty"`

	HTTPAuth     bool   `bson:"http_auth" json:"httpAuth"`
	HTTPAuthUser string `bson:"http_auth_user,omitempty" json:"httpAuthUser,omitempty"`
	HTTPAuthPass string `bson:"http_auth_pass,omitempty" json:"-"`
	VerifySSL    bool   `bson:"verify_ssl" json:"verifySsl"`

	Compress      bool   `bson:"compress" json:"compress"`
	EncryptionAlg string `bson:"encryption_alg,omitempty" json:"encryptionAlg,omitempty"`
	EncryptCert   []byte `bson:"encrypt_cert,omitempty" json:"-"`
	EncryptCertCA []byte `bson:"encrypt_cert_ca,omitempty" json:"-"`
	SignatureAlg  string `bson:"signature_alg,omitempty" json:"signatureAlg,omitempty"`
	VerifyCert    []byte `bson:"verify_cert,omitempty" json:"-"`
	VerifyCertCA  []byte `bson:"verify_cert_ca,omitempty" json:"-"`
	ValidateCerts bool   `bson:"validate_certs" json:"validateCerts"`

	MDN        bool          `bson:"mdn" json:"mdn"`
	MDNMode    codec.MDNMode `bson:"mdn_mode,omitempty" json:"mdnMode,omitempty"`
	MDNSignAlg string        `bson:"mdn_sign_alg,omitempty" json:"mdnSignAlg,omitempty"`

	ConfirmationText string `bson:"confirmation_text,omitempty" json:"confirmationText,omitempty"`

	// KeepFilename stores inbound payloads under the sender's original
	// filename instead of the message id. Only safe when the partner
	// guarantees unique names.
	KeepFilename bool   `bson:"keep_filename" json:"keepFilename"`
	CmdSend      string `bson:"cmd_send,omitempty" json:"cmdSend,omitempty"`
	CmdReceive   string `bson:"cmd_receive,omitempty" json:"cmdReceive,omitempty"`
}

// AS2Partner returns the codec-facing view of the partner.
func (p *Partner) AS2Partner() *codec.Partner {
	mode := codec.MDNModeNone
	if p.MDN {
		mode = p.MDNMode
	}
	return &codec.Partner{
		AS2ID:            p.AS2ID,
		Compress:         p.Compress,
		Sign:             p.SignatureAlg != "",
		DigestAlg:        p.SignatureAlg,
		Encrypt:          p.EncryptionAlg != "",
		EncryptionAlg:    p.EncryptionAlg,
		VerifyCert:       p.VerifyCert,
		VerifyCertCA:     p.VerifyCertCA,
		EncryptCert:      p.EncryptCert,
		EncryptCertCA:    p.EncryptCertCA,
		ValidateCerts:    p.ValidateCerts,
		MDNMode:          mode,
		MDNDigestAlg:     p.MDNSignAlg,
		ConfirmationText: p.ConfirmationText,
	}
}

type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

type MessageStatus string

const (
	StatusPending MessageStatus = "P"
	StatusSuccess MessageStatus = "S"
	StatusError   MessageStatus = "E"
	StatusWarning MessageStatus = "W"
	StatusRetry   MessageStatus = "R"
)

// Message is one AS2 exchange instance. The protocol-assigned
// MessageID is unique only together with PartnerID.
type Message struct {
	ID        string    `bson:"_id" json:"id"`
	MessageID string    `bson:"message_id" json:"messageId"`
	Direction Direction `bson:"direction" json:"direction"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`

	Status         MessageStatus `bson:"status" json:"status"`
	DetailedStatus string        `bson:"detailed_status,omitempty" json:"detailedStatus,omitempty"`

	OrganizationID string `bson:"organization_id" json:"organizationId"`
	PartnerID      string `bson:"partner_id" json:"partnerId"`

	HeadersBlob string `bson:"headers_blob,omitempty" json:"-"`
	PayloadBlob string `bson:"payload_blob,omitempty" json:"-"`
	Filename    string `bson:"filename,omitempty" json:"filename,omitempty"`

	Compressed bool `bson:"compressed" json:"compressed"`
	Encrypted  bool `bson:"encrypted" json:"encrypted"`
	Signed     bool `bson:"signed" json:"signed"`

	MDNMode codec.MDNMode `bson:"mdn_mode,omitempty" json:"mdnMode,omitempty"`
	MIC     string        `bson:"mic,omitempty" json:"mic,omitempty"`

	Retries int `bson:"retries" json:"retries"`
}

// AS2Ref returns the codec-facing reference used to verify this
// message's MDN.
func (m *Message) AS2Ref(org *Organization, partner *Partner, mdnURL string) *codec.MessageRef {
	ref := &codec.MessageRef{
		MessageID: m.MessageID,
		MIC:       m.MIC,
	}
	if org != nil {
		ref.Sender = org.AS2Org(mdnURL)
	}
	if partner != nil {
		ref.Receiver = partner.AS2Partner()
	}
	return ref
}

type MessageFilter struct {
	Direction Direction
	Status    MessageStatus
	MessageID string
	PartnerID string

	// OlderThan matches messages with a timestamp strictly before the
	// given instant.
	OlderThan *time.Time

	Limit int
}

type MDNStatus string

const (
	MDNPending  MDNStatus = "P"
	MDNSent     MDNStatus = "S"
	MDNReceived MDNStatus = "R"
)

// MDN is one delivery receipt tied 1:1 to a message. MessageID refers
// to the owning message's row id.
type MDN struct {
	MDNID     string    `bson:"_id" json:"mdnId"`
	MessageID string    `bson:"message_id" json:"messageId"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`

	Status MDNStatus `bson:"status" json:"status"`
	Signed bool      `bson:"signed" json:"signed"`

	// ReturnURL must be non-empty while Status is MDNPending; a
	// pending receipt with nowhere to go can never be flushed.
	ReturnURL string `bson:"return_url,omitempty" json:"returnUrl,omitempty"`

	HeadersBlob string `bson:"headers_blob,omitempty" json:"-"`
	PayloadBlob string `bson:"payload_blob,omitempty" json:"-"`
}

// NewPendingMDN builds a pending MDN, enforcing the non-empty return
// URL invariant.
func NewPendingMDN(mdnID, messageID, returnURL string) (*MDN, error) {
	if returnURL == "" {
		return nil, errors.New("storage: pending MDN requires a return URL")
	}
	return &MDN{
		MDNID:     mdnID,
		MessageID: messageID,
		Status:    MDNPending,
		ReturnURL: returnURL,
		Timestamp: time.Now(),
	}, nil
}

type MDNFilter struct {
	Status MDNStatus
	Limit  int
}

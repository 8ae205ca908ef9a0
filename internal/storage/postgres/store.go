// Package postgres implements the storage interfaces over a shared
// PostgreSQL database using database/sql and lib/pq. Blobs live in a
// bytea table keyed by the generated blob path.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/openedi/go-as2/internal/storage"
	"github.com/openedi/go-as2/pkg/codec"
)

// Store implements storage.Store using PostgreSQL
type Store struct {
	db *sql.DB
}

// Config holds PostgreSQL connection settings
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewStore opens a connection pool and ensures the schema exists
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, sslMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS organizations (
			as2_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			sign_key BYTEA,
			sign_key_pass TEXT NOT NULL DEFAULT '',
			decrypt_key BYTEA,
			decrypt_key_pass TEXT NOT NULL DEFAULT '',
			confirmation_text TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS partners (
			as2_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			target_url TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT '',
			http_auth BOOLEAN NOT NULL DEFAULT FALSE,
			http_auth_user TEXT NOT NULL DEFAULT '',
			http_auth_pass TEXT NOT NULL DEFAULT '',
			verify_ssl BOOLEAN NOT NULL DEFAULT TRUE,
			compress BOOLEAN NOT NULL DEFAULT FALSE,
			encryption_alg TEXT NOT NULL DEFAULT '',
			encrypt_cert BYTEA,
			encrypt_cert_ca BYTEA,
			signature_alg TEXT NOT NULL DEFAULT '',
			verify_cert BYTEA,
			verify_cert_ca BYTEA,
			validate_certs BOOLEAN NOT NULL DEFAULT TRUE,
			mdn BOOLEAN NOT NULL DEFAULT FALSE,
			mdn_mode TEXT NOT NULL DEFAULT '',
			mdn_sign_alg TEXT NOT NULL DEFAULT '',
			confirmation_text TEXT NOT NULL DEFAULT '',
			keep_filename BOOLEAN NOT NULL DEFAULT FALSE,
			cmd_send TEXT NOT NULL DEFAULT '',
			cmd_receive TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			detailed_status TEXT NOT NULL DEFAULT '',
			organization_id TEXT NOT NULL DEFAULT '',
			partner_id TEXT NOT NULL DEFAULT '',
			headers_blob TEXT NOT NULL DEFAULT '',
			payload_blob TEXT NOT NULL DEFAULT '',
			filename TEXT NOT NULL DEFAULT '',
			compressed BOOLEAN NOT NULL DEFAULT FALSE,
			encrypted BOOLEAN NOT NULL DEFAULT FALSE,
			signed BOOLEAN NOT NULL DEFAULT FALSE,
			mdn_mode TEXT NOT NULL DEFAULT '',
			mic TEXT NOT NULL DEFAULT '',
			retries INTEGER NOT NULL DEFAULT 0,
			UNIQUE (message_id, partner_id)
		)`,
		`CREATE TABLE IF NOT EXISTS mdns (
			mdn_id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL UNIQUE,
			ts TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			signed BOOLEAN NOT NULL DEFAULT FALSE,
			return_url TEXT NOT NULL DEFAULT '',
			headers_blob TEXT NOT NULL DEFAULT '',
			payload_blob TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS blobs (
			key TEXT PRIMARY KEY,
			data BYTEA NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_status_direction ON messages (status, direction)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages (ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the connection pool
func (s *Store) Close(ctx context.Context) error { return s.db.Close() }

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// OrganizationStore implementation

func (s *Store) CreateOrganization(ctx context.Context, org *storage.Organization) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (as2_id, name, email, sign_key, sign_key_pass,
			decrypt_key, decrypt_key_pass, confirmation_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		org.AS2ID, org.Name, org.Email, org.SignKey, org.SignKeyPass,
		org.DecryptKey, org.DecryptKeyPass, org.ConfirmationText,
	)
	if isUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	return err
}

func (s *Store) GetOrganization(ctx context.Context, as2ID string) (*storage.Organization, error) {
	org := &storage.Organization{}
	err := s.db.QueryRowContext(ctx, `
		SELECT as2_id, name, email, sign_key, sign_key_pass,
			decrypt_key, decrypt_key_pass, confirmation_text
		FROM organizations WHERE as2_id = $1`, as2ID,
	).Scan(&org.AS2ID, &org.Name, &org.Email, &org.SignKey, &org.SignKeyPass,
		&org.DecryptKey, &org.DecryptKeyPass, &org.ConfirmationText)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return org, nil
}

func (s *Store) ListOrganizations(ctx context.Context) ([]*storage.Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT as2_id, name, email, sign_key, sign_key_pass,
			decrypt_key, decrypt_key_pass, confirmation_text
		FROM organizations ORDER BY as2_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []*storage.Organization
	for rows.Next() {
		org := &storage.Organization{}
		if err := rows.Scan(&org.AS2ID, &org.Name, &org.Email, &org.SignKey,
			&org.SignKeyPass, &org.DecryptKey, &org.DecryptKeyPass,
			&org.ConfirmationText); err != nil {
			return nil, err
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

// PartnerStore implementation

const partnerColumns = `as2_id, name, email, target_url, subject, content_type,
	http_auth, http_auth_user, http_auth_pass, verify_ssl, compress,
	encryption_alg, encrypt_cert, encrypt_cert_ca, signature_alg, verify_cert,
	verify_cert_ca, validate_certs, mdn, mdn_mode, mdn_sign_alg,
	confirmation_text, keep_filename, cmd_send, cmd_receive`

func scanPartner(row interface{ Scan(...interface{}) error }) (*storage.Partner, error) {
	p := &storage.Partner{}
	var mdnMode string
	err := row.Scan(&p.AS2ID, &p.Name, &p.Email, &p.TargetURL, &p.Subject,
		&p.ContentType, &p.HTTPAuth, &p.HTTPAuthUser, &p.HTTPAuthPass,
		&p.VerifySSL, &p.Compress, &p.EncryptionAlg, &p.EncryptCert,
		&p.EncryptCertCA, &p.SignatureAlg, &p.VerifyCert, &p.VerifyCertCA,
		&p.ValidateCerts, &p.MDN, &mdnMode, &p.MDNSignAlg,
		&p.ConfirmationText, &p.KeepFilename, &p.CmdSend, &p.CmdReceive)
	if err != nil {
		return nil, err
	}
	p.MDNMode = codec.MDNMode(mdnMode)
	return p, nil
}

func (s *Store) CreatePartner(ctx context.Context, partner *storage.Partner) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO partners (`+partnerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
		partner.AS2ID, partner.Name, partner.Email, partner.TargetURL,
		partner.Subject, partner.ContentType, partner.HTTPAuth,
		partner.HTTPAuthUser, partner.HTTPAuthPass, partner.VerifySSL,
		partner.Compress, partner.EncryptionAlg, partner.EncryptCert,
		partner.EncryptCertCA, partner.SignatureAlg, partner.VerifyCert,
		partner.VerifyCertCA, partner.ValidateCerts, partner.MDN,
		string(partner.MDNMode), partner.MDNSignAlg, partner.ConfirmationText,
		partner.KeepFilename, partner.CmdSend, partner.CmdReceive,
	)
	if isUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	return err
}

func (s *Store) GetPartner(ctx context.Context, as2ID string) (*storage.Partner, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+partnerColumns+` FROM partners WHERE as2_id = $1`, as2ID)
	partner, err := scanPartner(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return partner, nil
}

func (s *Store) ListPartners(ctx context.Context) ([]*storage.Partner, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+partnerColumns+` FROM partners ORDER BY as2_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var partners []*storage.Partner
	for rows.Next() {
		partner, err := scanPartner(rows)
		if err != nil {
			return nil, err
		}
		partners = append(partners, partner)
	}
	return partners, rows.Err()
}

// MessageStore implementation

const messageColumns = `id, message_id, direction, ts, status, detailed_status,
	organization_id, partner_id, headers_blob, payload_blob, filename,
	compressed, encrypted, signed, mdn_mode, mic, retries`

func scanMessage(row interface{ Scan(...interface{}) error }) (*storage.Message, error) {
	m := &storage.Message{}
	var direction, status, mdnMode string
	err := row.Scan(&m.ID, &m.MessageID, &direction, &m.Timestamp, &status,
		&m.DetailedStatus, &m.OrganizationID, &m.PartnerID, &m.HeadersBlob,
		&m.PayloadBlob, &m.Filename, &m.Compressed, &m.Encrypted, &m.Signed,
		&mdnMode, &m.MIC, &m.Retries)
	if err != nil {
		return nil, err
	}
	m.Direction = storage.Direction(direction)
	m.Status = storage.MessageStatus(status)
	m.MDNMode = codec.MDNMode(mdnMode)
	return m, nil
}

func (s *Store) CreateMessage(ctx context.Context, msg *storage.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		msg.ID, msg.MessageID, string(msg.Direction), msg.Timestamp,
		string(msg.Status), msg.DetailedStatus, msg.OrganizationID,
		msg.PartnerID, msg.HeadersBlob, msg.PayloadBlob, msg.Filename,
		msg.Compressed, msg.Encrypted, msg.Signed, string(msg.MDNMode),
		msg.MIC, msg.Retries,
	)
	if isUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	return err
}

func (s *Store) GetMessage(ctx context.Context, id string) (*storage.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Store) GetMessageByMessageID(ctx context.Context, messageID, partnerID string) (*storage.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE message_id = $1 AND partner_id = $2`,
		messageID, partnerID)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Store) MessageExists(ctx context.Context, messageID, partnerID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE message_id = $1 AND partner_id = $2)`,
		messageID, partnerID).Scan(&exists)
	return exists, err
}

func (s *Store) UpdateMessage(ctx context.Context, msg *storage.Message) error {
	// retries is deliberately absent: the counter is only written
	// through IncrementRetries.
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = $2, detailed_status = $3, headers_blob = $4,
			payload_blob = $5, filename = $6, compressed = $7, encrypted = $8,
			signed = $9, mdn_mode = $10, mic = $11
		WHERE id = $1`,
		msg.ID, string(msg.Status), msg.DetailedStatus, msg.HeadersBlob,
		msg.PayloadBlob, msg.Filename, msg.Compressed, msg.Encrypted,
		msg.Signed, string(msg.MDNMode), msg.MIC,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, filter *storage.MessageFilter) ([]*storage.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter != nil {
		if filter.Direction != "" {
			query += ` AND direction = ` + arg(string(filter.Direction))
		}
		if filter.Status != "" {
			query += ` AND status = ` + arg(string(filter.Status))
		}
		if filter.MessageID != "" {
			query += ` AND message_id = ` + arg(filter.MessageID)
		}
		if filter.PartnerID != "" {
			query += ` AND partner_id = ` + arg(filter.PartnerID)
		}
		if filter.OlderThan != nil {
			query += ` AND ts < ` + arg(*filter.OlderThan)
		}
	}
	query += ` ORDER BY ts`
	if filter != nil && filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*storage.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// IncrementRetries increments and reads the retry counter in a single
// UPDATE ... RETURNING so concurrent maintenance passes serialize on
// the row rather than racing a read-then-write.
func (s *Store) IncrementRetries(ctx context.Context, id string) (int, error) {
	var retries int
	err := s.db.QueryRowContext(ctx,
		`UPDATE messages SET retries = retries + 1 WHERE id = $1 RETURNING retries`,
		id).Scan(&retries)
	if err == sql.ErrNoRows {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return retries, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	return err
}

// MDNStore implementation

func (s *Store) CreateMDN(ctx context.Context, mdn *storage.MDN) error {
	if mdn.Timestamp.IsZero() {
		mdn.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mdns (mdn_id, message_id, ts, status, signed, return_url,
			headers_blob, payload_blob)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		mdn.MDNID, mdn.MessageID, mdn.Timestamp, string(mdn.Status),
		mdn.Signed, mdn.ReturnURL, mdn.HeadersBlob, mdn.PayloadBlob,
	)
	if isUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	return err
}

func (s *Store) GetMDNByMessage(ctx context.Context, messageID string) (*storage.MDN, error) {
	mdn := &storage.MDN{}
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT mdn_id, message_id, ts, status, signed, return_url,
			headers_blob, payload_blob
		FROM mdns WHERE message_id = $1`, messageID,
	).Scan(&mdn.MDNID, &mdn.MessageID, &mdn.Timestamp, &status, &mdn.Signed,
		&mdn.ReturnURL, &mdn.HeadersBlob, &mdn.PayloadBlob)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	mdn.Status = storage.MDNStatus(status)
	return mdn, nil
}

func (s *Store) UpdateMDN(ctx context.Context, mdn *storage.MDN) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mdns SET status = $2, signed = $3, return_url = $4,
			headers_blob = $5, payload_blob = $6
		WHERE mdn_id = $1`,
		mdn.MDNID, string(mdn.Status), mdn.Signed, mdn.ReturnURL,
		mdn.HeadersBlob, mdn.PayloadBlob,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListMDNs(ctx context.Context, filter *storage.MDNFilter) ([]*storage.MDN, error) {
	query := `SELECT mdn_id, message_id, ts, status, signed, return_url,
		headers_blob, payload_blob FROM mdns`
	var args []interface{}
	if filter != nil && filter.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY ts`
	if filter != nil && filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mdns []*storage.MDN
	for rows.Next() {
		mdn := &storage.MDN{}
		var status string
		if err := rows.Scan(&mdn.MDNID, &mdn.MessageID, &mdn.Timestamp,
			&status, &mdn.Signed, &mdn.ReturnURL, &mdn.HeadersBlob,
			&mdn.PayloadBlob); err != nil {
			return nil, err
		}
		mdn.Status = storage.MDNStatus(status)
		mdns = append(mdns, mdn)
	}
	return mdns, rows.Err()
}

func (s *Store) DeleteMDN(ctx context.Context, mdnID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mdns WHERE mdn_id = $1`, mdnID)
	return err
}

// BlobStore implementation

func (s *Store) SaveBlob(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (key, data) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data`,
		key, data)
	return err
}

func (s *Store) GetBlob(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM blobs WHERE key = $1`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Store) DeleteBlob(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = $1`, key)
	return err
}

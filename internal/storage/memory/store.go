// Package memory implements the storage interfaces with in-process
// maps. It backs tests and single-node development setups; state is
// lost on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openedi/go-as2/internal/storage"
)

// Store implements storage.Store in memory
type Store struct {
	mu sync.RWMutex

	orgs     map[string]*storage.Organization
	partners map[string]*storage.Partner
	messages map[string]*storage.Message
	mdns     map[string]*storage.MDN
	blobs    map[string][]byte
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{
		orgs:     make(map[string]*storage.Organization),
		partners: make(map[string]*storage.Partner),
		messages: make(map[string]*storage.Message),
		mdns:     make(map[string]*storage.MDN),
		blobs:    make(map[string][]byte),
	}
}

func (s *Store) Close(ctx context.Context) error { return nil }
func (s *Store) Ping(ctx context.Context) error  { return nil }

// OrganizationStore

func (s *Store) CreateOrganization(ctx context.Context, org *storage.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[org.AS2ID]; ok {
		return storage.ErrDuplicate
	}
	cp := *org
	s.orgs[org.AS2ID] = &cp
	return nil
}

func (s *Store) GetOrganization(ctx context.Context, as2ID string) (*storage.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[as2ID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *org
	return &cp, nil
}

func (s *Store) ListOrganizations(ctx context.Context) ([]*storage.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Organization, 0, len(s.orgs))
	for _, org := range s.orgs {
		cp := *org
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AS2ID < out[j].AS2ID })
	return out, nil
}

// PartnerStore

func (s *Store) CreatePartner(ctx context.Context, partner *storage.Partner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.partners[partner.AS2ID]; ok {
		return storage.ErrDuplicate
	}
	cp := *partner
	s.partners[partner.AS2ID] = &cp
	return nil
}

func (s *Store) GetPartner(ctx context.Context, as2ID string) (*storage.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	partner, ok := s.partners[as2ID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *partner
	return &cp, nil
}

func (s *Store) ListPartners(ctx context.Context) ([]*storage.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Partner, 0, len(s.partners))
	for _, partner := range s.partners {
		cp := *partner
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AS2ID < out[j].AS2ID })
	return out, nil
}

// MessageStore

func (s *Store) CreateMessage(ctx context.Context, msg *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; ok {
		return storage.ErrDuplicate
	}
	for _, existing := range s.messages {
		if existing.MessageID == msg.MessageID && existing.PartnerID == msg.PartnerID {
			return storage.ErrDuplicate
		}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	cp := *msg
	s.messages[msg.ID] = &cp
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (s *Store) GetMessageByMessageID(ctx context.Context, messageID, partnerID string) (*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msg := range s.messages {
		if msg.MessageID == messageID && msg.PartnerID == partnerID {
			cp := *msg
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) MessageExists(ctx context.Context, messageID, partnerID string) (bool, error) {
	_, err := s.GetMessageByMessageID(ctx, messageID, partnerID)
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) UpdateMessage(ctx context.Context, msg *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.messages[msg.ID]
	if !ok {
		return storage.ErrNotFound
	}
	cp := *msg
	// The retry counter is only written through IncrementRetries; a
	// stale row held across a concurrent pass must not roll it back.
	cp.Retries = existing.Retries
	s.messages[msg.ID] = &cp
	return nil
}

func (s *Store) ListMessages(ctx context.Context, filter *storage.MessageFilter) ([]*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Message
	for _, msg := range s.messages {
		if !matchMessage(msg, filter) {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if filter != nil && filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchMessage(msg *storage.Message, filter *storage.MessageFilter) bool {
	if filter == nil {
		return true
	}
	if filter.Direction != "" && msg.Direction != filter.Direction {
		return false
	}
	if filter.Status != "" && msg.Status != filter.Status {
		return false
	}
	if filter.MessageID != "" && msg.MessageID != filter.MessageID {
		return false
	}
	if filter.PartnerID != "" && msg.PartnerID != filter.PartnerID {
		return false
	}
	if filter.OlderThan != nil && !msg.Timestamp.Before(*filter.OlderThan) {
		return false
	}
	return true
}

func (s *Store) IncrementRetries(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return 0, storage.ErrNotFound
	}
	msg.Retries++
	return msg.Retries, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	return nil
}

// MDNStore

func (s *Store) CreateMDN(ctx context.Context, mdn *storage.MDN) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mdns[mdn.MDNID]; ok {
		return storage.ErrDuplicate
	}
	if mdn.Timestamp.IsZero() {
		mdn.Timestamp = time.Now()
	}
	cp := *mdn
	s.mdns[mdn.MDNID] = &cp
	return nil
}

func (s *Store) GetMDNByMessage(ctx context.Context, messageID string) (*storage.MDN, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, mdn := range s.mdns {
		if mdn.MessageID == messageID {
			cp := *mdn
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) UpdateMDN(ctx context.Context, mdn *storage.MDN) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mdns[mdn.MDNID]; !ok {
		return storage.ErrNotFound
	}
	cp := *mdn
	s.mdns[mdn.MDNID] = &cp
	return nil
}

func (s *Store) ListMDNs(ctx context.Context, filter *storage.MDNFilter) ([]*storage.MDN, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.MDN
	for _, mdn := range s.mdns {
		if filter != nil && filter.Status != "" && mdn.Status != filter.Status {
			continue
		}
		cp := *mdn
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if filter != nil && filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) DeleteMDN(ctx context.Context, mdnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mdns, mdnID)
	return nil
}

// BlobStore

func (s *Store) SaveBlob(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[key] = cp
	return nil
}

func (s *Store) GetBlob(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *Store) DeleteBlob(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

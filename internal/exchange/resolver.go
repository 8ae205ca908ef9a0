package exchange

import (
	"context"
	"errors"

	"github.com/openedi/go-as2/internal/storage"
	"github.com/openedi/go-as2/pkg/codec"
)

// StoreResolver implements codec.Resolver on top of the persistence
// layer. Lookup misses are reported as nil results, not errors, so the
// codec can turn them into protocol-level verdicts ("unknown partner")
// rather than aborting the parse.
type StoreResolver struct {
	store  storage.Store
	mdnURL string
}

// NewStoreResolver creates a resolver backed by the given store. The
// MDN URL is advertised to the codec as the local async return address.
func NewStoreResolver(store storage.Store, mdnURL string) *StoreResolver {
	return &StoreResolver{store: store, mdnURL: mdnURL}
}

func (r *StoreResolver) ResolveOrganization(ctx context.Context, as2ID string) (*codec.Organization, error) {
	org, err := r.store.GetOrganization(ctx, as2ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return org.AS2Org(r.mdnURL), nil
}

func (r *StoreResolver) ResolvePartner(ctx context.Context, as2ID string) (*codec.Partner, error) {
	partner, err := r.store.GetPartner(ctx, as2ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return partner.AS2Partner(), nil
}

func (r *StoreResolver) ResolveMessage(ctx context.Context, messageID, partnerID string) (*codec.MessageRef, error) {
	msg, err := r.store.GetMessageByMessageID(ctx, messageID, partnerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	org, err := r.store.GetOrganization(ctx, msg.OrganizationID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	partner, err := r.store.GetPartner(ctx, msg.PartnerID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	return msg.AS2Ref(org, partner, r.mdnURL), nil
}

func (r *StoreResolver) MessageExists(ctx context.Context, messageID, partnerID string) (bool, error) {
	return r.store.MessageExists(ctx, messageID, partnerID)
}

// originalMessageResolver pins ResolveMessage to one known message. It
// backs synchronous MDN parsing, where the receipt in the HTTP response
// can only ever refer to the message just sent.
type originalMessageResolver struct {
	ref *codec.MessageRef
}

func (r *originalMessageResolver) ResolveOrganization(ctx context.Context, as2ID string) (*codec.Organization, error) {
	return nil, nil
}

func (r *originalMessageResolver) ResolvePartner(ctx context.Context, as2ID string) (*codec.Partner, error) {
	return nil, nil
}

func (r *originalMessageResolver) ResolveMessage(ctx context.Context, messageID, partnerID string) (*codec.MessageRef, error) {
	return r.ref, nil
}

func (r *originalMessageResolver) MessageExists(ctx context.Context, messageID, partnerID string) (bool, error) {
	return false, nil
}

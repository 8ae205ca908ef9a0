package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openedi/go-as2/internal/storage"
)

func TestMessageDuplicateKey(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.CreateMessage(ctx, &storage.Message{
		ID: "row1", MessageID: "<m1@org>", PartnerID: "p1",
	}))

	err := s.CreateMessage(ctx, &storage.Message{
		ID: "row2", MessageID: "<m1@org>", PartnerID: "p1",
	})
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	// Same protocol id from a different partner is a distinct exchange.
	assert.NoError(t, s.CreateMessage(ctx, &storage.Message{
		ID: "row3", MessageID: "<m1@org>", PartnerID: "p2",
	}))

	exists, err := s.MessageExists(ctx, "<m1@org>", "p1")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = s.MessageExists(ctx, "<m1@org>", "p3")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestListMessagesFilterAndOrder(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, spec := range []struct {
		id     string
		status storage.MessageStatus
		dir    storage.Direction
	}{
		{"a", storage.StatusRetry, storage.DirectionOut},
		{"b", storage.StatusSuccess, storage.DirectionOut},
		{"c", storage.StatusRetry, storage.DirectionOut},
		{"d", storage.StatusRetry, storage.DirectionIn},
	} {
		require.NoError(t, s.CreateMessage(ctx, &storage.Message{
			ID:        spec.id,
			MessageID: "<" + spec.id + "@org>",
			PartnerID: "p1",
			Status:    spec.status,
			Direction: spec.dir,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	msgs, err := s.ListMessages(ctx, &storage.MessageFilter{
		Status:    storage.StatusRetry,
		Direction: storage.DirectionOut,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].ID, "oldest first")
	assert.Equal(t, "c", msgs[1].ID)

	cutoff := base.Add(90 * time.Second)
	msgs, err = s.ListMessages(ctx, &storage.MessageFilter{OlderThan: &cutoff})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	msgs, err = s.ListMessages(ctx, &storage.MessageFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestIncrementRetriesAtomic(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.CreateMessage(ctx, &storage.Message{
		ID: "row1", MessageID: "<m1@org>", PartnerID: "p1",
	}))

	const workers = 20
	seen := make(chan int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.IncrementRetries(ctx, "row1")
			assert.NoError(t, err)
			seen <- n
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[int]bool)
	for n := range seen {
		assert.False(t, unique[n], "counter value %d observed twice", n)
		unique[n] = true
	}

	msg, err := s.GetMessage(ctx, "row1")
	require.NoError(t, err)
	assert.Equal(t, workers, msg.Retries)
}

func TestUpdateMessageCopiesState(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	msg := &storage.Message{ID: "row1", MessageID: "<m1@org>", PartnerID: "p1", Status: storage.StatusPending}
	require.NoError(t, s.CreateMessage(ctx, msg))

	msg.Status = storage.StatusSuccess
	require.NoError(t, s.UpdateMessage(ctx, msg))

	// Mutating the caller's copy afterwards must not leak into the store.
	msg.Status = storage.StatusError
	got, err := s.GetMessage(ctx, "row1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSuccess, got.Status)

	assert.ErrorIs(t, s.UpdateMessage(ctx, &storage.Message{ID: "nope"}), storage.ErrNotFound)
}

func TestUpdateMessageKeepsRetryCounter(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.CreateMessage(ctx, &storage.Message{
		ID: "row1", MessageID: "<m1@org>", PartnerID: "p1", Status: storage.StatusRetry,
	}))

	// A row read before the counter moved.
	stale, err := s.GetMessage(ctx, "row1")
	require.NoError(t, err)

	_, err = s.IncrementRetries(ctx, "row1")
	require.NoError(t, err)
	n, err := s.IncrementRetries(ctx, "row1")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	stale.Status = storage.StatusError
	require.NoError(t, s.UpdateMessage(ctx, stale))

	got, err := s.GetMessage(ctx, "row1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusError, got.Status)
	assert.Equal(t, 2, got.Retries, "row update must not roll the counter back")
}

func TestMDNLifecycle(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	mdn, err := storage.NewPendingMDN("mdn1", "row1", "http://partner.example/as2receive")
	require.NoError(t, err)
	require.NoError(t, s.CreateMDN(ctx, mdn))

	_, err = storage.NewPendingMDN("mdn2", "row2", "")
	assert.Error(t, err, "pending MDN without return URL")

	got, err := s.GetMDNByMessage(ctx, "row1")
	require.NoError(t, err)
	assert.Equal(t, storage.MDNPending, got.Status)

	got.Status = storage.MDNSent
	require.NoError(t, s.UpdateMDN(ctx, got))

	pending, err := s.ListMDNs(ctx, &storage.MDNFilter{Status: storage.MDNPending})
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, s.DeleteMDN(ctx, "mdn1"))
	_, err = s.GetMDNByMessage(ctx, "row1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBlobRoundTrip(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.SaveBlob(ctx, "payload/sent/m1.msg", []byte("hello")))
	data, err := s.GetBlob(ctx, "payload/sent/m1.msg")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	_, err = s.GetBlob(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.DeleteBlob(ctx, "payload/sent/m1.msg"))
	require.NoError(t, s.DeleteBlob(ctx, "payload/sent/m1.msg"), "delete is idempotent")
}

func TestOrganizationAndPartnerStores(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.CreateOrganization(ctx, &storage.Organization{AS2ID: "org1", Name: "Org One"}))
	assert.ErrorIs(t, s.CreateOrganization(ctx, &storage.Organization{AS2ID: "org1"}), storage.ErrDuplicate)

	org, err := s.GetOrganization(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, "Org One", org.Name)
	_, err = s.GetOrganization(ctx, "org2")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.CreatePartner(ctx, &storage.Partner{AS2ID: "p2"}))
	require.NoError(t, s.CreatePartner(ctx, &storage.Partner{AS2ID: "p1"}))
	partners, err := s.ListPartners(ctx)
	require.NoError(t, err)
	require.Len(t, partners, 2)
	assert.Equal(t, "p1", partners[0].AS2ID)
}

package exchange_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openedi/go-as2/internal/exchange"
	"github.com/openedi/go-as2/internal/scheduler"
	"github.com/openedi/go-as2/internal/storage"
	"github.com/openedi/go-as2/internal/storage/memory"
	"github.com/openedi/go-as2/pkg/codec"
	"github.com/openedi/go-as2/pkg/codec/plain"
	"github.com/openedi/go-as2/pkg/transport"
)

// party is one side of a two-party exchange, with its own store,
// manager, and HTTP endpoint.
type party struct {
	store    *memory.Store
	manager  *exchange.Manager
	endpoint *httptest.Server
}

// newParty creates the store and endpoint first, then the manager, so
// the party's own endpoint URL can serve as its async MDN address.
func newParty(t *testing.T) *party {
	t.Helper()
	p := &party{store: memory.NewStore()}
	p.endpoint = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := make(map[string]string, len(r.Header))
		for name := range r.Header {
			headers[name] = r.Header.Get(name)
		}
		body, _ := io.ReadAll(r.Body)

		resp := p.manager.HandleDelivery(r.Context(), headers, body)
		for name, value := range resp.Headers {
			w.Header().Set(name, value)
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(resp.Body)
	}))
	t.Cleanup(p.endpoint.Close)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	p.manager = exchange.NewManager(p.store, plain.New(), transport.NewClient(nil), nil, exchange.Config{
		MDNURL:  p.endpoint.URL + "/as2receive",
		DataDir: t.TempDir(),
	}, logger)
	return p
}

// setupPair wires a sender and receiver that know each other, with the
// receiver's MDN mode as given.
func setupPair(t *testing.T, mode codec.MDNMode) (*party, *party) {
	t.Helper()
	ctx := context.Background()

	receiver := newParty(t)
	sender := newParty(t)

	require.NoError(t, sender.store.CreateOrganization(ctx, &storage.Organization{AS2ID: "sender-co", Email: "edi@sender.example"}))
	require.NoError(t, sender.store.CreatePartner(ctx, &storage.Partner{
		AS2ID:     "receiver-co",
		TargetURL: receiver.endpoint.URL,
		VerifySSL: true,
		MDN:       mode != codec.MDNModeNone,
		MDNMode:   mode,
	}))

	require.NoError(t, receiver.store.CreateOrganization(ctx, &storage.Organization{AS2ID: "receiver-co"}))
	require.NoError(t, receiver.store.CreatePartner(ctx, &storage.Partner{
		AS2ID:     "sender-co",
		VerifySSL: true,
	}))

	return sender, receiver
}

func TestRoundTripSyncMDN(t *testing.T) {
	sender, receiver := setupPair(t, codec.MDNModeSync)
	ctx := context.Background()
	payload := []byte("ISA*00*order-12345~")

	msg, err := sender.manager.SendPayload(ctx, "sender-co", "receiver-co", payload, "order.edi")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSuccess, msg.Status, "detail: %s", msg.DetailedStatus)

	// The receipt is recorded on the sending side.
	mdn, err := sender.store.GetMDNByMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.MDNReceived, mdn.Status)

	// Payload bytes survive the wire unchanged.
	received, err := receiver.store.GetMessageByMessageID(ctx, msg.MessageID, "sender-co")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSuccess, received.Status)
	receivedPayload, err := receiver.store.GetBlob(ctx, received.PayloadBlob)
	require.NoError(t, err)
	assert.Equal(t, payload, receivedPayload)

	// And the receiver recorded the MDN it answered with.
	sentMDN, err := receiver.store.GetMDNByMessage(ctx, received.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.MDNSent, sentMDN.Status)
}

func TestRoundTripAsyncMDN(t *testing.T) {
	sender, receiver := setupPair(t, codec.MDNModeAsync)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	payload := []byte("ISA*00*order-67890~")

	msg, err := sender.manager.SendPayload(ctx, "sender-co", "receiver-co", payload, "order.edi")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, msg.Status, "outbound waits for the asynchronous receipt")

	// Receiver queued the MDN for deferred delivery to the sender's
	// endpoint.
	received, err := receiver.store.GetMessageByMessageID(ctx, msg.MessageID, "sender-co")
	require.NoError(t, err)
	queued, err := receiver.store.GetMDNByMessage(ctx, received.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.MDNPending, queued.Status)
	assert.Equal(t, sender.endpoint.URL+"/as2receive", queued.ReturnURL)

	// The receiver's maintenance run flushes the receipt.
	sched := scheduler.New(receiver.store, receiver.manager, transport.NewClient(nil), scheduler.DefaultConfig(), logger)
	require.NoError(t, sched.RunAsyncMDN(ctx))

	flushed, err := receiver.store.GetMDNByMessage(ctx, received.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.MDNSent, flushed.Status)

	// The delivered receipt closes out the sender's message.
	final, err := sender.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSuccess, final.Status, "detail: %s", final.DetailedStatus)
}

func TestRoundTripDuplicateDelivery(t *testing.T) {
	sender, receiver := setupPair(t, codec.MDNModeNone)
	ctx := context.Background()
	payload := []byte("ISA*00*order~")

	first, err := sender.manager.SendPayload(ctx, "sender-co", "receiver-co", payload, "order.edi")
	require.NoError(t, err)
	require.Equal(t, storage.StatusSuccess, first.Status)

	// Redeliver the identical artifact by rebuilding with the same
	// protocol id.
	_, artifact, err := sender.manager.Rebuild(ctx, first)
	require.NoError(t, err)
	partner, err := sender.store.GetPartner(ctx, "receiver-co")
	require.NoError(t, err)
	require.NoError(t, sender.manager.Send(ctx, first, partner, artifact))

	msgs, err := receiver.store.ListMessages(ctx, &storage.MessageFilter{PartnerID: "sender-co"})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, storage.StatusSuccess, msgs[0].Status)
	assert.Equal(t, first.MessageID+"_duplicate", msgs[1].MessageID)
	assert.Equal(t, storage.StatusWarning, msgs[1].Status)
}

package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openedi/go-as2/internal/config"
	"github.com/openedi/go-as2/internal/exchange"
	"github.com/openedi/go-as2/internal/storage"
	"github.com/openedi/go-as2/internal/storage/memory"
	"github.com/openedi/go-as2/pkg/codec/plain"
	"github.com/openedi/go-as2/pkg/transport"
)

type testServer struct {
	store *memory.Store
	http  *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.NewStore()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := &config.Config{}
	manager := exchange.NewManager(store, plain.New(), transport.NewClient(nil), nil, exchange.Config{
		MDNURL:  "http://localhost:8080/as2receive",
		DataDir: t.TempDir(),
	}, logger)

	srv := New(cfg, store, manager, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{store: store, http: ts}
}

func (s *testServer) seedProfiles(t *testing.T, targetURL string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.store.CreateOrganization(ctx, &storage.Organization{AS2ID: "org1", Name: "Org One"}))
	require.NoError(t, s.store.CreatePartner(ctx, &storage.Partner{
		AS2ID:     "partner1",
		Name:      "Partner One",
		TargetURL: targetURL,
		VerifySSL: true,
	}))
}

func TestAS2ReceiveOptions(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.http.URL+"/as2receive", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "POST,GET", resp.Header.Get("Allow"))
}

func TestAS2ReceiveGetHint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.http.URL + "/as2receive")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Trailing slash variant serves the same endpoint.
	resp2, err := http.Get(ts.http.URL + "/as2receive/")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestAS2ReceiveMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, ts.http.URL+"/as2receive", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "POST,GET", resp.Header.Get("Allow"))
}

func TestAS2ReceiveInboundMessage(t *testing.T) {
	ts := newTestServer(t)
	ts.seedProfiles(t, "http://unused.example")

	req, err := http.NewRequest(http.MethodPost, ts.http.URL+"/as2receive", bytes.NewReader([]byte("ISA*00*order")))
	require.NoError(t, err)
	req.Header.Set("Message-ID", "<in1@partner1>")
	req.Header.Set("AS2-From", "partner1")
	req.Header.Set("AS2-To", "org1")
	req.Header.Set("Content-Type", "application/edi-x12")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	msg, err := ts.store.GetMessageByMessageID(context.Background(), "<in1@partner1>", "partner1")
	require.NoError(t, err)
	assert.Equal(t, storage.DirectionIn, msg.Direction)
	assert.Equal(t, storage.StatusSuccess, msg.Status)
}

func TestSendMessageAPI(t *testing.T) {
	partnerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer partnerSrv.Close()

	ts := newTestServer(t)
	ts.seedProfiles(t, partnerSrv.URL)

	body, err := json.Marshal(map[string]string{
		"organization": "org1",
		"partner":      "partner1",
		"filename":     "invoice.edi",
		"payload":      base64.StdEncoding.EncodeToString([]byte("ISA*00*invoice")),
	})
	require.NoError(t, err)

	resp, err := http.Post(ts.http.URL+"/api/messages/send", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result struct {
		ID        string `json:"id"`
		MessageID string `json:"messageId"`
		Status    string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.NotEmpty(t, result.MessageID)
	assert.Equal(t, "S", result.Status)
}

func TestSendMessageAPIValidation(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.http.URL+"/api/messages/send", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, _ := json.Marshal(map[string]string{"organization": "org1"})
	resp, err = http.Post(ts.http.URL+"/api/messages/send", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, _ = json.Marshal(map[string]string{
		"organization": "org1",
		"partner":      "partner1",
		"payload":      "not-base64!!!",
	})
	resp, err = http.Post(ts.http.URL+"/api/messages/send", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// updateFailStore simulates a store whose writes start failing after
// the message row was created.
type updateFailStore struct {
	*memory.Store
}

func (s *updateFailStore) UpdateMessage(ctx context.Context, msg *storage.Message) error {
	return errors.New("write timeout")
}

func TestSendMessageAPIStorageFailure(t *testing.T) {
	partnerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer partnerSrv.Close()

	store := &updateFailStore{Store: memory.NewStore()}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	manager := exchange.NewManager(store, plain.New(), transport.NewClient(nil), nil, exchange.Config{
		MDNURL:  "http://localhost:8080/as2receive",
		DataDir: t.TempDir(),
	}, logger)
	srv := New(&config.Config{}, store, manager, logger)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx := context.Background()
	require.NoError(t, store.CreateOrganization(ctx, &storage.Organization{AS2ID: "org1"}))
	require.NoError(t, store.CreatePartner(ctx, &storage.Partner{
		AS2ID:     "partner1",
		TargetURL: partnerSrv.URL,
		VerifySSL: true,
	}))

	body, err := json.Marshal(map[string]string{
		"organization": "org1",
		"partner":      "partner1",
		"payload":      base64.StdEncoding.EncodeToString([]byte("ISA*00*invoice")),
	})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/messages/send", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var result struct {
		ID    string `json:"id"`
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.NotEmpty(t, result.ID, "the created row is still reported")
	assert.Contains(t, result.Error, "write timeout")
}

func TestSendMessageAPIUnknownProfiles(t *testing.T) {
	ts := newTestServer(t)

	body, _ := json.Marshal(map[string]string{
		"organization": "ghost",
		"partner":      "partner1",
		"payload":      base64.StdEncoding.EncodeToString([]byte("data")),
	})
	resp, err := http.Post(ts.http.URL+"/api/messages/send", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "ok", status["status"])
}

package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPostSendsHeadersAndBody(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Message-ID", "<reply@test>")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := NewClient(nil)
	resp, err := client.Post(context.Background(), &Request{
		URL:     srv.URL,
		Headers: map[string]string{"AS2-From": "org1", "Content-Type": "application/edi-x12"},
		Body:    []byte("payload"),
	})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	if got.Method != http.MethodPost {
		t.Errorf("method = %s, want POST", got.Method)
	}
	if h := got.Header.Get("AS2-From"); h != "org1" {
		t.Errorf("AS2-From = %q, want org1", h)
	}
	if h := got.Header.Get("User-Agent"); h != "go-as2/1.0" {
		t.Errorf("User-Agent = %q, want default", h)
	}
	if string(gotBody) != "payload" {
		t.Errorf("body = %q, want payload", gotBody)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Headers["message-id"] != "<reply@test>" {
		t.Errorf("response headers not lowercased: %v", resp.Headers)
	}
	if string(resp.Body) != "ok" {
		t.Errorf("response body = %q", resp.Body)
	}
}

func TestPostBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}))
	defer srv.Close()

	client := NewClient(nil)
	_, err := client.Post(context.Background(), &Request{
		URL:  srv.URL,
		Auth: &BasicAuth{Username: "alice", Password: "s3cret"},
	})
	if err != nil {
		t.Fatalf("Post with auth: %v", err)
	}

	_, err = client.Post(context.Background(), &Request{URL: srv.URL})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError without auth, got %v", err)
	}
	if statusErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", statusErr.StatusCode)
	}
}

func TestPostNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(nil)
	resp, err := client.Post(context.Background(), &Request{URL: srv.URL})
	if resp != nil {
		t.Errorf("response should be nil on error")
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", statusErr.StatusCode)
	}
}

func TestPostConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	client := NewClient(nil)
	_, err := client.Post(context.Background(), &Request{URL: srv.URL})
	if err == nil {
		t.Fatal("expected connection error")
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		t.Fatalf("connection failure should not be a StatusError: %v", err)
	}
}

func TestPostContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(nil)
	if _, err := client.Post(ctx, &Request{URL: srv.URL}); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

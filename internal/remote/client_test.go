package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/auth"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/records"
)

type staticTokens string

func (s staticTokens) Token(context.Context) (string, error) {
	return string(s), nil
}

type brokenTokens struct{}

func (brokenTokens) Token(context.Context) (string, error) {
	return "", errors.New("keychain locked")
}

func newTestClient(t *testing.T, serverURL string, tokens TokenSource) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{BaseURL: serverURL + "/", Tokens: tokens})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return client
}

func TestSubmitPostsBatchWithDeviceToken(t *testing.T) {
	issuer, err := auth.NewDeviceTokenIssuer(auth.DeviceTokenConfig{SigningSecret: []byte("secret"), DeviceID: "register-3"})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}

	var receivedPath string
	var receivedItems []json.RawMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedPath = r.URL.Path
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subject, err := issuer.ValidateToken(token); err != nil || subject != "register-3" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body struct {
			Items []json.RawMessage `json:"items"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		receivedItems = body.Items
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"status":"fulfilled","entityId":"p1","type":"products"},{"status":"rejected","entityId":"p2","type":"products","error":"sku taken"}]`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, issuer)
	outcomes, err := client.Submit(context.Background(), records.EntityTypeProduct, records.OperationCreate, []json.RawMessage{
		json.RawMessage(`{"id":"p1"}`),
		json.RawMessage(`{"id":"p2"}`),
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if receivedPath != "/api/products/create" {
		t.Fatalf("unexpected route %s", receivedPath)
	}
	if len(receivedItems) != 2 {
		t.Fatalf("expected 2 submitted items, got %d", len(receivedItems))
	}
	if len(outcomes) != 2 || !outcomes[0].Fulfilled() || outcomes[1].Fulfilled() {
		t.Fatalf("unexpected outcomes %#v", outcomes)
	}
	if outcomes[1].Error != "sku taken" {
		t.Fatalf("expected rejection detail, got %q", outcomes[1].Error)
	}
}

func TestSubmitAcceptsWrappedResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"results":[{"status":"fulfilled","entityId":"s1"}]}`)
	}))
	defer server.Close()

	outcomes, err := newTestClient(t, server.URL, staticTokens("token")).Submit(
		context.Background(), records.EntityTypeSupplier, records.OperationDelete, []json.RawMessage{json.RawMessage(`{"id":"s1"}`)})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].EntityID != "s1" || !outcomes[0].Fulfilled() {
		t.Fatalf("unexpected outcomes %#v", outcomes)
	}
}

func TestSubmitReportsNonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream down")
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, staticTokens("token")).Submit(
		context.Background(), records.EntityTypeUser, records.OperationUpdate, nil)
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remoteErr.StatusCode != http.StatusBadGateway || remoteErr.Body != "upstream down" {
		t.Fatalf("unexpected remote error %#v", remoteErr)
	}
}

func TestSubmitFailsWithoutToken(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, brokenTokens{}).Submit(
		context.Background(), records.EntityTypeUser, records.OperationUpdate, nil)
	if err == nil {
		t.Fatalf("expected token failure")
	}
	if called {
		t.Fatalf("request must not be sent without a token")
	}
}

func TestNewClientValidatesConfiguration(t *testing.T) {
	if _, err := NewClient(ClientConfig{Tokens: staticTokens("x")}); err == nil {
		t.Fatalf("expected missing base url error")
	}
	if _, err := NewClient(ClientConfig{BaseURL: "example.com", Tokens: staticTokens("x")}); err == nil {
		t.Fatalf("expected relative base url error")
	}
	if _, err := NewClient(ClientConfig{BaseURL: "https://example.com"}); err == nil {
		t.Fatalf("expected missing token source error")
	}
}

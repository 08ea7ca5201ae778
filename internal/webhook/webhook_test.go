package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"

	"github.com/headwind-sh/headwind/internal/events"
)

func newTestHandler(secret string) (*Handler, *events.Bus) {
	bus := events.NewBus(nil)
	var sec []byte
	if secret != "" {
		sec = []byte(secret)
	}
	return New(bus, logr.Discard(), sec), bus
}

func TestHandleDockerHub(t *testing.T) {
	h, bus := newTestHandler("")
	body := `{"push_data":{"tag":"1.2.3"},"repository":{"repo_name":"library/nginx"}}`

	req := httptest.NewRequest(http.MethodPost, "/webhook/dockerhub", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	select {
	case e := <-bus.Images():
		if e.Registry != "index.docker.io" || e.Repository != "library/nginx" || e.Tag != "1.2.3" {
			t.Errorf("got %+v", e)
		}
		if e.Canonical() != "index.docker.io/library/nginx" {
			t.Errorf("Canonical() = %q, want the registry-qualified form", e.Canonical())
		}
	default:
		t.Fatal("expected an event to be published")
	}
}

func TestHandleGenericRegistry(t *testing.T) {
	h, bus := newTestHandler("")
	body := `{"repository":"ghcr.io/acme/widget","tag":"v2.0.0"}`

	req := httptest.NewRequest(http.MethodPost, "/webhook/registry", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	select {
	case e := <-bus.Images():
		if e.Registry != "ghcr.io" || e.Repository != "acme/widget" || e.Tag != "v2.0.0" {
			t.Errorf("got %+v", e)
		}
	default:
		t.Fatal("expected an event to be published")
	}
}

func TestHandleGenericRegistryMalformed(t *testing.T) {
	h, _ := newTestHandler("")
	req := httptest.NewRequest(http.MethodPost, "/webhook/registry", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleGenericRegistryBadSignature(t *testing.T) {
	h, _ := newTestHandler("topsecret")
	body := `{"repository":"ghcr.io/acme/widget","tag":"v2.0.0"}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/registry", bytes.NewBufferString(body))
	req.Header.Set("X-Headwind-Signature", "deadbeef")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandleGenericRegistryGoodSignature(t *testing.T) {
	secret := "topsecret"
	h, bus := newTestHandler(secret)
	body := `{"repository":"ghcr.io/acme/widget","tag":"v2.0.0"}`

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	sig := hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhook/registry", bytes.NewBufferString(body))
	req.Header.Set("X-Headwind-Signature", sig)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	select {
	case <-bus.Images():
	default:
		t.Fatal("expected an event to be published")
	}
}

func TestWrongMethod(t *testing.T) {
	h, _ := newTestHandler("")
	req := httptest.NewRequest(http.MethodGet, "/webhook/registry", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler("")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

// Package webhook implements the ingestion HTTP surface spec.md §6
// describes: two push-event shapes decoded into events.ImageEvent and
// published onto the shared bus. Routing follows the teacher's
// pkg/webhook/webhook.go (gorilla/mux root router, logr logging,
// ServeHTTP-based handler), generalized from git push payloads to registry
// push payloads.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	"github.com/headwind-sh/headwind/internal/events"
	"github.com/headwind-sh/headwind/internal/imageref"
)

const maxBodyBytes = 1 << 20 // 1MiB, generous for a tag-push notification

// Handler serves the webhook ingress described in spec.md §6.
type Handler struct {
	bus    *events.Bus
	log    logr.Logger
	secret []byte
}

// New constructs a Handler. secret may be nil/empty, meaning signature
// verification is skipped (spec.md: "if a secret is configured ...").
func New(bus *events.Bus, log logr.Logger, secret []byte) *Handler {
	return &Handler{bus: bus, log: log.WithName("webhook"), secret: secret}
}

// Router builds the mux.Router serving /webhook/dockerhub, /webhook/registry
// and /health.
func (h *Handler) Router() http.Handler {
	root := mux.NewRouter()
	root.HandleFunc("/webhook/dockerhub", h.handleDockerHub).Methods(http.MethodPost)
	root.HandleFunc("/webhook/registry", h.handleGenericRegistry).Methods(http.MethodPost)
	root.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	root.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	root.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
	return root
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// dockerHubPayload is the vendor-specific push envelope (spec.md §6:
// `{push_data:{tag}, repository:{repo_name, namespace, name}}`).
type dockerHubPayload struct {
	PushData struct {
		Tag string `json:"tag"`
	} `json:"push_data"`
	Repository struct {
		RepoName  string `json:"repo_name"`
		Namespace string `json:"namespace"`
		Name      string `json:"name"`
	} `json:"repository"`
}

func (h *Handler) handleDockerHub(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.log.V(1).Error(err, "reading dockerhub webhook body")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !h.verifySignature(r, body) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var payload dockerHubPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.PushData.Tag == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	repo := payload.Repository.RepoName
	if repo == "" {
		repo = payload.Repository.Namespace + "/" + payload.Repository.Name
	}

	ref, err := imageref.Parse(repo)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.bus.PublishImage(events.ImageEvent{
		Registry:   ref.Registry,
		Repository: ref.Repository,
		Tag:        payload.PushData.Tag,
		Source:     events.SourceWebhook,
		Observed:   time.Now(),
	})
	w.WriteHeader(http.StatusAccepted)
}

// genericPayload is the generic OCI push event (spec.md §6:
// `{repository, tag, image?}`).
type genericPayload struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
	Image      string `json:"image"`
}

func (h *Handler) handleGenericRegistry(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.log.V(1).Error(err, "reading registry webhook body")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !h.verifySignature(r, body) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var payload genericPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if payload.Repository == "" || payload.Tag == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// Image, when present, is the fuller reference (possibly carrying its
	// own registry host or digest); it takes precedence over the bare
	// Repository field for registry resolution.
	repoSource := payload.Repository
	if payload.Image != "" {
		repoSource = payload.Image
	}
	ref, err := imageref.Parse(repoSource)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.bus.PublishImage(events.ImageEvent{
		Registry:   ref.Registry,
		Repository: ref.Repository,
		Tag:        payload.Tag,
		Digest:     ref.Digest,
		Source:     events.SourceWebhook,
		Observed:   time.Now(),
	})
	w.WriteHeader(http.StatusAccepted)
}

// verifySignature checks X-Headwind-Signature when a secret is configured.
// With no secret configured, every request passes (spec.md §6).
func (h *Handler) verifySignature(r *http.Request, body []byte) bool {
	if len(h.secret) == 0 {
		return true
	}
	got := r.Header.Get("X-Headwind-Signature")
	if got == "" {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(got), []byte(want))
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

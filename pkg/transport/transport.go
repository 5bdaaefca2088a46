// Package transport is the concrete realization of the bus this process
// shares with its sibling BMC. The real object bus, the name-resolution
// mapper, and the peer's four published interfaces are all
// out-of-scope external collaborators; this package is the adapter this
// process uses to stand in for them, so that every other package only ever
// depends on the small Bus interface below.
//
// Concretely, the peer's Redundancy/BMC/Version/Heartbeat interfaces are
// collapsed onto a single authenticated HTTP document exchange: an
// HMAC-signed poll and a matching signature-checking handler.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ibm-openbmc/phosphor-state-manager/pkg/bmc"
	"k8s.io/klog/v2"
)

// Document is everything the peer's four bus interfaces publish, flattened
// onto one wire shape.
type Document struct {
	Role              bmc.Role  `json:"role"`
	BMCState          bmc.State `json:"bmc_state"`
	FWVersion         string    `json:"fw_version"`
	Position          uint      `json:"position"`
	Provisioned       bool      `json:"provisioned"`
	RedundancyEnabled bool      `json:"redundancy_enabled"`
	FailoversAllowed  bool      `json:"failovers_allowed"`
	HeartbeatActive   bool      `json:"heartbeat_active"`
	// CommsOK is this BMC's own view of its communication path to its
	// sibling; lists it as part of the published aggregate so a sibling
	// reading it can factor it into its own redundancy evaluation.
	CommsOK bool `json:"comms_ok"`
}

// Bus is the small seam every other package programs against instead of
// depending on Client/Server directly. A fake implementation over this
// interface is what the rest of the tree uses in tests.
type Bus interface {
	// Fetch retrieves the peer's current published document. A transport
	// failure (peer unreachable, timeout, malformed response) is a
	// transient-bus error: the caller treats it as "peer not
	// present", not a fatal condition.
	Fetch(ctx context.Context) (Document, error)
}

// Client polls a single peer's published document over HTTP, the
// mapper-lookup-plus-method-call substitute described in the package
// doc comment.
type Client struct {
	httpClient *http.Client
	url        string
	auth       *authenticator
}

// NewClient builds a Client that fetches the peer's document from
// baseURL+"/rbmc/document", optionally HMAC-signing the request with
// sharedSecret (empty disables signing).
func NewClient(baseURL, sharedSecret string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		url:        baseURL + documentPath,
		auth:       newAuthenticator(sharedSecret),
	}
}

const documentPath = "/rbmc/document"

func (c *Client) Fetch(ctx context.Context) (Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Document{}, fmt.Errorf("building sibling request: %w", err)
	}
	c.auth.sign(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("sibling unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Document{}, fmt.Errorf("sibling returned unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Document{}, fmt.Errorf("reading sibling document: %w", err)
	}

	if err := c.auth.validateBody(resp.Header, body); err != nil {
		return Document{}, fmt.Errorf("sibling document failed authentication: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return Document{}, fmt.Errorf("decoding sibling document: %w", err)
	}

	return doc, nil
}

// Provider supplies the Document this process currently publishes, called
// fresh on every incoming request from the sibling.
type Provider func() Document

// Server publishes this BMC's own document for the sibling to poll.
type Server struct {
	httpServer *http.Server
	provider   Provider
	auth       *authenticator
}

// NewServer builds a Server listening on addr, publishing whatever provider
// returns under documentPath.
func NewServer(addr, sharedSecret string, provider Provider) *Server {
	s := &Server{provider: provider, auth: newAuthenticator(sharedSecret)}

	mux := http.NewServeMux()
	mux.HandleFunc(documentPath, s.auth.middleware(s.handleDocument))

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	body, err := json.Marshal(s.provider())
	if err != nil {
		klog.ErrorS(err, "Failed encoding published document")
		http.Error(w, "failed encoding document", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	s.auth.signBody(w.Header(), body)
	if _, err := w.Write(body); err != nil {
		klog.ErrorS(err, "Failed writing published document")
	}
}

// Start begins serving in the background. It returns once the listener is
// established or fails to bind.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("bus transport server failed: %w", err)
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

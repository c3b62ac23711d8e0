// Package ollama checks a local Ollama daemon for reachability and for the
// presence of a pulled model. Chat completions go through the anyllm package;
// this package only covers the model catalogue used at startup and by the
// readiness probe.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// DefaultBaseURL is where a local Ollama daemon listens by default.
const DefaultBaseURL = "http://localhost:11434"

// ErrModelNotFound is returned by RequireModel when the model is not pulled.
var ErrModelNotFound = errors.New("ollama: model not found")

// Catalogue lists the models of one Ollama daemon.
type Catalogue struct {
	client  *api.Client
	baseURL string
}

// New creates a Catalogue for the daemon at baseURL. An empty baseURL selects
// DefaultBaseURL. httpClient may be nil.
func New(baseURL string, httpClient *http.Client) (*Catalogue, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/v1"))
	if err != nil {
		return nil, fmt.Errorf("ollama: parse base url %q: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("ollama: base url %q must include scheme and host", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Catalogue{client: api.NewClient(u, httpClient), baseURL: u.String()}, nil
}

// BaseURL returns the normalised daemon URL.
func (c *Catalogue) BaseURL() string { return c.baseURL }

// Ping reports whether the daemon answers.
func (c *Catalogue) Ping(ctx context.Context) error {
	if err := c.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("ollama: daemon at %s not reachable: %w", c.baseURL, err)
	}
	return nil
}

// Models returns the names of all pulled models (e.g. "gemma3:4b").
func (c *Catalogue) Models(ctx context.Context) ([]string, error) {
	resp, err := c.client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ollama: list models: %w", err)
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		name := m.Name
		if name == "" {
			name = m.Model
		}
		names = append(names, name)
	}
	return names, nil
}

// RequireModel returns nil when model is available, ErrModelNotFound (wrapped
// with a pull hint) when it is not, or the listing error.
func (c *Catalogue) RequireModel(ctx context.Context, model string) error {
	names, err := c.Models(ctx)
	if err != nil {
		return err
	}
	if HasModel(names, model) {
		return nil
	}
	return fmt.Errorf("%w: %q (Run: ollama pull %s)", ErrModelNotFound, model, model)
}

// HasModel reports whether any listed name starts with the part of model
// before ':'. The tag is ignored, so "gemma3:4b" is satisfied by
// "gemma3:latest".
func HasModel(names []string, model string) bool {
	want := baseName(model)
	if want == "" {
		return false
	}
	for _, n := range names {
		if strings.HasPrefix(n, want) {
			return true
		}
	}
	return false
}

func baseName(model string) string {
	name, _, _ := strings.Cut(strings.TrimSpace(model), ":")
	return name
}

package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/italolelis/game_launcher/internal/logctx"
	"github.com/italolelis/game_launcher/internal/model"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPSource fetches a catalog document over HTTP(S).
type HTTPSource struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPSource creates a source for rawURL. A nil client gets an instrumented default.
func NewHTTPSource(rawURL string, client *http.Client) (*HTTPSource, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid catalog url %q", rawURL)
	}

	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	return &HTTPSource{name: u.Host + u.Path, url: rawURL, client: client}, nil
}

func (s *HTTPSource) Name() string {
	return s.name
}

func (s *HTTPSource) Fetch(ctx context.Context) ([]model.GameRelease, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json, application/yaml;q=0.9")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch catalog: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch catalog: unexpected status %d", resp.StatusCode)
	}

	releases, skipped, err := Decode(resp.Body, FormatFor(resp.Header.Get("Content-Type"), req.URL.Path), s.name)
	if err != nil {
		return nil, err
	}

	logSkipped(ctx, s.name, skipped)

	return releases, nil
}

func logSkipped(ctx context.Context, source string, skipped []error) {
	logger := logctx.LoggerFromContext(ctx)

	for _, err := range skipped {
		logger.WarnContext(ctx, "skipping catalog entry", "source", source, "err", err)
	}
}

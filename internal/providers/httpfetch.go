package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/wattmine/minecore/internal/infrastructure/httpclient"
)

// maxBodyBytes caps provider responses; market and telemetry payloads are
// small, anything bigger is a misbehaving upstream.
const maxBodyBytes = 1 << 20

// fetchJSON performs one GET against a provider endpoint and decodes the
// body, translating every failure mode into the provider error taxonomy.
func fetchJSON(ctx context.Context, pool *httpclient.ClientPool, providerID, url string, out any) error {
	body, err := fetchBody(ctx, pool, providerID, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return NewMalformedError(providerID, err)
	}
	return nil
}

func fetchBody(ctx context.Context, pool *httpclient.ClientPool, providerID, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &ProviderError{Provider: providerID, Retryable: false, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := pool.Do(ctx, req)
	if err != nil {
		return nil, NewTransportError(providerID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, NewAuthError(providerID, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, NewHTTPError(providerID, resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, NewTransportError(providerID, err)
	}
	return body, nil
}

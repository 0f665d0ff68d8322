package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hpcstack/nodemanager/pkg/httpclient"
)

// HTTPSender sends a report as a JSON POST body.
type HTTPSender struct {
	Client *http.Client
}

// NewHTTPSender returns an HTTPSender using a client tuned for control-plane
// traffic.
func NewHTTPSender() *HTTPSender {
	return &HTTPSender{Client: httpclient.NewClient()}
}

// Send POSTs payload, JSON-encoded, to uri and treats any non-2xx response
// as a failure.
func (s *HTTPSender) Send(ctx context.Context, uri string, payload interface{}) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode report payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("report rejected with status %d", resp.StatusCode)
	}

	return nil
}

package incident

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/runereel/runereel/internal/pipeline"
)

// WebhookDispatcher posts alerts as JSON to a configured endpoint. Delivery is
// fire-and-forget from the engine's point of view: the caller treats a
// returned error as a warning, never as a run failure.
type WebhookDispatcher struct {
	URL    string
	Client *http.Client
}

func NewWebhookDispatcher(url string) *WebhookDispatcher {
	return &WebhookDispatcher{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *WebhookDispatcher) DispatchAlert(a pipeline.Alert) error {
	if d.URL == "" {
		return nil
	}
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Post(d.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned %s", resp.Status)
	}
	return nil
}

package agentproc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HTTPStatusPoller implements StatusPoller against a node's local REST
// surface, polling until the freshly spawned process reports itself
// started.
type HTTPStatusPoller struct {
	client *http.Client
}

// NewHTTPStatusPoller builds a poller with a short per-attempt timeout;
// retries are governed by the exponential backoff passed to WaitStarted,
// not by the client's own timeout.
func NewHTTPStatusPoller() *HTTPStatusPoller {
	return &HTTPStatusPoller{client: &http.Client{Timeout: 2 * time.Second}}
}

type nodeStatus struct {
	Status string `json:"status"`
}

// WaitStarted polls http://127.0.0.1:<restPort>/status until it reports
// {"status":"started"} or ctx is done.
func (p *HTTPStatusPoller) WaitStarted(ctx context.Context, restPort int) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/status", restPort)
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("agentproc: node status endpoint returned %d", resp.StatusCode)
		}
		var s nodeStatus
		if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
			return fmt.Errorf("agentproc: decode node status: %w", err)
		}
		if s.Status != "started" {
			return fmt.Errorf("agentproc: node status is %q", s.Status)
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(backoffForPoll(), ctx))
}

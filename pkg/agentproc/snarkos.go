package agentproc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

// SnarkosClient is the seam for talking to the local node process's own
// REST surface, kept behind an interface so tests can substitute a fake
// without a running node.
type SnarkosClient interface {
	// BroadcastTx submits a serialized transaction to the node and
	// returns the transaction id the node assigned.
	BroadcastTx(ctx context.Context, network string, tx []byte) (string, error)
	// Get proxies a GET to the node's REST endpoint at path.
	Get(ctx context.Context, path string) (int, string, error)
	// Metric returns the raw text value of one metric from the node's
	// metrics endpoint.
	Metric(ctx context.Context, name string) (string, error)
}

// HTTPSnarkosClient implements SnarkosClient against the node's local
// REST and metrics ports.
type HTTPSnarkosClient struct {
	restPort    int
	metricsPort int
	client      *http.Client
}

// NewHTTPSnarkosClient builds a client against the local node.
func NewHTTPSnarkosClient(restPort, metricsPort int) *HTTPSnarkosClient {
	return &HTTPSnarkosClient{
		restPort:    restPort,
		metricsPort: metricsPort,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

// BroadcastTx implements SnarkosClient.
func (c *HTTPSnarkosClient) BroadcastTx(ctx context.Context, network string, tx []byte) (string, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/%s/transaction/broadcast", c.restPort, network)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(tx))
	if err != nil {
		return "", &RequestError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return "", &RequestError{Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &RequestError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &HTTPStatusError{Status: resp.StatusCode}
	}

	// The node answers with the transaction id as a JSON string.
	var txID string
	if err := json.Unmarshal(body, &txID); err != nil {
		return "", &JSONDeserializeError{Err: err}
	}
	return txID, nil
}

// Get implements SnarkosClient.
func (c *HTTPSnarkosClient) Get(ctx context.Context, path string) (int, string, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", c.restPort, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", &RequestError{Err: err}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, "", &RequestError{Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", &RequestError{Err: err}
	}
	return resp.StatusCode, string(body), nil
}

// Metric implements SnarkosClient: it scrapes the node's metrics
// endpoint and returns the value of the first sample matching name.
func (c *HTTPSnarkosClient) Metric(ctx context.Context, name string) (string, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/metrics", c.metricsPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &RequestError{Err: err}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", &RequestError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &HTTPStatusError{Status: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &RequestError{Err: err}
	}

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		metric := fields[0]
		if cut := strings.IndexByte(metric, '{'); cut >= 0 {
			metric = metric[:cut]
		}
		if metric == name {
			return fields[len(fields)-1], nil
		}
	}
	return "", fmt.Errorf("agentproc: metric %q not found", name)
}

// Authorizer is the seam a compute agent uses to build a transaction
// authorization from private keys and queries.
type Authorizer interface {
	ExecuteAuthorization(ctx context.Context, privateKeys, queries []string) ([]byte, error)
}

// CommandAuthorizer implements Authorizer by invoking the node binary's
// authorize subcommand and capturing its stdout as the serialized
// authorization.
type CommandAuthorizer struct {
	binPath string
	workDir string
}

// NewCommandAuthorizer builds an Authorizer around binPath.
func NewCommandAuthorizer(binPath, workDir string) *CommandAuthorizer {
	return &CommandAuthorizer{binPath: binPath, workDir: workDir}
}

// ExecuteAuthorization implements Authorizer.
func (a *CommandAuthorizer) ExecuteAuthorization(ctx context.Context, privateKeys, queries []string) ([]byte, error) {
	args := []string{"execute", "authorization"}
	for _, pk := range privateKeys {
		args = append(args, "--private-key", pk)
	}
	for _, q := range queries {
		args = append(args, "--query", q)
	}

	cmd := exec.CommandContext(ctx, a.binPath, args...)
	cmd.Dir = a.workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if cmd.ProcessState != nil && cmd.ProcessState.Exited() {
			return nil, &CommandStatusError{
				Cmd:    a.binPath,
				Status: cmd.ProcessState.ExitCode(),
				Stderr: strings.TrimSpace(stderr.String()),
			}
		}
		return nil, &CommandActionError{Action: "execute authorization", Cmd: a.binPath, Err: err}
	}
	return bytes.TrimSpace(stdout.Bytes()), nil
}

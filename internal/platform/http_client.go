package platform

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains connection settings for the cluster API.
type Config struct {
	Host        string
	Port        int
	Node        string // default node for node-scoped calls
	TokenID     string
	TokenSecret string
	VerifySSL   bool

	// CallTimeout bounds every individual API call. Long-running dump and
	// restore tasks are polled within this deadline per poll, not in total.
	CallTimeout time.Duration

	// TaskTimeout bounds waiting for an asynchronous task to finish.
	TaskTimeout time.Duration
}

// DefaultConfig returns a Config with sane timeouts.
func DefaultConfig() Config {
	return Config{
		Port:        8006,
		CallTimeout: 30 * time.Second,
		TaskTimeout: 2 * time.Hour,
	}
}

// HTTPClient talks to a Proxmox-compatible cluster API.
type HTTPClient struct {
	config       Config
	httpClient   *http.Client
	pollInterval time.Duration
	logger       zerolog.Logger
}

// NewHTTPClient creates a cluster API client.
func NewHTTPClient(config Config, logger zerolog.Logger) *HTTPClient {
	if config.CallTimeout <= 0 {
		config.CallTimeout = 30 * time.Second
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 2 * time.Hour
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !config.VerifySSL,
		},
	}
	return &HTTPClient{
		config: config,
		httpClient: &http.Client{
			Transport: transport,
		},
		pollInterval: 5 * time.Second,
		logger:       logger.With().Str("component", "platform_client").Logger(),
	}
}

// apiResponse wraps the standard cluster API response format.
type apiResponse struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

func (c *HTTPClient) baseURL() string {
	return fmt.Sprintf("https://%s:%d/api2/json", c.config.Host, c.config.Port)
}

func (c *HTTPClient) authHeader() string {
	return fmt.Sprintf("PVEAPIToken=%s=%s", c.config.TokenID, c.config.TokenSecret)
}

// doRequest performs one HTTP call with the per-call deadline applied.
func (c *HTTPClient) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL()+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader())
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	// Read the body before the deadline fires.
	data, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return nil, fmt.Errorf("read response: %w", readErr)
	}
	resp.Body = io.NopCloser(strings.NewReader(string(data)))
	return resp, nil
}

func (c *HTTPClient) parseResponse(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrVMNotFound
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if apiResp.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: apiResp.Error}
	}
	if v != nil && len(apiResp.Data) > 0 {
		if err := json.Unmarshal(apiResp.Data, v); err != nil {
			return fmt.Errorf("unmarshal data: %w", err)
		}
	}
	return nil
}

// nodeFor returns the node hosting vmID, falling back to the default node.
func (c *HTTPClient) nodeFor(ctx context.Context, vmID string) (string, error) {
	node, err := c.ResolveVMLocation(ctx, vmID)
	if err == nil && node != "" {
		return node, nil
	}
	if c.config.Node != "" {
		return c.config.Node, nil
	}
	return "", fmt.Errorf("resolve node for vm %s: %w", vmID, err)
}

// taskStatus is the poll result for an asynchronous cluster task.
type taskStatus struct {
	Status     string `json:"status"` // running, stopped
	ExitStatus string `json:"exitstatus,omitempty"`
	Artifact   string `json:"artifact,omitempty"`
}

// waitForTask polls a task until it stops, honoring the task timeout.
func (c *HTTPClient) waitForTask(ctx context.Context, node, upid string) (*taskStatus, error) {
	taskCtx, cancel := context.WithTimeout(ctx, c.config.TaskTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-taskCtx.Done():
			return nil, fmt.Errorf("wait for task %s: %w", upid, taskCtx.Err())
		case <-ticker.C:
			path := fmt.Sprintf("/nodes/%s/tasks/%s/status", node, url.PathEscape(upid))
			resp, err := c.doRequest(taskCtx, http.MethodGet, path, nil)
			if err != nil {
				c.logger.Warn().Err(err).Str("upid", upid).Msg("error checking task status")
				continue
			}
			var status taskStatus
			if err := c.parseResponse(resp, &status); err != nil {
				c.logger.Warn().Err(err).Str("upid", upid).Msg("error parsing task status")
				continue
			}
			if status.Status == "stopped" {
				if status.ExitStatus != "" && status.ExitStatus != "OK" {
					return &status, fmt.Errorf("task %s failed: %s", upid, status.ExitStatus)
				}
				return &status, nil
			}
		}
	}
}

// startTask posts a form to an endpoint that returns a task UPID.
func (c *HTTPClient) startTask(ctx context.Context, node, path string, params url.Values) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, path, strings.NewReader(params.Encode()))
	if err != nil {
		return "", err
	}
	var upid string
	if err := c.parseResponse(resp, &upid); err != nil {
		return "", err
	}
	if upid == "" {
		return "", errors.New("cluster did not return a task id")
	}
	return upid, nil
}

// CreateBackupArtifact runs a vzdump-style backup task and returns the
// produced artifact path.
func (c *HTTPClient) CreateBackupArtifact(ctx context.Context, vmID, mode, storage, compression string) (string, error) {
	node, err := c.nodeFor(ctx, vmID)
	if err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("vmid", vmID)
	params.Set("mode", mode)
	if compression != "" {
		params.Set("compress", compression)
	}
	if storage != "" {
		params.Set("dumpdir", storage)
	}

	upid, err := c.startTask(ctx, node, fmt.Sprintf("/nodes/%s/vzdump", node), params)
	if err != nil {
		return "", err
	}

	status, err := c.waitForTask(ctx, node, upid)
	if err != nil {
		return "", err
	}
	if status.Artifact == "" {
		return "", errors.New("backup task finished without reporting an artifact")
	}
	return status.Artifact, nil
}

// RestoreArtifact restores an artifact over the given VM id.
func (c *HTTPClient) RestoreArtifact(ctx context.Context, vmID, artifactPath, targetNode string, force bool) error {
	node := targetNode
	if node == "" {
		node = c.config.Node
	}

	params := url.Values{}
	params.Set("vmid", vmID)
	params.Set("archive", artifactPath)
	if force {
		params.Set("force", "1")
	}

	upid, err := c.startTask(ctx, node, fmt.Sprintf("/nodes/%s/qemu", node), params)
	if err != nil {
		return err
	}
	_, err = c.waitForTask(ctx, node, upid)
	return err
}

// ProvisionVMFromArtifact creates a new VM from an artifact. The cluster API
// uses the same restore primitive; provisioning differs only in that the id
// must be unused, which the caller guarantees.
func (c *HTTPClient) ProvisionVMFromArtifact(ctx context.Context, vmID, artifactPath, node string) error {
	return c.RestoreArtifact(ctx, vmID, artifactPath, node, false)
}

func (c *HTTPClient) vmAction(ctx context.Context, vmID, action string) error {
	node, err := c.nodeFor(ctx, vmID)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/nodes/%s/qemu/%s/status/%s", node, vmID, action)
	upid, err := c.startTask(ctx, node, path, url.Values{})
	if err != nil {
		return err
	}
	_, err = c.waitForTask(ctx, node, upid)
	return err
}

// StartVM starts the VM.
func (c *HTTPClient) StartVM(ctx context.Context, vmID string) error {
	return c.vmAction(ctx, vmID, "start")
}

// StopVM stops the VM hard.
func (c *HTTPClient) StopVM(ctx context.Context, vmID string) error {
	return c.vmAction(ctx, vmID, "stop")
}

// DeleteVM removes the VM definition and its disks.
func (c *HTTPClient) DeleteVM(ctx context.Context, vmID string) error {
	node, err := c.nodeFor(ctx, vmID)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/nodes/%s/qemu/%s", node, vmID)
	resp, err := c.doRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	var upid string
	if err := c.parseResponse(resp, &upid); err != nil {
		return err
	}
	if upid != "" {
		_, err = c.waitForTask(ctx, node, upid)
	}
	return err
}

// GetVMStatus returns the current state of the VM.
func (c *HTTPClient) GetVMStatus(ctx context.Context, vmID string) (*VMStatus, error) {
	node, err := c.nodeFor(ctx, vmID)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/nodes/%s/qemu/%s/status/current", node, vmID)
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var status VMStatus
	if err := c.parseResponse(resp, &status); err != nil {
		return nil, err
	}
	status.VMID = vmID
	status.Node = node
	return &status, nil
}

// ListVMs returns all VMs known to the cluster.
func (c *HTTPClient) ListVMs(ctx context.Context) ([]VMStatus, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/cluster/resources?type=vm", nil)
	if err != nil {
		return nil, err
	}
	var vms []VMStatus
	if err := c.parseResponse(resp, &vms); err != nil {
		return nil, err
	}
	return vms, nil
}

// ListNodes returns the cluster members.
func (c *HTTPClient) ListNodes(ctx context.Context) ([]Node, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/nodes", nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Node   string `json:"node"`
		Status string `json:"status"`
	}
	if err := c.parseResponse(resp, &raw); err != nil {
		return nil, err
	}
	nodes := make([]Node, 0, len(raw))
	for _, n := range raw {
		nodes = append(nodes, Node{Name: n.Node, Online: n.Status == "online"})
	}
	return nodes, nil
}

// ResolveVMLocation returns the node currently hosting the VM.
func (c *HTTPClient) ResolveVMLocation(ctx context.Context, vmID string) (string, error) {
	vms, err := c.ListVMs(ctx)
	if err != nil {
		return "", err
	}
	for _, vm := range vms {
		if vm.VMID == vmID {
			return vm.Node, nil
		}
	}
	return "", ErrVMNotFound
}

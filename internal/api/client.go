package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/mateo/fleet/internal/agent"
	"github.com/mateo/fleet/internal/alert"
	"github.com/mateo/fleet/internal/environment"
	"github.com/mateo/fleet/internal/placement"
	"github.com/mateo/fleet/internal/tunnel"
	"github.com/mateo/fleet/internal/workflow"
)

// Error is a non-2xx answer of the API. Workflow is set when a workflow ran
// and failed.
type Error struct {
	Status   int
	Message  string
	Workflow *workflow.Info
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return e.Message
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(port int) *Client {
	return NewClientURL(fmt.Sprintf("http://127.0.0.1:%d", port))
}

func NewClientURL(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
}

func (c *Client) Health() error {
	return c.do(http.MethodGet, "/health", nil, nil)
}

// Agents lists registered agents. kind is "host", "container" or empty for
// all of them.
func (c *Client) Agents(kind string) ([]agent.Agent, error) {
	var agents []agent.Agent
	path := "/agents"
	if kind != "" {
		path += "?kind=" + url.QueryEscape(kind)
	}
	if err := c.do(http.MethodGet, path, nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

func (c *Client) Capacity() ([]placement.HostLoad, error) {
	var loads []placement.HostLoad
	if err := c.do(http.MethodGet, "/capacity", nil, &loads); err != nil {
		return nil, err
	}
	return loads, nil
}

func (c *Client) Tunnels() ([]tunnel.Tunnel, error) {
	var tunnels []tunnel.Tunnel
	if err := c.do(http.MethodGet, "/tunnels", nil, &tunnels); err != nil {
		return nil, err
	}
	return tunnels, nil
}

func (c *Client) Workflows() ([]workflow.Info, error) {
	var infos []workflow.Info
	if err := c.do(http.MethodGet, "/workflows", nil, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

func (c *Client) Workflow(id string) (*workflow.Info, error) {
	var info workflow.Info
	if err := c.do(http.MethodGet, "/workflows/"+url.PathEscape(id), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) Environments() ([]environment.Environment, error) {
	var envs []environment.Environment
	if err := c.do(http.MethodGet, "/environments", nil, &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

func (c *Client) Environment(id string) (*environment.Environment, error) {
	var env environment.Environment
	if err := c.do(http.MethodGet, envPath(id), nil, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *Client) CreateEnvironment(req CreateEnvironmentRequest) (*WorkflowResponse, error) {
	return c.workflow(http.MethodPost, "/environments", req)
}

func (c *Client) GrowEnvironment(id string, req GrowEnvironmentRequest) (*WorkflowResponse, error) {
	return c.workflow(http.MethodPost, envPath(id)+"/grow", req)
}

func (c *Client) ModifyEnvironment(id string, req ModifyEnvironmentRequest) (*WorkflowResponse, error) {
	return c.workflow(http.MethodPost, envPath(id)+"/modify", req)
}

func (c *Client) DestroyEnvironment(id string, async bool) (*WorkflowResponse, error) {
	return c.workflow(http.MethodDelete, envPath(id)+asyncQuery(async), nil)
}

func (c *Client) CancelWorkflow(envID string) error {
	return c.do(http.MethodPost, envPath(envID)+"/cancel", nil, nil)
}

func (c *Client) DestroyContainer(envID, containerID string, async bool) (*WorkflowResponse, error) {
	return c.workflow(http.MethodDelete, containerPath(envID, containerID)+asyncQuery(async), nil)
}

func (c *Client) ChangeContainerHostname(envID, containerID string, req HostnameRequest) (*WorkflowResponse, error) {
	return c.workflow(http.MethodPut, containerPath(envID, containerID)+"/hostname", req)
}

func (c *Client) SetupTunnel(envID, containerID string) (*tunnel.Tunnel, error) {
	var t tunnel.Tunnel
	if err := c.do(http.MethodPost, containerPath(envID, containerID)+"/tunnel", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) IsContainerInDomain(envID, containerID string) (bool, error) {
	var m DomainMembership
	if err := c.do(http.MethodGet, containerPath(envID, containerID)+"/domain", nil, &m); err != nil {
		return false, err
	}
	return m.InDomain, nil
}

func (c *Client) AddContainerToDomain(envID, containerID string, async bool) (*WorkflowResponse, error) {
	return c.workflow(http.MethodPut, containerPath(envID, containerID)+"/domain"+asyncQuery(async), nil)
}

func (c *Client) RemoveContainerFromDomain(envID, containerID string, async bool) (*WorkflowResponse, error) {
	return c.workflow(http.MethodDelete, containerPath(envID, containerID)+"/domain"+asyncQuery(async), nil)
}

func (c *Client) ExcludePeer(envID string, peerID uuid.UUID, async bool) (*WorkflowResponse, error) {
	return c.workflow(http.MethodDelete, envPath(envID)+"/peers/"+peerID.String()+asyncQuery(async), nil)
}

func (c *Client) SSHKeys(envID string) ([]string, error) {
	var keys []string
	if err := c.do(http.MethodGet, envPath(envID)+"/ssh-keys", nil, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// AddSSHKey pushes the key to the environment. With RecordOnly set no
// workflow runs and the response is nil.
func (c *Client) AddSSHKey(envID string, req SSHKeyRequest) (*WorkflowResponse, error) {
	if req.RecordOnly {
		return nil, c.do(http.MethodPost, envPath(envID)+"/ssh-keys", req, nil)
	}
	return c.workflow(http.MethodPost, envPath(envID)+"/ssh-keys", req)
}

func (c *Client) RemoveSSHKey(envID string, req SSHKeyRequest) (*WorkflowResponse, error) {
	return c.workflow(http.MethodPost, envPath(envID)+"/ssh-keys/remove", req)
}

func (c *Client) ResetP2PSecret(envID string, req P2PSecretRequest) (*WorkflowResponse, error) {
	return c.workflow(http.MethodPut, envPath(envID)+"/p2p-secret", req)
}

func (c *Client) Domain(envID string) (*environment.Domain, error) {
	var d environment.Domain
	if err := c.do(http.MethodGet, envPath(envID)+"/domain", nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) AssignDomain(envID string, req DomainRequest) (*WorkflowResponse, error) {
	return c.workflow(http.MethodPut, envPath(envID)+"/domain", req)
}

func (c *Client) RemoveDomain(envID string, async bool) (*WorkflowResponse, error) {
	return c.workflow(http.MethodDelete, envPath(envID)+"/domain"+asyncQuery(async), nil)
}

func (c *Client) Monitoring(envID string) ([]alert.Key, error) {
	var keys []alert.Key
	if err := c.do(http.MethodGet, envPath(envID)+"/monitoring", nil, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (c *Client) StartMonitoring(envID string, req MonitoringRequest) error {
	return c.do(http.MethodPost, envPath(envID)+"/monitoring", req, nil)
}

func (c *Client) StopMonitoring(envID string, req MonitoringRequest) error {
	return c.do(http.MethodPost, envPath(envID)+"/monitoring/stop", req, nil)
}

func (c *Client) workflow(method, path string, payload any) (*WorkflowResponse, error) {
	var resp WorkflowResponse
	if err := c.do(method, path, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(method, path string, payload, result any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Status: resp.StatusCode}
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
			apiErr.Workflow = errResp.Workflow
		} else {
			apiErr.Message = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, respBody)
		}
		return apiErr
	}

	if result != nil {
		return json.Unmarshal(respBody, result)
	}
	return nil
}

func envPath(id string) string {
	return "/environments/" + url.PathEscape(id)
}

func containerPath(envID, containerID string) string {
	return envPath(envID) + "/containers/" + url.PathEscape(containerID)
}

func asyncQuery(async bool) string {
	if async {
		return "?async=true"
	}
	return ""
}

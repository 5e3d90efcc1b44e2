package api

import (
	"github.com/mateo/fleet/internal/alert"
	"github.com/mateo/fleet/internal/environment"
	"github.com/mateo/fleet/internal/workflow"
)

// CreateEnvironmentRequest asks for a new environment built from Topology.
type CreateEnvironmentRequest struct {
	Topology environment.Topology `json:"topology"`
	Async    bool                 `json:"async,omitempty"`
}

type GrowEnvironmentRequest struct {
	Topology environment.Topology `json:"topology"`
	Async    bool                 `json:"async,omitempty"`
}

// ModifyEnvironmentRequest adds the topology's nodes, resizes and removes
// containers in one workflow.
type ModifyEnvironmentRequest struct {
	Topology environment.Topology                 `json:"topology"`
	Remove   []string                             `json:"remove,omitempty"`
	Resize   map[string]environment.ContainerSize `json:"resize,omitempty"`
	Async    bool                                 `json:"async,omitempty"`
}

type SSHKeyRequest struct {
	Key string `json:"key"`
	// RecordOnly stores the key without pushing it to the containers.
	RecordOnly bool `json:"recordOnly,omitempty"`
	Async      bool `json:"async,omitempty"`
}

type P2PSecretRequest struct {
	Secret     string `json:"secret"`
	TTLSeconds int64  `json:"ttlSeconds"`
	Async      bool   `json:"async,omitempty"`
}

type DomainRequest struct {
	Domain   string                    `json:"domain"`
	Strategy environment.ProxyStrategy `json:"strategy"`
	CertPath string                    `json:"certPath,omitempty"`
	Async    bool                      `json:"async,omitempty"`
}

type HostnameRequest struct {
	Hostname string `json:"hostname"`
	Async    bool   `json:"async,omitempty"`
}

type MonitoringRequest struct {
	HandlerID string         `json:"handlerId"`
	Priority  alert.Priority `json:"priority"`
}

// WorkflowResponse is returned by every operation that runs a workflow.
// Environment is the record after the workflow, when it still exists and
// the call waited for it.
type WorkflowResponse struct {
	Workflow    workflow.Info            `json:"workflow"`
	Environment *environment.Environment `json:"environment,omitempty"`
}

type DomainMembership struct {
	ContainerID string `json:"containerId"`
	InDomain    bool   `json:"inDomain"`
}

// ErrorResponse is a standard error response. Workflow is set when the
// error is the outcome of a workflow that ran.
type ErrorResponse struct {
	Error    string         `json:"error"`
	Workflow *workflow.Info `json:"workflow,omitempty"`
}

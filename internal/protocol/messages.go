package protocol

import (
	"github.com/google/uuid"
)

// ResponseType identifies a message sent by an agent to the control plane.
type ResponseType string

const (
	TypeRegistrationRequest ResponseType = "REGISTRATION_REQUEST"
	TypeAgentDisconnect     ResponseType = "AGENT_DISCONNECT"
	TypeExecuteResponse     ResponseType = "EXECUTE_RESPONSE"
	TypeHeartbeat           ResponseType = "HEARTBEAT"
)

// RequestType identifies a message sent by the control plane to an agent.
type RequestType string

const (
	TypeRegistrationRequestDone RequestType = "REGISTRATION_REQUEST_DONE"
	TypeExecuteRequest          RequestType = "EXECUTE_REQUEST"
)

// Response is the wire shape of every inbound message. A zero UUID means the
// sender did not supply one.
type Response struct {
	Type        ResponseType      `json:"type"`
	UUID        uuid.UUID         `json:"uuid"`
	IsLxc       bool              `json:"isLxc,omitempty"`
	Hostname    string            `json:"hostname,omitempty"`
	IPs         []string          `json:"ips,omitempty"`
	TransportID string            `json:"transportId,omitempty"`
	RequestID   string            `json:"requestId,omitempty"`
	Result      map[string]string `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Request is the wire shape of every outbound message.
type Request struct {
	Type      RequestType       `json:"type"`
	UUID      uuid.UUID         `json:"uuid"`
	RequestID string            `json:"requestId,omitempty"`
	Action    string            `json:"action,omitempty"`
	Args      map[string]string `json:"args,omitempty"`
}

// NewAck builds the acknowledgement sent after a successful registration.
func NewAck(id uuid.UUID) Request {
	return Request{Type: TypeRegistrationRequestDone, UUID: id}
}

// NewExecute builds a command request for the agent identified by id. The
// request id is filled in by the gateway when the call is issued.
func NewExecute(id uuid.UUID, action string, args map[string]string) Request {
	return Request{Type: TypeExecuteRequest, UUID: id, Action: action, Args: args}
}

// Message is the decoded form of a Response. It is one of Registration,
// Disconnect, ExecuteResult, Heartbeat or Unknown.
type Message interface {
	message()
}

// Registration announces an agent. ID is uuid.Nil when the announcement
// carried no id.
type Registration struct {
	ID          uuid.UUID
	Hostname    string
	IsContainer bool
	IPs         []string
	TransportID string
}

// Disconnect reports that the transport session TransportID is gone.
type Disconnect struct {
	TransportID string
}

// ExecuteResult answers an EXECUTE_REQUEST with the same request id.
type ExecuteResult struct {
	AgentID   uuid.UUID
	RequestID string
	Result    map[string]string
	Error     string
}

type Heartbeat struct {
	AgentID uuid.UUID
}

// Unknown carries any response type this control plane does not handle.
type Unknown struct {
	Type ResponseType
}

func (Registration) message()  {}
func (Disconnect) message()    {}
func (ExecuteResult) message() {}
func (Heartbeat) message()     {}
func (Unknown) message()       {}

// Message decodes the response into its tagged variant.
func (r Response) Message() Message {
	switch r.Type {
	case TypeRegistrationRequest:
		var ips []string
		if len(r.IPs) > 0 {
			ips = append(ips, r.IPs...)
		}
		return Registration{
			ID:          r.UUID,
			Hostname:    r.Hostname,
			IsContainer: r.IsLxc,
			IPs:         ips,
			TransportID: r.TransportID,
		}
	case TypeAgentDisconnect:
		return Disconnect{TransportID: r.TransportID}
	case TypeExecuteResponse:
		return ExecuteResult{
			AgentID:   r.UUID,
			RequestID: r.RequestID,
			Result:    r.Result,
			Error:     r.Error,
		}
	case TypeHeartbeat:
		return Heartbeat{AgentID: r.UUID}
	default:
		return Unknown{Type: r.Type}
	}
}

// ResponseListener receives every inbound message delivered by a gateway.
type ResponseListener interface {
	OnResponse(resp Response)
}

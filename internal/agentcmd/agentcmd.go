package agentcmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mateo/fleet/internal/environment"
	"github.com/mateo/fleet/internal/protocol"
)

// Runtime manages containers through the agent of the physical host that
// runs them.
type Runtime interface {
	CreateContainer(ctx context.Context, hostID uuid.UUID, c environment.Container) (environment.Container, error)
	DestroyContainer(ctx context.Context, hostID uuid.UUID, containerID string) error
	ResizeContainer(ctx context.Context, hostID uuid.UUID, containerID string, size environment.ContainerSize) error
	SetHostname(ctx context.Context, hostID uuid.UUID, containerID, hostname string) error
	AddSSHKey(ctx context.Context, hostID uuid.UUID, containerID, key string) error
	RemoveSSHKey(ctx context.Context, hostID uuid.UUID, containerID, key string) error
	ResetP2PSecret(ctx context.Context, hostID uuid.UUID, containerID, secret string, ttl time.Duration) error
	OpenTunnel(ctx context.Context, hostID uuid.UUID, containerID string) (host string, port int, err error)
	CloseTunnel(ctx context.Context, hostID uuid.UUID, containerID string) error
}

// Caller sends one command to an agent and waits for its result.
type Caller interface {
	Call(ctx context.Context, req protocol.Request) (protocol.Response, error)
}

// Client implements Runtime over the gateway's command channel.
type Client struct {
	caller  Caller
	timeout time.Duration
}

// New returns a Client. A positive timeout bounds every command on top of
// the caller's own limits.
func New(caller Caller, timeout time.Duration) *Client {
	return &Client{caller: caller, timeout: timeout}
}

func (c *Client) call(ctx context.Context, hostID uuid.UUID, action string, args map[string]string) (map[string]string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.caller.Call(ctx, protocol.NewExecute(hostID, action, args))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	return resp.Result, nil
}

func (c *Client) CreateContainer(ctx context.Context, hostID uuid.UUID, ct environment.Container) (environment.Container, error) {
	result, err := c.call(ctx, hostID, protocol.ActionCreateContainer, map[string]string{
		protocol.ArgContainerID: ct.ID,
		protocol.ArgName:        ct.Name,
		protocol.ArgHostname:    ct.Hostname,
		protocol.ArgTemplate:    ct.Template,
		protocol.ArgSize:        string(ct.Size),
	})
	if err != nil {
		return environment.Container{}, err
	}
	if id := result[protocol.ArgContainerID]; id != "" && id != ct.ID {
		return environment.Container{}, fmt.Errorf("%s: agent reported container %s, expected %s",
			protocol.ActionCreateContainer, id, ct.ID)
	}
	ct.IP = result[protocol.ArgIP]
	if h := result[protocol.ArgHostname]; h != "" {
		ct.Hostname = h
	}
	ct.HostID = hostID
	return ct, nil
}

func (c *Client) DestroyContainer(ctx context.Context, hostID uuid.UUID, containerID string) error {
	_, err := c.call(ctx, hostID, protocol.ActionDestroyContainer, map[string]string{
		protocol.ArgContainerID: containerID,
	})
	return err
}

func (c *Client) ResizeContainer(ctx context.Context, hostID uuid.UUID, containerID string, size environment.ContainerSize) error {
	_, err := c.call(ctx, hostID, protocol.ActionResizeContainer, map[string]string{
		protocol.ArgContainerID: containerID,
		protocol.ArgSize:        string(size),
	})
	return err
}

func (c *Client) SetHostname(ctx context.Context, hostID uuid.UUID, containerID, hostname string) error {
	_, err := c.call(ctx, hostID, protocol.ActionSetHostname, map[string]string{
		protocol.ArgContainerID: containerID,
		protocol.ArgHostname:    hostname,
	})
	return err
}

func (c *Client) AddSSHKey(ctx context.Context, hostID uuid.UUID, containerID, key string) error {
	_, err := c.call(ctx, hostID, protocol.ActionAddSSHKey, map[string]string{
		protocol.ArgContainerID: containerID,
		protocol.ArgKey:         key,
	})
	return err
}

func (c *Client) RemoveSSHKey(ctx context.Context, hostID uuid.UUID, containerID, key string) error {
	_, err := c.call(ctx, hostID, protocol.ActionRemoveSSHKey, map[string]string{
		protocol.ArgContainerID: containerID,
		protocol.ArgKey:         key,
	})
	return err
}

func (c *Client) ResetP2PSecret(ctx context.Context, hostID uuid.UUID, containerID, secret string, ttl time.Duration) error {
	_, err := c.call(ctx, hostID, protocol.ActionResetP2PSecret, map[string]string{
		protocol.ArgContainerID: containerID,
		protocol.ArgSecret:      secret,
		protocol.ArgTTL:         strconv.FormatInt(int64(ttl/time.Second), 10),
	})
	return err
}

func (c *Client) OpenTunnel(ctx context.Context, hostID uuid.UUID, containerID string) (string, int, error) {
	result, err := c.call(ctx, hostID, protocol.ActionOpenTunnel, map[string]string{
		protocol.ArgContainerID: containerID,
	})
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(result[protocol.ArgPort])
	if err != nil || port <= 0 {
		return "", 0, fmt.Errorf("%s: invalid port %q", protocol.ActionOpenTunnel, result[protocol.ArgPort])
	}
	return result[protocol.ArgHost], port, nil
}

func (c *Client) CloseTunnel(ctx context.Context, hostID uuid.UUID, containerID string) error {
	_, err := c.call(ctx, hostID, protocol.ActionCloseTunnel, map[string]string{
		protocol.ArgContainerID: containerID,
	})
	return err
}

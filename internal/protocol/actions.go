package protocol

// Actions understood by agents in EXECUTE_REQUEST messages.
const (
	ActionCreateContainer  = "container.create"
	ActionDestroyContainer = "container.destroy"
	ActionResizeContainer  = "container.resize"
	ActionSetHostname      = "container.hostname"
	ActionAddSSHKey        = "ssh.addKey"
	ActionRemoveSSHKey     = "ssh.removeKey"
	ActionResetP2PSecret   = "p2p.resetSecret"
	ActionOpenTunnel       = "tunnel.open"
	ActionCloseTunnel      = "tunnel.close"
)

// Argument and result keys shared by the actions above.
const (
	ArgContainerID = "containerId"
	ArgName        = "name"
	ArgHostname    = "hostname"
	ArgTemplate    = "template"
	ArgSize        = "size"
	ArgKey         = "key"
	ArgSecret      = "secret"
	ArgTTL         = "ttl"
	ArgIP          = "ip"
	ArgHost        = "host"
	ArgPort        = "port"
)

package protocol

import "strings"

// DefaultSeparator joins a physical host's hostname and a container suffix.
const DefaultSeparator = "-lxc-"

// ParentHostname returns the text before the first occurrence of sep in
// hostname. It reports false when hostname does not encode a parent.
func ParentHostname(hostname, sep string) (string, bool) {
	if sep == "" {
		return "", false
	}
	i := strings.Index(hostname, sep)
	if i <= 0 {
		return "", false
	}
	return hostname[:i], true
}

// ContainerHostname builds "<parent><sep><suffix>".
func ContainerHostname(parent, sep, suffix string) string {
	return parent + sep + suffix
}

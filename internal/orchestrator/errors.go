package orchestrator

import (
	"errors"

	"github.com/mateo/fleet/internal/environment"
	"github.com/mateo/fleet/internal/workflow"
)

var (
	ErrEnvironmentNotFound = environment.ErrNotFound
	ErrContainerNotFound   = errors.New("container not found")
	ErrPeerNotFound        = errors.New("peer not part of environment")
	// ErrConflict is returned when another workflow holds the environment.
	ErrConflict = workflow.ErrConflict

	ErrEnvironmentCreation     = errors.New("environment creation failed")
	ErrEnvironmentModification = errors.New("environment modification failed")
	ErrEnvironmentDestruction  = errors.New("environment destruction failed")

	// ErrAgentUnavailable marks a step whose host agent left the registry.
	ErrAgentUnavailable = errors.New("agent not registered")
	ErrNoDomain         = errors.New("environment has no domain")
	ErrNoContainers     = errors.New("no containers were created")
)

// IsNotFound reports whether err refers to a missing environment,
// container or peer.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEnvironmentNotFound) ||
		errors.Is(err, ErrContainerNotFound) ||
		errors.Is(err, ErrPeerNotFound)
}

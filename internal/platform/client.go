// Package platform wraps the virtualization control-plane API consumed by
// the backup engine. The cluster itself is an external service; this package
// only speaks its HTTP API.
package platform

import (
	"context"
	"errors"
	"fmt"
)

// ErrVMNotFound is returned when the cluster does not know the VM.
var ErrVMNotFound = errors.New("vm not found")

// VMStatus describes the state of a VM as reported by the cluster.
type VMStatus struct {
	VMID   string `json:"vmid"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"` // running, stopped, paused
	Node   string `json:"node"`
}

// Running reports whether the VM is in the running state.
func (s *VMStatus) Running() bool {
	return s.Status == "running"
}

// Node is a cluster member.
type Node struct {
	Name   string `json:"node"`
	Online bool   `json:"online"`
}

// Client is the narrow control-plane surface the engine depends on.
// Implementations must honor context deadlines on every call; the scheduler
// runs triggers serially and a hung call would stall the whole loop.
type Client interface {
	// CreateBackupArtifact dumps the VM into storage and returns the path of
	// the produced artifact file.
	CreateBackupArtifact(ctx context.Context, vmID, mode, storage, compression string) (string, error)

	// RestoreArtifact restores an artifact over the given VM id on targetNode.
	// force allows overwriting an existing VM.
	RestoreArtifact(ctx context.Context, vmID, artifactPath, targetNode string, force bool) error

	// ProvisionVMFromArtifact creates a brand-new VM from an artifact.
	ProvisionVMFromArtifact(ctx context.Context, vmID, artifactPath, node string) error

	StartVM(ctx context.Context, vmID string) error
	StopVM(ctx context.Context, vmID string) error
	DeleteVM(ctx context.Context, vmID string) error
	GetVMStatus(ctx context.Context, vmID string) (*VMStatus, error)

	ListVMs(ctx context.Context) ([]VMStatus, error)
	ListNodes(ctx context.Context) ([]Node, error)

	// ResolveVMLocation returns the node currently hosting the VM.
	ResolveVMLocation(ctx context.Context, vmID string) (string, error)
}

// APIError is returned when the control plane rejects a call.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform api error %d: %s", e.StatusCode, e.Message)
}

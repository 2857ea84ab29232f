package tb

import "context"

// InstanceState is the lifecycle state reported by a compute control plane.
type InstanceState string

const (
	InstancePending  InstanceState = "pending"
	InstanceRunning  InstanceState = "running"
	InstanceStopping InstanceState = "stopping"
	InstanceStopped  InstanceState = "stopped"
	InstanceUnknown  InstanceState = "unknown"
)

// InstanceStatus describes a remote compute instance.
type InstanceStatus struct {
	State   InstanceState
	Address string
}

// ComputeControl starts and stops the instance used for restore validation.
type ComputeControl interface {
	Start(ctx context.Context, instanceID string) error
	Stop(ctx context.Context, instanceID string) error
	Status(ctx context.Context, instanceID string) (*InstanceStatus, error)
}

// RemoteRunner runs a command on a remote host.
type RemoteRunner interface {
	Run(ctx context.Context, host string, command string) error
}

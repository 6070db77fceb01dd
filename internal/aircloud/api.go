// Package aircloud is a client for the AirCloud HVAC cloud: account session
// management, device discovery, state retrieval over the STOMP notification
// channel and control commands.
package aircloud

import "context"

// Service is the surface consumed by the bridge layer.
type Service interface {
	ValidateCredentials(ctx context.Context) bool
	LoadFamilyIDs(ctx context.Context) ([]ID, error)
	LoadClimateData(ctx context.Context, familyID ID) ([]DeviceState, error)
	ExecuteCommand(ctx context.Context, cmd Command) (CommandResult, error)
	Close() error
}

var _ Service = (*Client)(nil)

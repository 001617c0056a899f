package interfaces

import (
	"context"

	"roomsync/pkg/types"
)

// RoomStore persists room records
type RoomStore interface {
	CreateRoom(ctx context.Context, room *types.Room) error
	GetRoom(ctx context.Context, roomID string) (*types.Room, error)
	UpdateRoom(ctx context.Context, room *types.Room) error
	// ListRooms returns rooms in the given status, or all rooms when status is empty
	ListRooms(ctx context.Context, status types.RoomStatus) ([]*types.Room, error)
}

// InteractionStore persists authoritative slide interaction states
type InteractionStore interface {
	SaveInteractionState(ctx context.Context, state *types.InteractionState) error
	GetInteractionState(ctx context.Context, sessionID, slideID string) (*types.InteractionState, error)
	ListInteractionStates(ctx context.Context, sessionID string) ([]*types.InteractionState, error)
}

// ResponseStore persists ledger entries keyed by (participant, slide, version)
type ResponseStore interface {
	UpsertResponse(ctx context.Context, response *types.Response) error
	ListResponses(ctx context.Context, sessionID, slideID string) ([]*types.Response, error)
	DeleteResponses(ctx context.Context, sessionID, slideID string) error
}

// ArtifactStore persists chat and whiteboard history
type ArtifactStore interface {
	StoreArtifact(ctx context.Context, artifact *types.Artifact) error
	GetArtifactHistory(ctx context.Context, roomID string) ([]*types.Artifact, error)
}

// DatabaseManager handles all persistence operations.
// Reads issued after a write returns must observe that write.
type DatabaseManager interface {
	RoomStore
	InteractionStore
	ResponseStore
	ArtifactStore

	// HealthCheck verifies database connectivity and basic operations
	HealthCheck(ctx context.Context) error

	// Close closes the database connection and cleans up resources
	Close() error
}

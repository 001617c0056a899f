package interfaces

import "roomsync/pkg/types"

// Connection represents one participant's live client connection
type Connection interface {
	// WriteEnvelope sends an envelope to the client (thread-safe)
	WriteEnvelope(env *types.Envelope) error

	// Close closes the connection and cleans up resources
	Close() error

	GetParticipantID() string
	GetDisplayName() string
	GetRole() types.Role
	GetRoomID() string

	// IsAuthenticated returns true once SetCredentials has been called
	IsAuthenticated() bool

	// SetCredentials binds the verified identity claim to the connection
	SetCredentials(participantID, displayName string, role types.Role, roomID string) error
}

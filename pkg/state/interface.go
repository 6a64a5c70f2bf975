package state

import (
	"github.com/google/uuid"

	"github.com/milksync/milksync/pkg/transport"
)

// Manager owns the live-connection membership model. Room membership is
// written once at connect time and only read thereafter; it never changes
// without a reconnect.
type Manager interface {
	// --- Connection Lifecycle ---
	RegisterConnection(conn transport.Conn, ipAddr string) (*Connection, error)
	DeregisterConnection(connID uuid.UUID) error
	GetConnection(connID uuid.UUID) (*Connection, bool)
	FindOldestUserConnection(userID string) (*Connection, bool)

	// --- User Management ---
	// links a connection to a user, creating the user if they don't exist.
	AssociateUser(connID uuid.UUID, userID string, role Role) (*User, error)
	FindUser(userID string) (*User, bool)
	GetUserConnections(userID string) ([]transport.Conn, error)
	GetUserConnectionCount(userID string) (int, error)
	GetAllConnections() ([]*Connection, error)
	GetAllUsers() ([]*User, error)

	// --- Room & Membership Management ---
	// adds a user to a room, creating the room if it doesn't exist.
	Join(userID, roomID string) error
	Leave(userID, roomID string) error
	GetRoomMembers(roomID string) ([]*User, error)
	FindRoom(roomID string) (*Room, bool)
}

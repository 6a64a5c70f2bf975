package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/milksync/milksync/pkg/transport"
)

// Role classifies an authenticated identity. Admins receive the global
// aggregate events; customers only ever see their own scope.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// UserRoom names the per-user broadcast scope for a user id.
func UserRoom(userID string) string {
	return fmt.Sprintf("user:%s", userID)
}

// representation of a single transport-layer connection.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	Transport transport.Conn // The actual connection for sending frames
	User      *User          // Pointer to the owning user (nil until associated)
	CreatedAt time.Time
}

// canonical representation of a user, aggregating all their connections.
type User struct {
	ID          string
	Role        Role
	Connections map[uuid.UUID]*Connection // All active connections for this user
	Rooms       map[string]*Room          // Rooms this user is a member of, keyed by RoomID
}

// canonical representation of a broadcast scope.
type Room struct {
	ID      string
	Members map[string]*User // All users who are members of this room, keyed by UserID
}

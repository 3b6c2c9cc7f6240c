package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoPrivilege is returned by transport implementations when the bot lacks admin
// rights for the operation. Treated as a logged, non-fatal failure everywhere.
var ErrNoPrivilege = errors.New("insufficient privilege")

// Message is a single text message received from a room. Immutable once received,
// the pipeline only reads it.
type Message struct {
	RoomID   int64
	UserID   int64
	UserName string
	MsgID    int
	Text     string
	Sent     time.Time
	IsEdit   bool
}

// MsgRef locates a message for retroactive deletion.
type MsgRef struct {
	RoomID int64
	MsgID  int
}

// Decision is the moderation outcome for one message. Produced once, never mutated,
// fully determines the side effects applied by the listener.
type Decision struct {
	Approved        bool
	IsQuestion      bool
	Reason          string
	BanTriggered    bool
	DeleteRequested bool
	SpamRooms       []int64  // rooms involved in a confirmed cross-room spam burst
	DeleteAlso      []MsgRef // cached duplicates to delete along with the current message
}

// RoomControl is the subset of the transport used for room-level permission management
// and notices. All calls are fallible, ErrNoPrivilege distinguishes missing admin rights.
type RoomControl interface {
	SendMessage(ctx context.Context, roomID int64, text string) (msgID int, err error)
	DeleteMessage(ctx context.Context, roomID int64, msgID int) error
	SetRoomPermissions(ctx context.Context, roomID int64, perm Permissions) error
	GetRoomPermissions(ctx context.Context, roomID int64) (Permissions, error)
}

// Permissions is a room's posting permission set.
type Permissions struct {
	CanSendMessages bool
	CanSendMedia    bool
	CanInviteUsers  bool
}

// RestrictivePermissions is applied when night mode activates.
func RestrictivePermissions() Permissions { return Permissions{} }

// PermissivePermissions is the hardcoded fallback applied on deactivation
// when no snapshot of the room's prior permissions exists.
func PermissivePermissions() Permissions {
	return Permissions{CanSendMessages: true, CanSendMedia: true, CanInviteUsers: true}
}

// DisplayName returns the message sender's name or id for logs.
func DisplayName(msg Message) string {
	if name := strings.TrimSpace(msg.UserName); name != "" {
		return name
	}
	return fmt.Sprintf("%d", msg.UserID)
}

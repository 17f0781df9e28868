// Package domain defines the persisted entities of the ingestion engine:
// accounts, users, worlds, instances, and the history/append tables that
// track how each of those change over time.
package domain

import "time"

// InstanceStatus is the lifecycle state of an Instance. Transitions are
// monotone: Active may move to any terminal state, but terminal states
// never revert (spec §3 invariant 5).
type InstanceStatus int

const (
	StatusActive InstanceStatus = iota
	StatusCompleted
	StatusInterrupted
	StatusSyncFailed
)

var statusNames = map[InstanceStatus]string{
	StatusActive:      "active",
	StatusCompleted:   "completed",
	StatusInterrupted: "interrupted",
	StatusSyncFailed:  "sync_failed",
}

var statusFromName = map[string]InstanceStatus{
	"active":      StatusActive,
	"completed":   StatusCompleted,
	"interrupted": StatusInterrupted,
	"sync_failed": StatusSyncFailed,
}

func (s InstanceStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsTerminal reports whether s is one of the statuses that never reverts.
func (s InstanceStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusInterrupted || s == StatusSyncFailed
}

// ParseInstanceStatus maps a stored status string back to its enum value.
func ParseInstanceStatus(name string) (InstanceStatus, bool) {
	s, ok := statusFromName[name]
	return s, ok
}

// Account represents a signed-in local user (spec §3).
type Account struct {
	ID                   int64
	UserID               int64
	ExtUserID            string
	FirstAuthenticatedAt time.Time
	LastAuthenticatedAt  time.Time
}

// User is any player ever observed, including the local one.
type User struct {
	ID          int64
	ExtUserID   string
	DisplayName string
	IsLocal     bool
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// UserNameHistory records a (User, display name) pairing with its seen
// window. A new row is appended only when the display name changes.
type UserNameHistory struct {
	ID          int64
	UserID      int64
	DisplayName string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// World is an external world ever visited.
type World struct {
	ID          int64
	ExtWorldID  string
	DisplayName string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// WorldNameHistory mirrors UserNameHistory, keyed on World.
type WorldNameHistory struct {
	ID          int64
	WorldID     int64
	DisplayName string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// Instance is one visit by the local account to a specific world/instance
// pair.
type Instance struct {
	ID                 int64
	AccountID          int64
	WorldID            int64
	WorldNameHistoryID *int64
	ExtInstanceID      string
	StartedAt          time.Time
	EndedAt            *time.Time
	Status             InstanceStatus
}

// InstanceUser is one presence span of a User inside an Instance. A single
// User may have multiple spans per Instance (leave + rejoin).
type InstanceUser struct {
	ID                 int64
	InstanceID         int64
	UserID             int64
	UserNameHistoryID  int64
	JoinedAt           time.Time
	LeftAt             *time.Time
}

// Avatar is keyed by display name; the external avatar id is optional and
// filled in opportunistically.
type Avatar struct {
	ID          int64
	DisplayName string
	ExtAvatarID *string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// AvatarHistory is an append-only record of an avatar switch.
type AvatarHistory struct {
	ID         int64
	InstanceID int64
	UserID     int64
	AvatarID   int64
	ChangedAt  time.Time
}

// Screenshot is an append-only record of a screenshot taken during an
// Instance.
type Screenshot struct {
	ID         int64
	InstanceID int64
	FilePath   string
	TakenAt    time.Time
}

// LogFile is tailer bookkeeping: per-file byte offset and metadata.
type LogFile struct {
	Path               string
	LastObservedSize   int64
	LastProcessedOffset int64
	LastModifiedAt     time.Time
	LastProcessedAt    time.Time
}

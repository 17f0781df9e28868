// Package notify defines the compact change notifications the Monitor
// forwards to the external subscriber (spec §6), and a lossy, non-blocking
// channel sink to deliver them.
package notify

import "time"

// Event is implemented by every outbound notification variant.
type Event interface {
	eventMarker()
}

// UserAuthenticated is forwarded when the local client authenticates.
type UserAuthenticated struct {
	AccountID   int64
	UserID      int64
	DisplayName string
	ExtUserID   string
}

func (UserAuthenticated) eventMarker() {}

// InstanceCreated is forwarded when a new Instance begins.
type InstanceCreated struct {
	InstanceID    int64
	AccountID     int64
	ExtWorldID    string
	ExtInstanceID string
	StartedAt     time.Time
	Status        string
}

func (InstanceCreated) eventMarker() {}

// InstanceEnded is forwarded when the local user leaves an Instance.
type InstanceEnded struct {
	InstanceID int64
	EndedAt    time.Time
	Status     string
}

func (InstanceEnded) eventMarker() {}

// UserJoined is forwarded when a user's presence span opens.
type UserJoined struct {
	InstanceID        int64
	InstanceUserID    int64
	UserID            int64
	DisplayName       string
	JoinedAt          time.Time
	InitialAvatarID   *int64
	InitialAvatarName *string
}

func (UserJoined) eventMarker() {}

// UserLeft is forwarded when a user's presence span closes.
type UserLeft struct {
	InstanceID     int64
	InstanceUserID int64
	LeftAt         time.Time
}

func (UserLeft) eventMarker() {}

// AvatarChanged is forwarded when a resolved user's avatar change is
// recorded.
type AvatarChanged struct {
	InstanceID  int64
	UserID      int64
	DisplayName string
	AvatarID    int64
	AvatarName  string
	ChangedAt   time.Time
}

func (AvatarChanged) eventMarker() {}

// ScreenshotTaken is forwarded when a screenshot is recorded.
type ScreenshotTaken struct {
	InstanceID   int64
	ScreenshotID int64
	FilePath     string
	TakenAt      time.Time
}

func (ScreenshotTaken) eventMarker() {}

// WorldNameUpdated is forwarded when an instance's world display name is
// learned or changes.
type WorldNameUpdated struct {
	InstanceID int64
	WorldName  string
	UpdatedAt  time.Time
}

func (WorldNameUpdated) eventMarker() {}

// InstanceSyncFailed is forwarded when the current instance desyncs from
// the master client.
type InstanceSyncFailed struct {
	InstanceID int64
	FailedAt   time.Time
	Status     string
}

func (InstanceSyncFailed) eventMarker() {}

// Ready is the one-shot "backend-ready" signal sent after backlog replay.
type Ready struct{}

func (Ready) eventMarker() {}

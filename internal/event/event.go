// Package event defines the typed events the parser produces from log
// lines. The set is closed: every variant recognized by the parser has a
// corresponding struct here, and processor code is expected to handle all
// of them exhaustively (spec §9).
package event

import "time"

// Event is implemented by every recognized log line shape. The method is
// unexported so the set of implementers is closed to this package.
type Event interface {
	eventMarker()
	Time() time.Time
}

type base struct {
	At time.Time
}

func (b base) Time() time.Time { return b.At }

// UserAuthenticated is emitted when the local client logs in.
type UserAuthenticated struct {
	base
	DisplayName string
	ExtUserID   string
}

func (UserAuthenticated) eventMarker() {}

// JoiningWorld is emitted when the client begins joining a world instance.
// WorldName is unknown at this point; EnteringRoom fills it in.
type JoiningWorld struct {
	base
	ExtWorldID    string
	ExtInstanceID string
}

func (JoiningWorld) eventMarker() {}

// EnteringRoom supplies the human-readable world name for the instance
// currently being joined.
type EnteringRoom struct {
	base
	WorldName string
}

func (EnteringRoom) eventMarker() {}

// PlayerJoined is emitted when a user (local or remote) appears in the
// current instance's roster.
type PlayerJoined struct {
	base
	DisplayName string
	ExtUserID   string
}

func (PlayerJoined) eventMarker() {}

// AvatarChanged is emitted when a user switches avatars.
type AvatarChanged struct {
	base
	SubjectDisplayName string
	AvatarDisplayName  string
}

func (AvatarChanged) eventMarker() {}

// ScreenshotTaken is emitted when the client saves a screenshot.
type ScreenshotTaken struct {
	base
	FilePath string
}

func (ScreenshotTaken) eventMarker() {}

// DestroyingPlayer is the only signal for a user's departure — it covers
// both a remote user leaving and the local user leaving the instance.
type DestroyingPlayer struct {
	base
	DisplayName string
}

func (DestroyingPlayer) eventMarker() {}

// EventSyncFailed marks the current instance as desynced from the master
// client; the next JoiningWorld completes the transition away from it.
type EventSyncFailed struct {
	base
}

func (EventSyncFailed) eventMarker() {}

// newBase constructs a base event carrying the given UTC timestamp. Unexported
// because base is embedded by variants in this package only.
func newBase(at time.Time) base { return base{At: at} }

// NewUserAuthenticated builds a UserAuthenticated event.
func NewUserAuthenticated(at time.Time, displayName, extUserID string) UserAuthenticated {
	return UserAuthenticated{base: newBase(at), DisplayName: displayName, ExtUserID: extUserID}
}

// NewJoiningWorld builds a JoiningWorld event.
func NewJoiningWorld(at time.Time, extWorldID, extInstanceID string) JoiningWorld {
	return JoiningWorld{base: newBase(at), ExtWorldID: extWorldID, ExtInstanceID: extInstanceID}
}

// NewEnteringRoom builds an EnteringRoom event.
func NewEnteringRoom(at time.Time, worldName string) EnteringRoom {
	return EnteringRoom{base: newBase(at), WorldName: worldName}
}

// NewPlayerJoined builds a PlayerJoined event.
func NewPlayerJoined(at time.Time, displayName, extUserID string) PlayerJoined {
	return PlayerJoined{base: newBase(at), DisplayName: displayName, ExtUserID: extUserID}
}

// NewAvatarChanged builds an AvatarChanged event.
func NewAvatarChanged(at time.Time, subjectDisplayName, avatarDisplayName string) AvatarChanged {
	return AvatarChanged{base: newBase(at), SubjectDisplayName: subjectDisplayName, AvatarDisplayName: avatarDisplayName}
}

// NewScreenshotTaken builds a ScreenshotTaken event.
func NewScreenshotTaken(at time.Time, filePath string) ScreenshotTaken {
	return ScreenshotTaken{base: newBase(at), FilePath: filePath}
}

// NewDestroyingPlayer builds a DestroyingPlayer event.
func NewDestroyingPlayer(at time.Time, displayName string) DestroyingPlayer {
	return DestroyingPlayer{base: newBase(at), DisplayName: displayName}
}

// NewEventSyncFailed builds an EventSyncFailed event.
func NewEventSyncFailed(at time.Time) EventSyncFailed {
	return EventSyncFailed{base: newBase(at)}
}

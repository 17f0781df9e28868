// Package processor folds the typed event stream into durable domain
// records while maintaining the in-memory caches needed to interpret each
// event in the context of "the currently active instance" (spec §4.4).
package processor

import (
	"fmt"
	"log"

	"github.com/vrcjournal/vrcjournal/internal/domain"
	"github.com/vrcjournal/vrcjournal/internal/event"
	"github.com/vrcjournal/vrcjournal/internal/ingesterr"
	"github.com/vrcjournal/vrcjournal/internal/notify"
	"github.com/vrcjournal/vrcjournal/internal/store"
)

// pendingAvatar is an AvatarChanged observed before its matching
// PlayerJoined; resolved on that join or discarded when the instance ends.
type pendingAvatar struct {
	avatarID int64
	at       event.Event
}

// Processor owns the caches of spec §4.4 and applies one Event at a time
// against a Store transaction, producing zero or one outbound notification
// per event. currentAccount/currentInstance are the durable domain rows
// backing the processor's notion of "now" — cached in full so handlers
// that need a sibling field (an Instance's world id, an Account's user id)
// don't re-query the store for it.
type Processor struct {
	currentAccount domain.Account
	hasAccount     bool

	currentInstance domain.Instance
	hasInstance     bool

	userIDByExt          map[string]int64
	instanceUserIDByUser map[int64]int64
	displayNameToUser    map[string]int64
	pendingAvatars       map[string]pendingAvatar
}

// New constructs an empty Processor. Call Restore before feeding any
// events to pick up where a previous run left off.
func New() *Processor {
	return &Processor{
		userIDByExt:          make(map[string]int64),
		instanceUserIDByUser: make(map[int64]int64),
		displayNameToUser:    make(map[string]int64),
		pendingAvatars:       make(map[string]pendingAvatar),
	}
}

func (p *Processor) clearInstanceCaches() {
	p.userIDByExt = make(map[string]int64)
	p.instanceUserIDByUser = make(map[int64]int64)
	p.displayNameToUser = make(map[string]int64)
	p.pendingAvatars = make(map[string]pendingAvatar)
}

// Restore rebuilds the in-memory caches from the durable store. Called
// once at startup, before reading any lines (spec §4.4 state restoration).
func (p *Processor) Restore(tx *store.Tx) error {
	account, found, err := tx.GetLatestAuthenticatedAccount()
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	p.currentAccount = account
	p.hasAccount = true

	instance, found, err := tx.GetLatestActiveInstance(account.ID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	p.currentInstance = instance
	p.hasInstance = true

	roster, err := tx.GetActiveInstanceUsers(instance.ID)
	if err != nil {
		return err
	}
	for _, r := range roster {
		p.userIDByExt[r.User.ExtUserID] = r.User.ID
		p.instanceUserIDByUser[r.User.ID] = r.InstanceUser.ID
		p.displayNameToUser[r.User.DisplayName] = r.User.ID
	}
	return nil
}

// Apply folds a single event against tx, returning the outbound
// notification to forward, if any.
func (p *Processor) Apply(tx *store.Tx, ev event.Event) (notify.Event, error) {
	switch e := ev.(type) {
	case event.UserAuthenticated:
		return p.applyUserAuthenticated(tx, e)
	case event.JoiningWorld:
		return p.applyJoiningWorld(tx, e)
	case event.EnteringRoom:
		return p.applyEnteringRoom(tx, e)
	case event.PlayerJoined:
		return p.applyPlayerJoined(tx, e)
	case event.AvatarChanged:
		return p.applyAvatarChanged(tx, e)
	case event.DestroyingPlayer:
		return p.applyDestroyingPlayer(tx, e)
	case event.ScreenshotTaken:
		return p.applyScreenshotTaken(tx, e)
	case event.EventSyncFailed:
		return p.applyEventSyncFailed(tx, e)
	default:
		logAnomaly("unrecognized event type %T, dropped", ev)
		return nil, nil
	}
}

// logAnomaly records a contextual event outside its allowed state (spec
// §7's LogicAnomaly kind). Not a failure: logged once and dropped, never
// returned up the stack as a hard error.
func logAnomaly(format string, args ...any) {
	log.Print((&ingesterr.LogicAnomaly{Context: fmt.Sprintf(format, args...)}).Error())
}

func (p *Processor) applyUserAuthenticated(tx *store.Tx, e event.UserAuthenticated) (notify.Event, error) {
	ts := e.Time()
	user, err := tx.UpsertUser(e.ExtUserID, e.DisplayName, ts)
	if err != nil {
		return nil, err
	}
	if _, err := tx.UpsertUserNameHistory(user.ID, e.DisplayName, ts); err != nil {
		return nil, err
	}
	account, err := tx.UpsertAccount(user.ID, e.ExtUserID, ts)
	if err != nil {
		return nil, err
	}

	p.currentAccount = account
	p.hasAccount = true
	p.userIDByExt[e.ExtUserID] = user.ID

	return notify.UserAuthenticated{
		AccountID:   account.ID,
		UserID:      user.ID,
		DisplayName: e.DisplayName,
		ExtUserID:   e.ExtUserID,
	}, nil
}

func (p *Processor) applyJoiningWorld(tx *store.Tx, e event.JoiningWorld) (notify.Event, error) {
	if !p.hasAccount {
		logAnomaly("JoiningWorld with no authenticated account, dropped")
		return nil, nil
	}

	ts := e.Time()
	if p.hasInstance {
		if err := tx.UpdateInstanceStatus(p.currentInstance.ID, domain.StatusInterrupted); err != nil {
			return nil, err
		}
	}

	p.clearInstanceCaches()

	world, err := tx.UpsertWorld(e.ExtWorldID, ts)
	if err != nil {
		return nil, err
	}

	instance, err := tx.CreateInstance(p.currentAccount.ID, world.ID, nil, e.ExtInstanceID, ts)
	if err != nil {
		return nil, err
	}

	p.currentInstance = instance
	p.hasInstance = true

	return notify.InstanceCreated{
		InstanceID:    instance.ID,
		AccountID:     p.currentAccount.ID,
		ExtWorldID:    e.ExtWorldID,
		ExtInstanceID: e.ExtInstanceID,
		StartedAt:     ts,
		Status:        domain.StatusActive.String(),
	}, nil
}

func (p *Processor) applyEnteringRoom(tx *store.Tx, e event.EnteringRoom) (notify.Event, error) {
	if !p.hasInstance {
		logAnomaly("EnteringRoom with no current instance, dropped")
		return nil, nil
	}

	ts := e.Time()
	hist, err := tx.UpsertWorldNameHistory(p.currentInstance.WorldID, e.WorldName, ts)
	if err != nil {
		return nil, err
	}
	if err := tx.SetInstanceWorldNameHistory(p.currentInstance.ID, hist.ID); err != nil {
		return nil, err
	}
	p.currentInstance.WorldNameHistoryID = &hist.ID

	return notify.WorldNameUpdated{
		InstanceID: p.currentInstance.ID,
		WorldName:  e.WorldName,
		UpdatedAt:  ts,
	}, nil
}

func (p *Processor) applyPlayerJoined(tx *store.Tx, e event.PlayerJoined) (notify.Event, error) {
	if !p.hasInstance {
		logAnomaly("PlayerJoined %q with no current instance, dropped", e.DisplayName)
		return nil, nil
	}
	if _, dup := p.userIDByExt[e.ExtUserID]; dup {
		logAnomaly("duplicate PlayerJoined for %s, dropped", e.ExtUserID)
		return nil, nil
	}

	ts := e.Time()
	user, err := tx.UpsertUser(e.ExtUserID, e.DisplayName, ts)
	if err != nil {
		return nil, err
	}
	nameHist, err := tx.UpsertUserNameHistory(user.ID, e.DisplayName, ts)
	if err != nil {
		return nil, err
	}
	instanceUser, err := tx.AddUserToInstance(p.currentInstance.ID, user.ID, nameHist.ID, ts)
	if err != nil {
		return nil, err
	}

	p.userIDByExt[e.ExtUserID] = user.ID
	p.instanceUserIDByUser[user.ID] = instanceUser.ID
	p.displayNameToUser[e.DisplayName] = user.ID

	n := notify.UserJoined{
		InstanceID:     p.currentInstance.ID,
		InstanceUserID: instanceUser.ID,
		UserID:         user.ID,
		DisplayName:    e.DisplayName,
		JoinedAt:       ts,
	}

	if pending, ok := p.pendingAvatars[e.DisplayName]; ok {
		delete(p.pendingAvatars, e.DisplayName)
		if _, err := tx.RecordAvatarHistory(p.currentInstance.ID, user.ID, pending.avatarID, pending.at.Time()); err != nil {
			return nil, err
		}
		avatarID := pending.avatarID
		avatarName := avatarDisplayNameOf(pending)
		n.InitialAvatarID = &avatarID
		n.InitialAvatarName = &avatarName
	}

	return n, nil
}

func avatarDisplayNameOf(p pendingAvatar) string {
	if ac, ok := p.at.(event.AvatarChanged); ok {
		return ac.AvatarDisplayName
	}
	return ""
}

func (p *Processor) applyAvatarChanged(tx *store.Tx, e event.AvatarChanged) (notify.Event, error) {
	if !p.hasInstance {
		logAnomaly("AvatarChanged with no current instance, dropped")
		return nil, nil
	}

	ts := e.Time()
	avatar, err := tx.UpsertAvatar(e.AvatarDisplayName, nil, ts)
	if err != nil {
		return nil, err
	}

	userID, found := p.displayNameToUser[e.SubjectDisplayName]
	if !found {
		p.pendingAvatars[e.SubjectDisplayName] = pendingAvatar{avatarID: avatar.ID, at: e}
		return nil, nil
	}

	if _, err := tx.RecordAvatarHistory(p.currentInstance.ID, userID, avatar.ID, ts); err != nil {
		return nil, err
	}

	return notify.AvatarChanged{
		InstanceID:  p.currentInstance.ID,
		UserID:      userID,
		DisplayName: e.SubjectDisplayName,
		AvatarID:    avatar.ID,
		AvatarName:  e.AvatarDisplayName,
		ChangedAt:   ts,
	}, nil
}

func (p *Processor) applyDestroyingPlayer(tx *store.Tx, e event.DestroyingPlayer) (notify.Event, error) {
	if !p.hasInstance {
		logAnomaly("DestroyingPlayer %q with no current instance, dropped", e.DisplayName)
		return nil, nil
	}

	userID, found := p.displayNameToUser[e.DisplayName]
	if !found {
		logAnomaly("DestroyingPlayer %q not in roster, dropped", e.DisplayName)
		return nil, nil
	}
	delete(p.displayNameToUser, e.DisplayName)

	ts := e.Time()

	if p.hasAccount && userID == p.currentAccount.UserID {
		instanceID := p.currentInstance.ID
		if err := tx.SetAllUsersLeft(instanceID, ts); err != nil {
			return nil, err
		}
		ended, err := tx.EndInstance(instanceID, ts)
		if err != nil {
			return nil, err
		}

		p.clearInstanceCaches()
		p.hasInstance = false

		return notify.InstanceEnded{
			InstanceID: ended.ID,
			EndedAt:    ts,
			Status:     ended.Status.String(),
		}, nil
	}

	instanceUserID, found := p.instanceUserIDByUser[userID]
	if !found {
		logAnomaly("DestroyingPlayer %q resolved to user with no open span, dropped", e.DisplayName)
		return nil, nil
	}
	delete(p.instanceUserIDByUser, userID)
	for ext, id := range p.userIDByExt {
		if id == userID {
			delete(p.userIDByExt, ext)
			break
		}
	}

	if err := tx.SetUserLeft(instanceUserID, ts); err != nil {
		return nil, err
	}

	return notify.UserLeft{
		InstanceID:     p.currentInstance.ID,
		InstanceUserID: instanceUserID,
		LeftAt:         ts,
	}, nil
}

func (p *Processor) applyScreenshotTaken(tx *store.Tx, e event.ScreenshotTaken) (notify.Event, error) {
	if !p.hasInstance {
		logAnomaly("ScreenshotTaken with no current instance, dropped")
		return nil, nil
	}

	ts := e.Time()
	screenshot, err := tx.RecordScreenshot(p.currentInstance.ID, e.FilePath, ts)
	if err != nil {
		return nil, err
	}

	return notify.ScreenshotTaken{
		InstanceID:   p.currentInstance.ID,
		ScreenshotID: screenshot.ID,
		FilePath:     e.FilePath,
		TakenAt:      ts,
	}, nil
}

func (p *Processor) applyEventSyncFailed(tx *store.Tx, e event.EventSyncFailed) (notify.Event, error) {
	if !p.hasInstance {
		logAnomaly("EventSyncFailed with no current instance, dropped")
		return nil, nil
	}

	ts := e.Time()
	if err := tx.UpdateInstanceStatus(p.currentInstance.ID, domain.StatusSyncFailed); err != nil {
		return nil, err
	}
	p.currentInstance.Status = domain.StatusSyncFailed

	return notify.InstanceSyncFailed{
		InstanceID: p.currentInstance.ID,
		FailedAt:   ts,
		Status:     domain.StatusSyncFailed.String(),
	}, nil
}

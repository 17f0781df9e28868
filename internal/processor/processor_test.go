package processor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vrcjournal/vrcjournal/internal/domain"
	"github.com/vrcjournal/vrcjournal/internal/event"
	"github.com/vrcjournal/vrcjournal/internal/notify"
	"github.com/vrcjournal/vrcjournal/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func at(minute int) time.Time {
	return time.Date(2025, 10, 13, 9, 50+minute, 0, 0, time.UTC)
}

// applyAll runs every event inside a single committed transaction and
// returns the notifications produced, mirroring one Monitor poll cycle.
func applyAll(t *testing.T, s *store.Store, p *Processor, events []event.Event) []notify.Event {
	t.Helper()
	tx, err := s.BeginTx()
	require.NoError(t, err)

	var notifications []notify.Event
	for _, ev := range events {
		n, err := p.Apply(tx, ev)
		require.NoError(t, err)
		if n != nil {
			notifications = append(notifications, n)
		}
	}
	require.NoError(t, tx.Commit())
	return notifications
}

func s1Events() []event.Event {
	return []event.Event{
		event.NewUserAuthenticated(at(0), "Alice", "usr_0000"),
		event.NewJoiningWorld(at(1), "wrld_aaaa", "42~public"),
		event.NewEnteringRoom(at(2), "Cool World"),
		event.NewPlayerJoined(at(3), "Alice", "usr_0000"),
		event.NewPlayerJoined(at(4), "Bob", "usr_0001"),
		event.NewDestroyingPlayer(at(5), "Bob"),
		event.NewDestroyingPlayer(at(6), "Alice"),
	}
}

func TestS1HappyPath(t *testing.T) {
	s := openTestStore(t)
	p := New()

	notifications := applyAll(t, s, p, s1Events())

	var sawInstanceEnded bool
	for _, n := range notifications {
		if ie, ok := n.(notify.InstanceEnded); ok {
			sawInstanceEnded = true
			require.Equal(t, domain.StatusCompleted.String(), ie.Status)
		}
	}
	require.True(t, sawInstanceEnded)
	require.False(t, p.hasInstance, "instance should be cleared after local destroy")

	tx, err := s.BeginTx()
	require.NoError(t, err)
	defer tx.Rollback()

	active, err := tx.GetActiveInstanceUsers(p.currentInstance.ID)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestS2AvatarBeforeJoin(t *testing.T) {
	s := openTestStore(t)
	p := New()

	events := []event.Event{
		event.NewUserAuthenticated(at(0), "Alice", "usr_0000"),
		event.NewJoiningWorld(at(1), "wrld_aaaa", "42~public"),
		event.NewEnteringRoom(at(2), "Cool World"),
		event.NewAvatarChanged(at(3), "Bob", "PurpleFox"),
		event.NewPlayerJoined(at(4), "Bob", "usr_0001"),
	}

	notifications := applyAll(t, s, p, events)

	var joined *notify.UserJoined
	for i := range notifications {
		if uj, ok := notifications[i].(notify.UserJoined); ok {
			joined = &uj
		}
	}
	require.NotNil(t, joined)
	require.NotNil(t, joined.InitialAvatarName)
	require.Equal(t, "PurpleFox", *joined.InitialAvatarName)
}

func TestS3SyncFailedTransition(t *testing.T) {
	s := openTestStore(t)
	p := New()

	events := []event.Event{
		event.NewUserAuthenticated(at(0), "Alice", "usr_0000"),
		event.NewJoiningWorld(at(1), "wrld_aaaa", "42~public"),
		event.NewEventSyncFailed(at(2)),
	}
	applyAll(t, s, p, events)
	firstInstanceID := p.currentInstance.ID

	applyAll(t, s, p, []event.Event{
		event.NewJoiningWorld(at(3), "wrld_bbbb", "7~public"),
	})

	tx, err := s.BeginTx()
	require.NoError(t, err)
	defer tx.Rollback()

	inst, err := tx.GetInstance(firstInstanceID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSyncFailed, inst.Status)
	require.Nil(t, inst.EndedAt)
}

func TestS4InterruptedByRejoin(t *testing.T) {
	s := openTestStore(t)
	p := New()

	applyAll(t, s, p, []event.Event{
		event.NewUserAuthenticated(at(0), "Alice", "usr_0000"),
		event.NewJoiningWorld(at(1), "wrld_aaaa", "42~public"),
	})
	firstInstanceID := p.currentInstance.ID

	applyAll(t, s, p, []event.Event{
		event.NewJoiningWorld(at(2), "wrld_bbbb", "7~public"),
	})

	tx, err := s.BeginTx()
	require.NoError(t, err)
	defer tx.Rollback()

	inst, err := tx.GetInstance(firstInstanceID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusInterrupted, inst.Status)
	require.NotEqual(t, firstInstanceID, p.currentInstance.ID)
}

func TestS5DuplicateJoin(t *testing.T) {
	s := openTestStore(t)
	p := New()

	events := []event.Event{
		event.NewUserAuthenticated(at(0), "Alice", "usr_0000"),
		event.NewJoiningWorld(at(1), "wrld_aaaa", "42~public"),
		event.NewPlayerJoined(at(2), "Bob", "usr_0001"),
		event.NewPlayerJoined(at(3), "Bob", "usr_0001"),
	}
	applyAll(t, s, p, events)

	tx, err := s.BeginTx()
	require.NoError(t, err)
	defer tx.Rollback()

	active, err := tx.GetActiveInstanceUsers(p.currentInstance.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

// TestS6RestartIdempotence replays the same event batch twice across a
// simulated restart (fresh Processor, restored from the store). The
// natural-keyed tables (users, accounts, worlds, name histories) must not
// grow on the replay; Instance/InstanceUser rows are append-only by
// design (no natural key — see spec open question on Instance identity)
// and are expected to grow by exactly one more completed instance.
func TestS6RestartIdempotence(t *testing.T) {
	s := openTestStore(t)
	p := New()
	applyAll(t, s, p, s1Events())

	var usersBefore, historyBefore, accountsBefore, worldsBefore int
	countRows(t, s, "users", &usersBefore)
	countRows(t, s, "user_name_history", &historyBefore)
	countRows(t, s, "accounts", &accountsBefore)
	countRows(t, s, "worlds", &worldsBefore)

	p2 := New()
	tx, err := s.BeginTx()
	require.NoError(t, err)
	require.NoError(t, p2.Restore(tx))
	require.NoError(t, tx.Commit())

	applyAll(t, s, p2, s1Events())

	var usersAfter, historyAfter, accountsAfter, worldsAfter int
	countRows(t, s, "users", &usersAfter)
	countRows(t, s, "user_name_history", &historyAfter)
	countRows(t, s, "accounts", &accountsAfter)
	countRows(t, s, "worlds", &worldsAfter)

	require.Equal(t, usersBefore, usersAfter, "re-authenticating the same users must not duplicate user rows")
	require.Equal(t, historyBefore, historyAfter, "unchanged display names must not append new history rows")
	require.Equal(t, accountsBefore, accountsAfter)
	require.Equal(t, worldsBefore, worldsAfter, "rejoining the same world must not duplicate world rows")
}

func countRows(t *testing.T, s *store.Store, table string, dest *int) {
	t.Helper()
	tx, err := s.BeginTx()
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, tx.Unwrap().QueryRow("SELECT COUNT(*) FROM "+table).Scan(dest))
}

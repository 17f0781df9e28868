package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vrcjournal/vrcjournal/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := t.TempDir() + "/test.db"
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := t.TempDir() + "/test.db"
	s1, err := Open(path)
	require.NoError(t, err)
	s1.Close()

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
}

func TestUpsertUserCreatesThenTouches(t *testing.T) {
	s := openTestStore(t)
	tx, err := s.BeginTx()
	require.NoError(t, err)
	defer tx.Rollback()

	t1 := time.Date(2025, 10, 13, 20, 0, 0, 0, time.UTC)
	u1, err := tx.UpsertUser("usr_abc", "Alice", t1)
	require.NoError(t, err)

	t2 := t1.Add(time.Minute)
	u2, err := tx.UpsertUser("usr_abc", "Alice2", t2)
	require.NoError(t, err)

	require.Equal(t, u1.ID, u2.ID)
	require.Equal(t, "Alice2", u2.DisplayName)
	require.False(t, u2.IsLocal)
	require.NoError(t, tx.Commit())
}

func TestUserNameHistoryAppendsOnChangeOnly(t *testing.T) {
	s := openTestStore(t)
	tx, err := s.BeginTx()
	require.NoError(t, err)
	defer tx.Rollback()

	base := time.Date(2025, 10, 13, 20, 0, 0, 0, time.UTC)
	user, err := tx.UpsertUser("usr_abc", "Alice", base)
	require.NoError(t, err)

	h1, err := tx.UpsertUserNameHistory(user.ID, "Alice", base)
	require.NoError(t, err)

	h2, err := tx.UpsertUserNameHistory(user.ID, "Alice", base.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, h1.ID, h2.ID, "same name should touch, not append")

	h3, err := tx.UpsertUserNameHistory(user.ID, "AliceRenamed", base.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotEqual(t, h2.ID, h3.ID, "changed name should append a new row")
}

func TestInstanceLifecycleAndStatusGuard(t *testing.T) {
	s := openTestStore(t)
	tx, err := s.BeginTx()
	require.NoError(t, err)
	defer tx.Rollback()

	base := time.Date(2025, 10, 13, 20, 0, 0, 0, time.UTC)
	user, err := tx.UpsertUser("usr_local", "Me", base)
	require.NoError(t, err)
	account, err := tx.UpsertAccount(user.ID, "usr_local", base)
	require.NoError(t, err)
	world, err := tx.UpsertWorld("wrld_1", base)
	require.NoError(t, err)

	instance, err := tx.CreateInstance(account.ID, world.ID, nil, "12345~private", base)
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, instance.Status)

	_, found, err := tx.GetLatestActiveInstance(account.ID)
	require.NoError(t, err)
	require.True(t, found)

	// A sync failure should win over a later attempt to mark it completed.
	require.NoError(t, tx.UpdateInstanceStatus(instance.ID, domain.StatusSyncFailed))
	ended, err := tx.EndInstance(instance.ID, base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, domain.StatusSyncFailed, ended.Status)
	require.NotNil(t, ended.EndedAt)

	_, found, err = tx.GetLatestActiveInstance(account.ID)
	require.NoError(t, err)
	require.False(t, found, "instance should no longer be active")
}

func TestInstanceUserRosterRoundTrip(t *testing.T) {
	s := openTestStore(t)
	tx, err := s.BeginTx()
	require.NoError(t, err)
	defer tx.Rollback()

	base := time.Date(2025, 10, 13, 20, 0, 0, 0, time.UTC)
	localUser, err := tx.UpsertUser("usr_local", "Me", base)
	require.NoError(t, err)
	account, err := tx.UpsertAccount(localUser.ID, "usr_local", base)
	require.NoError(t, err)
	world, err := tx.UpsertWorld("wrld_1", base)
	require.NoError(t, err)
	instance, err := tx.CreateInstance(account.ID, world.ID, nil, "12345~private", base)
	require.NoError(t, err)

	otherUser, err := tx.UpsertUser("usr_other", "Bob", base)
	require.NoError(t, err)
	nameHist, err := tx.UpsertUserNameHistory(otherUser.ID, "Bob", base)
	require.NoError(t, err)

	instanceUser, err := tx.AddUserToInstance(instance.ID, otherUser.ID, nameHist.ID, base.Add(time.Minute))
	require.NoError(t, err)

	active, err := tx.GetActiveInstanceUsers(instance.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "usr_other", active[0].User.ExtUserID)
	require.Equal(t, "Bob", active[0].User.DisplayName)

	require.NoError(t, tx.SetUserLeft(instanceUser.ID, base.Add(2*time.Minute)))
	active, err = tx.GetActiveInstanceUsers(instance.ID)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestSetAllUsersLeftClosesOpenSpansOnly(t *testing.T) {
	s := openTestStore(t)
	tx, err := s.BeginTx()
	require.NoError(t, err)
	defer tx.Rollback()

	base := time.Date(2025, 10, 13, 20, 0, 0, 0, time.UTC)
	localUser, err := tx.UpsertUser("usr_local", "Me", base)
	require.NoError(t, err)
	account, err := tx.UpsertAccount(localUser.ID, "usr_local", base)
	require.NoError(t, err)
	world, err := tx.UpsertWorld("wrld_1", base)
	require.NoError(t, err)
	instance, err := tx.CreateInstance(account.ID, world.ID, nil, "12345~private", base)
	require.NoError(t, err)

	u1, err := tx.UpsertUser("usr_a", "A", base)
	require.NoError(t, err)
	h1, err := tx.UpsertUserNameHistory(u1.ID, "A", base)
	require.NoError(t, err)
	iu1, err := tx.AddUserToInstance(instance.ID, u1.ID, h1.ID, base)
	require.NoError(t, err)

	u2, err := tx.UpsertUser("usr_b", "B", base)
	require.NoError(t, err)
	h2, err := tx.UpsertUserNameHistory(u2.ID, "B", base)
	require.NoError(t, err)
	iu2, err := tx.AddUserToInstance(instance.ID, u2.ID, h2.ID, base)
	require.NoError(t, err)
	require.NoError(t, tx.SetUserLeft(iu2.ID, base.Add(time.Minute)))

	require.NoError(t, tx.SetAllUsersLeft(instance.ID, base.Add(2*time.Minute)))

	active, err := tx.GetActiveInstanceUsers(instance.ID)
	require.NoError(t, err)
	require.Empty(t, active)

	var left1, left2 string
	require.NoError(t, tx.Unwrap().QueryRow(`SELECT left_at FROM instance_users WHERE id = ?`, iu1.ID).Scan(&left1))
	require.NoError(t, tx.Unwrap().QueryRow(`SELECT left_at FROM instance_users WHERE id = ?`, iu2.ID).Scan(&left2))
	require.Equal(t, formatTime(base.Add(2*time.Minute)), left1)
	require.Equal(t, formatTime(base.Add(time.Minute)), left2, "an already-closed span keeps its left_at")
}

func TestLogFileOffsetPersistsAcrossTx(t *testing.T) {
	s := openTestStore(t)

	tx, err := s.BeginTx()
	require.NoError(t, err)
	require.NoError(t, tx.UpsertLogFile("/logs/output_log_1.txt", 100, time.Now()))
	require.NoError(t, tx.UpdateLogFileOffset("/logs/output_log_1.txt", 100))
	require.NoError(t, tx.Commit())

	tx2, err := s.BeginTx()
	require.NoError(t, err)
	defer tx2.Rollback()
	offset, found, err := tx2.GetLogFileOffset("/logs/output_log_1.txt")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(100), offset)

	all, err := tx2.ListLogFiles()
	require.NoError(t, err)
	require.Equal(t, int64(100), all["/logs/output_log_1.txt"])
}

func TestGetLatestAuthenticatedAccount(t *testing.T) {
	s := openTestStore(t)
	tx, err := s.BeginTx()
	require.NoError(t, err)
	defer tx.Rollback()

	base := time.Date(2025, 10, 13, 20, 0, 0, 0, time.UTC)
	u1, err := tx.UpsertUser("usr_old", "Old", base)
	require.NoError(t, err)
	_, err = tx.UpsertAccount(u1.ID, "usr_old", base)
	require.NoError(t, err)

	u2, err := tx.UpsertUser("usr_new", "New", base.Add(time.Hour))
	require.NoError(t, err)
	acct2, err := tx.UpsertAccount(u2.ID, "usr_new", base.Add(time.Hour))
	require.NoError(t, err)

	got, found, err := tx.GetLatestAuthenticatedAccount()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, acct2.ID, got.ID)
	require.Equal(t, u2.ID, got.UserID)
}

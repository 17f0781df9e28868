// Package store provides SQLite-backed persistence for the ingestion
// engine: schema migration, and typed, transactional accessors over the
// entities of spec §3.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"

	"github.com/vrcjournal/vrcjournal/internal/domain"
	"github.com/vrcjournal/vrcjournal/internal/ingesterr"
)

// timeLayout is the ISO-8601 representation chosen for every timestamp
// column (SPEC_FULL.md open question #3).
const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func nowUTCString() string { return formatTime(time.Now()) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

// Store wraps a SQLite database handle. All mutation happens through a Tx
// returned by BeginTx, so one poll cycle's writes and offset updates
// commit atomically together (spec §4.1).
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies any pending migrations. Foreign-key enforcement is requested as
// a DSN-level pragma rather than a one-shot PRAGMA statement: SQLite's FK
// enforcement is per-connection, and database/sql may open more than one
// connection against the pool, so a single post-Open Exec would leave
// later pooled connections unenforced.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx is a scoped transaction exposing every mutating and lookup operation
// of spec §4.1. Commit on success, Rollback on any failure path.
type Tx struct {
	tx *sql.Tx
}

// BeginTx starts a new transaction.
func (s *Store) BeginTx() (*Tx, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, &ingesterr.Storage{Op: "begin", Err: err}
	}
	return &Tx{tx: tx}, nil
}

// Commit commits the transaction.
func (tx *Tx) Commit() error {
	if err := tx.tx.Commit(); err != nil {
		return &ingesterr.Storage{Op: "commit", Err: err}
	}
	return nil
}

// Rollback aborts the transaction. Safe to call after a failed operation;
// rolling back a transaction whose Commit already succeeded is a no-op
// error that callers should ignore via defer.
func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

// Unwrap exposes the underlying *sql.Tx for callers (tests, and future
// accessors) that need a query this package does not yet wrap.
func (tx *Tx) Unwrap() *sql.Tx {
	return tx.tx
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ingesterr.Storage{Op: op, Err: err}
}

// UpsertUser creates or touches the User row for extUserID, setting
// display_name and bumping last_seen_at. Race-free under the
// single-writer model because ext_user_id is UNIQUE (spec §4.1).
func (tx *Tx) UpsertUser(extUserID, displayName string, ts time.Time) (domain.User, error) {
	t := formatTime(ts)
	if _, err := tx.tx.Exec(`
		INSERT INTO users (ext_user_id, display_name, is_local, first_seen_at, last_seen_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(ext_user_id) DO UPDATE SET
			display_name = excluded.display_name,
			last_seen_at = excluded.last_seen_at
	`, extUserID, displayName, t, t); err != nil {
		return domain.User{}, wrapErr("upsert_user", err)
	}
	return tx.getUserByExt(extUserID)
}

func (tx *Tx) getUserByExt(extUserID string) (domain.User, error) {
	var u domain.User
	var isLocal int
	var firstSeen, lastSeen string
	err := tx.tx.QueryRow(`
		SELECT id, ext_user_id, display_name, is_local, first_seen_at, last_seen_at
		FROM users WHERE ext_user_id = ?
	`, extUserID).Scan(&u.ID, &u.ExtUserID, &u.DisplayName, &isLocal, &firstSeen, &lastSeen)
	if err != nil {
		return domain.User{}, wrapErr("get_user_by_ext", err)
	}
	u.IsLocal = isLocal != 0
	if u.FirstSeenAt, err = parseTime(firstSeen); err != nil {
		return domain.User{}, wrapErr("get_user_by_ext_parse", err)
	}
	if u.LastSeenAt, err = parseTime(lastSeen); err != nil {
		return domain.User{}, wrapErr("get_user_by_ext_parse", err)
	}
	return u, nil
}

// UpsertUserNameHistory appends a new history row if displayName differs
// from the user's most recent entry, otherwise bumps that entry's
// last_seen_at. Returns the current (latest) row either way.
func (tx *Tx) UpsertUserNameHistory(userID int64, displayName string, ts time.Time) (domain.UserNameHistory, error) {
	t := formatTime(ts)

	var latestID int64
	var latestName, firstSeen, lastSeen string
	err := tx.tx.QueryRow(`
		SELECT id, display_name, first_seen_at, last_seen_at FROM user_name_history
		WHERE user_id = ? ORDER BY last_seen_at DESC, id DESC LIMIT 1
	`, userID).Scan(&latestID, &latestName, &firstSeen, &lastSeen)

	switch {
	case err == sql.ErrNoRows:
		return tx.insertUserNameHistory(userID, displayName, t)
	case err != nil:
		return domain.UserNameHistory{}, wrapErr("user_name_history_lookup", err)
	case latestName == displayName:
		if _, err := tx.tx.Exec(`UPDATE user_name_history SET last_seen_at = ? WHERE id = ?`, t, latestID); err != nil {
			return domain.UserNameHistory{}, wrapErr("user_name_history_touch", err)
		}
		first, err := parseTime(firstSeen)
		if err != nil {
			return domain.UserNameHistory{}, wrapErr("user_name_history_parse", err)
		}
		last, err := parseTime(t)
		if err != nil {
			return domain.UserNameHistory{}, wrapErr("user_name_history_parse", err)
		}
		return domain.UserNameHistory{ID: latestID, UserID: userID, DisplayName: latestName, FirstSeenAt: first, LastSeenAt: last}, nil
	default:
		return tx.insertUserNameHistory(userID, displayName, t)
	}
}

func (tx *Tx) insertUserNameHistory(userID int64, displayName, t string) (domain.UserNameHistory, error) {
	res, err := tx.tx.Exec(`
		INSERT INTO user_name_history (user_id, display_name, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?)
	`, userID, displayName, t, t)
	if err != nil {
		return domain.UserNameHistory{}, wrapErr("user_name_history_insert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.UserNameHistory{}, wrapErr("user_name_history_insert_id", err)
	}
	ts, err := parseTime(t)
	if err != nil {
		return domain.UserNameHistory{}, wrapErr("user_name_history_insert_parse", err)
	}
	return domain.UserNameHistory{ID: id, UserID: userID, DisplayName: displayName, FirstSeenAt: ts, LastSeenAt: ts}, nil
}

// UpsertWorld creates or touches the World row for extWorldID. No display
// name is known at this point (spec §4.4's JoiningWorld handler).
func (tx *Tx) UpsertWorld(extWorldID string, ts time.Time) (domain.World, error) {
	t := formatTime(ts)
	if _, err := tx.tx.Exec(`
		INSERT INTO worlds (ext_world_id, display_name, first_seen_at, last_seen_at)
		VALUES (?, '', ?, ?)
		ON CONFLICT(ext_world_id) DO UPDATE SET last_seen_at = excluded.last_seen_at
	`, extWorldID, t, t); err != nil {
		return domain.World{}, wrapErr("upsert_world", err)
	}

	var w domain.World
	var firstSeen, lastSeen string
	err := tx.tx.QueryRow(`
		SELECT id, ext_world_id, display_name, first_seen_at, last_seen_at FROM worlds WHERE ext_world_id = ?
	`, extWorldID).Scan(&w.ID, &w.ExtWorldID, &w.DisplayName, &firstSeen, &lastSeen)
	if err != nil {
		return domain.World{}, wrapErr("upsert_world_lookup", err)
	}
	if w.FirstSeenAt, err = parseTime(firstSeen); err != nil {
		return domain.World{}, wrapErr("upsert_world_parse", err)
	}
	if w.LastSeenAt, err = parseTime(lastSeen); err != nil {
		return domain.World{}, wrapErr("upsert_world_parse", err)
	}
	return w, nil
}

// UpsertWorldNameHistory sets the world's current display name and
// appends a history row if the name is new (spec §4.4's EnteringRoom
// handler). Returns the current history row.
func (tx *Tx) UpsertWorldNameHistory(worldID int64, displayName string, ts time.Time) (domain.WorldNameHistory, error) {
	t := formatTime(ts)

	if _, err := tx.tx.Exec(`UPDATE worlds SET display_name = ?, last_seen_at = ? WHERE id = ?`, displayName, t, worldID); err != nil {
		return domain.WorldNameHistory{}, wrapErr("world_touch", err)
	}

	var latestID int64
	var latestName, firstSeen, lastSeen string
	err := tx.tx.QueryRow(`
		SELECT id, display_name, first_seen_at, last_seen_at FROM world_name_history
		WHERE world_id = ? ORDER BY last_seen_at DESC, id DESC LIMIT 1
	`, worldID).Scan(&latestID, &latestName, &firstSeen, &lastSeen)

	switch {
	case err == sql.ErrNoRows:
		return tx.insertWorldNameHistory(worldID, displayName, t)
	case err != nil:
		return domain.WorldNameHistory{}, wrapErr("world_name_history_lookup", err)
	case latestName == displayName:
		if _, err := tx.tx.Exec(`UPDATE world_name_history SET last_seen_at = ? WHERE id = ?`, t, latestID); err != nil {
			return domain.WorldNameHistory{}, wrapErr("world_name_history_touch", err)
		}
		first, err := parseTime(firstSeen)
		if err != nil {
			return domain.WorldNameHistory{}, wrapErr("world_name_history_parse", err)
		}
		last, err := parseTime(t)
		if err != nil {
			return domain.WorldNameHistory{}, wrapErr("world_name_history_parse", err)
		}
		return domain.WorldNameHistory{ID: latestID, WorldID: worldID, DisplayName: latestName, FirstSeenAt: first, LastSeenAt: last}, nil
	default:
		return tx.insertWorldNameHistory(worldID, displayName, t)
	}
}

func (tx *Tx) insertWorldNameHistory(worldID int64, displayName, t string) (domain.WorldNameHistory, error) {
	res, err := tx.tx.Exec(`
		INSERT INTO world_name_history (world_id, display_name, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?)
	`, worldID, displayName, t, t)
	if err != nil {
		return domain.WorldNameHistory{}, wrapErr("world_name_history_insert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.WorldNameHistory{}, wrapErr("world_name_history_insert_id", err)
	}
	ts, err := parseTime(t)
	if err != nil {
		return domain.WorldNameHistory{}, wrapErr("world_name_history_insert_parse", err)
	}
	return domain.WorldNameHistory{ID: id, WorldID: worldID, DisplayName: displayName, FirstSeenAt: ts, LastSeenAt: ts}, nil
}

// UpsertAccount links userID to an Account, creating it on first
// authentication and bumping last_authenticated_at on every subsequent
// one. extUserID is carried denormalized for GetLatestAuthenticatedAccount.
func (tx *Tx) UpsertAccount(userID int64, extUserID string, ts time.Time) (domain.Account, error) {
	t := formatTime(ts)
	if _, err := tx.tx.Exec(`
		INSERT INTO accounts (user_id, ext_user_id, first_authenticated_at, last_authenticated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET last_authenticated_at = excluded.last_authenticated_at
	`, userID, extUserID, t, t); err != nil {
		return domain.Account{}, wrapErr("upsert_account", err)
	}
	if _, err := tx.tx.Exec(`UPDATE users SET is_local = 1 WHERE id = ?`, userID); err != nil {
		return domain.Account{}, wrapErr("mark_user_local", err)
	}

	var acct domain.Account
	var first, last string
	err := tx.tx.QueryRow(`
		SELECT id, user_id, ext_user_id, first_authenticated_at, last_authenticated_at
		FROM accounts WHERE user_id = ?
	`, userID).Scan(&acct.ID, &acct.UserID, &acct.ExtUserID, &first, &last)
	if err != nil {
		return domain.Account{}, wrapErr("upsert_account_lookup", err)
	}
	if acct.FirstAuthenticatedAt, err = parseTime(first); err != nil {
		return domain.Account{}, wrapErr("upsert_account_parse", err)
	}
	if acct.LastAuthenticatedAt, err = parseTime(last); err != nil {
		return domain.Account{}, wrapErr("upsert_account_parse", err)
	}
	return acct, nil
}

// UpsertAvatar creates or touches the Avatar row keyed by display name.
func (tx *Tx) UpsertAvatar(displayName string, extAvatarID *string, ts time.Time) (domain.Avatar, error) {
	t := formatTime(ts)
	if _, err := tx.tx.Exec(`
		INSERT INTO avatars (display_name, ext_avatar_id, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(display_name) DO UPDATE SET
			last_seen_at = excluded.last_seen_at,
			ext_avatar_id = COALESCE(excluded.ext_avatar_id, avatars.ext_avatar_id)
	`, displayName, extAvatarID, t, t); err != nil {
		return domain.Avatar{}, wrapErr("upsert_avatar", err)
	}

	var av domain.Avatar
	var extID sql.NullString
	var firstSeen, lastSeen string
	err := tx.tx.QueryRow(`
		SELECT id, display_name, ext_avatar_id, first_seen_at, last_seen_at FROM avatars WHERE display_name = ?
	`, displayName).Scan(&av.ID, &av.DisplayName, &extID, &firstSeen, &lastSeen)
	if err != nil {
		return domain.Avatar{}, wrapErr("upsert_avatar_lookup", err)
	}
	if extID.Valid {
		v := extID.String
		av.ExtAvatarID = &v
	}
	if av.FirstSeenAt, err = parseTime(firstSeen); err != nil {
		return domain.Avatar{}, wrapErr("upsert_avatar_parse", err)
	}
	if av.LastSeenAt, err = parseTime(lastSeen); err != nil {
		return domain.Avatar{}, wrapErr("upsert_avatar_parse", err)
	}
	return av, nil
}

// CreateInstance inserts a new, Active Instance row.
func (tx *Tx) CreateInstance(accountID, worldID int64, worldNameHistID *int64, extInstanceID string, ts time.Time) (domain.Instance, error) {
	res, err := tx.tx.Exec(`
		INSERT INTO instances (account_id, world_id, world_name_history_id, ext_instance_id, started_at, status)
		VALUES (?, ?, ?, ?, ?, 'active')
	`, accountID, worldID, worldNameHistID, extInstanceID, formatTime(ts))
	if err != nil {
		return domain.Instance{}, wrapErr("create_instance", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Instance{}, wrapErr("create_instance_id", err)
	}
	return domain.Instance{
		ID:                 id,
		AccountID:          accountID,
		WorldID:            worldID,
		WorldNameHistoryID: worldNameHistID,
		ExtInstanceID:      extInstanceID,
		StartedAt:          ts.UTC(),
		Status:             domain.StatusActive,
	}, nil
}

// GetInstance returns the current row for instanceID.
func (tx *Tx) GetInstance(instanceID int64) (domain.Instance, error) {
	row := tx.tx.QueryRow(`
		SELECT id, account_id, world_id, world_name_history_id, ext_instance_id, started_at, ended_at, status
		FROM instances WHERE id = ?
	`, instanceID)
	inst, err := scanInstanceRow(row)
	if err != nil {
		return domain.Instance{}, wrapErr("get_instance", err)
	}
	return inst, nil
}

func scanInstanceRow(row *sql.Row) (domain.Instance, error) {
	var inst domain.Instance
	var worldNameHistID sql.NullInt64
	var startedAt string
	var endedAt sql.NullString
	var status string
	if err := row.Scan(&inst.ID, &inst.AccountID, &inst.WorldID, &worldNameHistID, &inst.ExtInstanceID, &startedAt, &endedAt, &status); err != nil {
		return domain.Instance{}, err
	}
	if worldNameHistID.Valid {
		id := worldNameHistID.Int64
		inst.WorldNameHistoryID = &id
	}
	started, err := parseTime(startedAt)
	if err != nil {
		return domain.Instance{}, err
	}
	inst.StartedAt = started
	if endedAt.Valid {
		ended, err := parseTime(endedAt.String)
		if err != nil {
			return domain.Instance{}, err
		}
		inst.EndedAt = &ended
	}
	st, _ := domain.ParseInstanceStatus(status)
	inst.Status = st
	return inst, nil
}

// SetInstanceWorldNameHistory links an Instance to the WorldNameHistory
// snapshot observed for it (spec §4.4's EnteringRoom handler).
func (tx *Tx) SetInstanceWorldNameHistory(instanceID, worldNameHistID int64) error {
	_, err := tx.tx.Exec(`UPDATE instances SET world_name_history_id = ? WHERE id = ?`, worldNameHistID, instanceID)
	return wrapErr("set_instance_world_name_history", err)
}

// EndInstance sets ended_at and, only if the instance's current status is
// still Active, transitions it to Completed. A CASE expression keeps a
// concurrent/earlier SyncFailed or Interrupted transition from being
// overwritten (spec §4.1). Returns the row as it stands after the update.
func (tx *Tx) EndInstance(instanceID int64, ts time.Time) (domain.Instance, error) {
	if _, err := tx.tx.Exec(`
		UPDATE instances SET
			ended_at = ?,
			status = CASE WHEN status = 'active' THEN 'completed' ELSE status END
		WHERE id = ?
	`, formatTime(ts), instanceID); err != nil {
		return domain.Instance{}, wrapErr("end_instance", err)
	}
	return tx.GetInstance(instanceID)
}

// UpdateInstanceStatus transitions an Instance to status, but only if it
// is still Active — terminal statuses never revert (spec §3 invariant 5).
func (tx *Tx) UpdateInstanceStatus(instanceID int64, status domain.InstanceStatus) error {
	_, err := tx.tx.Exec(`
		UPDATE instances SET
			status = CASE WHEN status = 'active' THEN ? ELSE status END
		WHERE id = ?
	`, status.String(), instanceID)
	return wrapErr("update_instance_status", err)
}

// GetLatestActiveInstance returns the most recent open Instance for
// account, if any.
func (tx *Tx) GetLatestActiveInstance(accountID int64) (domain.Instance, bool, error) {
	row := tx.tx.QueryRow(`
		SELECT id, account_id, world_id, world_name_history_id, ext_instance_id, started_at, ended_at, status
		FROM instances
		WHERE account_id = ? AND ended_at IS NULL
		ORDER BY started_at DESC LIMIT 1
	`, accountID)
	inst, err := scanInstanceRow(row)
	if err == sql.ErrNoRows {
		return domain.Instance{}, false, nil
	}
	if err != nil {
		return domain.Instance{}, false, wrapErr("get_latest_active_instance", err)
	}
	return inst, true, nil
}

// AddUserToInstance opens a new InstanceUser presence span.
func (tx *Tx) AddUserToInstance(instanceID, userID, userNameHistID int64, ts time.Time) (domain.InstanceUser, error) {
	res, err := tx.tx.Exec(`
		INSERT INTO instance_users (instance_id, user_id, user_name_history_id, joined_at)
		VALUES (?, ?, ?, ?)
	`, instanceID, userID, userNameHistID, formatTime(ts))
	if err != nil {
		return domain.InstanceUser{}, wrapErr("add_user_to_instance", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.InstanceUser{}, wrapErr("add_user_to_instance_id", err)
	}
	return domain.InstanceUser{
		ID:                id,
		InstanceID:        instanceID,
		UserID:            userID,
		UserNameHistoryID: userNameHistID,
		JoinedAt:          ts.UTC(),
	}, nil
}

// SetUserLeft closes a single InstanceUser span.
func (tx *Tx) SetUserLeft(instanceUserID int64, ts time.Time) error {
	_, err := tx.tx.Exec(`UPDATE instance_users SET left_at = ? WHERE id = ?`, formatTime(ts), instanceUserID)
	return wrapErr("set_user_left", err)
}

// SetAllUsersLeft bulk-closes every open InstanceUser span in instance
// (spec §4.4's local-user-leaving handler).
func (tx *Tx) SetAllUsersLeft(instanceID int64, ts time.Time) error {
	_, err := tx.tx.Exec(`
		UPDATE instance_users SET left_at = ? WHERE instance_id = ? AND left_at IS NULL
	`, formatTime(ts), instanceID)
	return wrapErr("set_all_users_left", err)
}

// RosterEntry pairs a User with the open InstanceUser span that presence
// is tracked through, as needed to restore the Processor's in-memory
// roster maps on startup (spec §4.4 step 5).
type RosterEntry struct {
	User         domain.User
	InstanceUser domain.InstanceUser
}

// GetActiveInstanceUsers lists every open InstanceUser span in instance,
// joined back to its User row.
func (tx *Tx) GetActiveInstanceUsers(instanceID int64) ([]RosterEntry, error) {
	rows, err := tx.tx.Query(`
		SELECT u.id, u.ext_user_id, u.display_name, u.is_local, u.first_seen_at, u.last_seen_at,
		       iu.id, iu.instance_id, iu.user_id, iu.user_name_history_id, iu.joined_at, iu.left_at
		FROM instance_users iu
		JOIN users u ON u.id = iu.user_id
		WHERE iu.instance_id = ? AND iu.left_at IS NULL
	`, instanceID)
	if err != nil {
		return nil, wrapErr("get_active_instance_users", err)
	}
	defer rows.Close()

	var out []RosterEntry
	for rows.Next() {
		var r RosterEntry
		var isLocal int
		var firstSeen, lastSeen, joinedAt string
		var leftAt sql.NullString
		if err := rows.Scan(
			&r.User.ID, &r.User.ExtUserID, &r.User.DisplayName, &isLocal, &firstSeen, &lastSeen,
			&r.InstanceUser.ID, &r.InstanceUser.InstanceID, &r.InstanceUser.UserID, &r.InstanceUser.UserNameHistoryID, &joinedAt, &leftAt,
		); err != nil {
			return nil, wrapErr("get_active_instance_users_scan", err)
		}
		r.User.IsLocal = isLocal != 0
		if r.User.FirstSeenAt, err = parseTime(firstSeen); err != nil {
			return nil, wrapErr("get_active_instance_users_parse", err)
		}
		if r.User.LastSeenAt, err = parseTime(lastSeen); err != nil {
			return nil, wrapErr("get_active_instance_users_parse", err)
		}
		if r.InstanceUser.JoinedAt, err = parseTime(joinedAt); err != nil {
			return nil, wrapErr("get_active_instance_users_parse", err)
		}
		if leftAt.Valid {
			lt, err := parseTime(leftAt.String)
			if err != nil {
				return nil, wrapErr("get_active_instance_users_parse", err)
			}
			r.InstanceUser.LeftAt = &lt
		}
		out = append(out, r)
	}
	return out, wrapErr("get_active_instance_users_rows", rows.Err())
}

// RecordAvatarHistory appends an avatar-change record. No uniqueness
// constraint is enforced (SPEC_FULL.md open question #2).
func (tx *Tx) RecordAvatarHistory(instanceID, userID, avatarID int64, ts time.Time) (domain.AvatarHistory, error) {
	res, err := tx.tx.Exec(`
		INSERT INTO avatar_history (instance_id, user_id, avatar_id, changed_at)
		VALUES (?, ?, ?, ?)
	`, instanceID, userID, avatarID, formatTime(ts))
	if err != nil {
		return domain.AvatarHistory{}, wrapErr("record_avatar_history", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.AvatarHistory{}, wrapErr("record_avatar_history_id", err)
	}
	return domain.AvatarHistory{ID: id, InstanceID: instanceID, UserID: userID, AvatarID: avatarID, ChangedAt: ts.UTC()}, nil
}

// RecordScreenshot appends a screenshot record.
func (tx *Tx) RecordScreenshot(instanceID int64, path string, ts time.Time) (domain.Screenshot, error) {
	res, err := tx.tx.Exec(`
		INSERT INTO screenshots (instance_id, file_path, taken_at)
		VALUES (?, ?, ?)
	`, instanceID, path, formatTime(ts))
	if err != nil {
		return domain.Screenshot{}, wrapErr("record_screenshot", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Screenshot{}, wrapErr("record_screenshot_id", err)
	}
	return domain.Screenshot{ID: id, InstanceID: instanceID, FilePath: path, TakenAt: ts.UTC()}, nil
}

// UpsertLogFile creates or touches tailer bookkeeping for path.
func (tx *Tx) UpsertLogFile(path string, size int64, modified time.Time) error {
	now := nowUTCString()
	_, err := tx.tx.Exec(`
		INSERT INTO log_files (path, last_observed_size, last_processed_offset, last_modified_at, last_processed_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			last_observed_size = excluded.last_observed_size,
			last_modified_at = excluded.last_modified_at,
			last_processed_at = excluded.last_processed_at
	`, path, size, formatTime(modified), now)
	return wrapErr("upsert_log_file", err)
}

// UpdateLogFileOffset persists the tailer's current offset for path.
func (tx *Tx) UpdateLogFileOffset(path string, offset int64) error {
	now := nowUTCString()
	_, err := tx.tx.Exec(`
		INSERT INTO log_files (path, last_observed_size, last_processed_offset, last_modified_at, last_processed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			last_processed_offset = excluded.last_processed_offset,
			last_observed_size = MAX(log_files.last_observed_size, excluded.last_observed_size),
			last_processed_at = excluded.last_processed_at
	`, path, offset, offset, now, now)
	return wrapErr("update_log_file_offset", err)
}

// GetLogFileOffset returns the persisted offset for path, if known.
func (tx *Tx) GetLogFileOffset(path string) (int64, bool, error) {
	var offset int64
	err := tx.tx.QueryRow(`SELECT last_processed_offset FROM log_files WHERE path = ?`, path).Scan(&offset)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapErr("get_log_file_offset", err)
	}
	return offset, true, nil
}

// ListLogFiles returns the persisted offset of every tracked file, used to
// restore the Tailer's in-memory offsets on startup. Each row is read back
// as a domain.LogFile before its offset is extracted, keeping the
// bookkeeping shape in one place even though only the offset is needed
// here.
func (tx *Tx) ListLogFiles() (map[string]int64, error) {
	rows, err := tx.tx.Query(`
		SELECT path, last_observed_size, last_processed_offset, last_modified_at, last_processed_at FROM log_files
	`)
	if err != nil {
		return nil, wrapErr("list_log_files", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var lf domain.LogFile
		var modified, processed string
		if err := rows.Scan(&lf.Path, &lf.LastObservedSize, &lf.LastProcessedOffset, &modified, &processed); err != nil {
			return nil, wrapErr("list_log_files_scan", err)
		}
		if lf.LastModifiedAt, err = parseTime(modified); err != nil {
			return nil, wrapErr("list_log_files_parse", err)
		}
		if lf.LastProcessedAt, err = parseTime(processed); err != nil {
			return nil, wrapErr("list_log_files_parse", err)
		}
		out[lf.Path] = lf.LastProcessedOffset
	}
	return out, wrapErr("list_log_files_rows", rows.Err())
}

// GetLatestAuthenticatedAccount returns the most recently authenticated
// Account, used by the Processor to restore its current-account cache on
// startup (spec §4.4 step 1).
func (tx *Tx) GetLatestAuthenticatedAccount() (domain.Account, bool, error) {
	var acct domain.Account
	var first, last string
	err := tx.tx.QueryRow(`
		SELECT id, user_id, ext_user_id, first_authenticated_at, last_authenticated_at
		FROM accounts ORDER BY last_authenticated_at DESC LIMIT 1
	`).Scan(&acct.ID, &acct.UserID, &acct.ExtUserID, &first, &last)
	if err == sql.ErrNoRows {
		return domain.Account{}, false, nil
	}
	if err != nil {
		return domain.Account{}, false, wrapErr("get_latest_authenticated_account", err)
	}
	if acct.FirstAuthenticatedAt, err = parseTime(first); err != nil {
		return domain.Account{}, false, wrapErr("get_latest_authenticated_account_parse", err)
	}
	if acct.LastAuthenticatedAt, err = parseTime(last); err != nil {
		return domain.Account{}, false, wrapErr("get_latest_authenticated_account_parse", err)
	}
	return acct, true, nil
}

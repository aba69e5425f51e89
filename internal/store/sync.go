package store

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// EntityType identifies the kind of object an entity mapping covers.
type EntityType string

const (
	EntityList      EntityType = "list"
	EntityListLabel EntityType = "list-label"
	EntityTask      EntityType = "task"
	EntityLabel     EntityType = "label"
)

// ValidEntityType reports whether t is a known entity type.
func ValidEntityType(t EntityType) bool {
	switch t {
	case EntityList, EntityListLabel, EntityTask, EntityLabel:
		return true
	}
	return false
}

// Due-date precision values carried on tasks and task mappings. Empty means
// no due date.
const (
	PrecisionDay   = "day"
	PrecisionWeek  = "week"
	PrecisionMonth = "month"
	PrecisionYear  = "year"
)

// SyncStatus is the state of a (user, provider) sync state machine.
type SyncStatus string

const (
	StatusIdle    SyncStatus = "idle"
	StatusSyncing SyncStatus = "syncing"
	StatusError   SyncStatus = "error"
)

// ConflictStatus is the lifecycle state of a sync conflict.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
)

// Resolution is the side chosen when resolving a conflict.
type Resolution string

const (
	ResolutionLocal  Resolution = "local"
	ResolutionRemote Resolution = "remote"
)

// sortableTimeLayout is RFC3339 with zero-padded nanoseconds, so string
// comparison inside SQL matches time order. Used for the sync_states.updated
// column, which the advisory-lock UPDATE compares against a cutoff.
const sortableTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Credential is a stored integration credential. The refresh triple is empty
// when the provider issued no refresh token.
type Credential struct {
	ID                string
	UserID            string
	Provider          string
	AccessCiphertext  string
	AccessIV          string
	AccessTag         string
	RefreshCiphertext string
	RefreshIV         string
	RefreshTag        string
	KeyID             string
	Created           time.Time
	Updated           time.Time
}

// Mapping is one entity-mapping row. LocalID nil means "explicitly mapped to
// nothing", which is distinct from no row existing at all. Task mappings
// additionally carry DuePrecision and LastSyncedAt sync bookkeeping.
type Mapping struct {
	ID           string
	UserID       string
	Provider     string
	EntityType   EntityType
	ExternalID   string
	LocalID      *string
	DuePrecision string
	LastSyncedAt *time.Time
	Created      time.Time
	Updated      time.Time
}

// SyncState is the per-(user, provider) sync state machine row.
type SyncState struct {
	ID           string
	UserID       string
	Provider     string
	Status       SyncStatus
	LastSyncedAt *time.Time
	LastError    string
	Updated      time.Time
}

// Conflict is a divergent-edit record awaiting explicit resolution.
type Conflict struct {
	ID         string
	UserID     string
	Provider   string
	EntityType EntityType
	LocalID    string
	ExternalID string
	Status     ConflictStatus
	Resolution Resolution
	Created    time.Time
	ResolvedAt *time.Time
}

// =============================================================================
// Integration Credentials
// =============================================================================

// GetCredential returns the credential for (user, provider), nil if none.
func (s *Store) GetCredential(ctx context.Context, userID, providerName string) (*Credential, error) {
	var c Credential
	var createdStr, updatedStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider, access_ciphertext, access_iv, access_tag,
			refresh_ciphertext, refresh_iv, refresh_tag, key_id, created, updated
		 FROM integration_credentials WHERE user_id = ? AND provider = ?`,
		userID, providerName,
	).Scan(
		&c.ID, &c.UserID, &c.Provider, &c.AccessCiphertext, &c.AccessIV, &c.AccessTag,
		&c.RefreshCiphertext, &c.RefreshIV, &c.RefreshTag, &c.KeyID, &createdStr, &updatedStr,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.Created, _ = time.Parse(time.RFC3339Nano, createdStr)
	c.Updated, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &c, nil
}

// UpsertCredential inserts or replaces the credential for (user, provider).
// The ciphertext/IV/tag/keyId columns change together in one statement, so
// rotation replaces them atomically.
func (s *Store) UpsertCredential(ctx context.Context, c *Credential) error {
	id := c.ID
	if id == "" {
		id = GenerateID()
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO integration_credentials
			(id, user_id, provider, access_ciphertext, access_iv, access_tag,
			 refresh_ciphertext, refresh_iv, refresh_tag, key_id, created, updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, provider) DO UPDATE SET
			access_ciphertext = excluded.access_ciphertext,
			access_iv = excluded.access_iv,
			access_tag = excluded.access_tag,
			refresh_ciphertext = excluded.refresh_ciphertext,
			refresh_iv = excluded.refresh_iv,
			refresh_tag = excluded.refresh_tag,
			key_id = excluded.key_id,
			updated = excluded.updated`,
		id, c.UserID, c.Provider, c.AccessCiphertext, c.AccessIV, c.AccessTag,
		c.RefreshCiphertext, c.RefreshIV, c.RefreshTag, c.KeyID, now, now,
	)
	return err
}

// ConnectedUsers returns the ids of all users holding a credential for the
// provider, in ascending order. The daemon syncs this set each sweep.
func (s *Store) ConnectedUsers(ctx context.Context, providerName string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM integration_credentials
		 WHERE provider = ? ORDER BY user_id ASC`, providerName)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteIntegration removes the credential for (user, provider) and cascades
// to all mapping, sync-state, and conflict rows for that scope.
func (s *Store) DeleteIntegration(ctx context.Context, userID, providerName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"integration_credentials", "entity_mappings", "sync_states", "sync_conflicts"} {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM "+table+" WHERE user_id = ? AND provider = ?", userID, providerName,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// =============================================================================
// Entity Mappings
// =============================================================================

const mappingColumns = `id, user_id, provider, entity_type, external_id, local_id,
	due_precision, last_synced_at, created, updated`

// GetMappings returns mapping rows for (user, provider), filtered by entity
// type unless entityType is empty.
func (s *Store) GetMappings(ctx context.Context, userID, providerName string, entityType EntityType) ([]Mapping, error) {
	query := "SELECT " + mappingColumns + " FROM entity_mappings WHERE user_id = ? AND provider = ?"
	args := []any{userID, providerName}
	if entityType != "" {
		query += " AND entity_type = ?"
		args = append(args, string(entityType))
	}
	query += " ORDER BY external_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var mappings []Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, *m)
	}

	if mappings == nil {
		mappings = []Mapping{}
	}
	return mappings, rows.Err()
}

// GetMapping returns the mapping row for an external id, nil if none.
func (s *Store) GetMapping(ctx context.Context, userID, providerName string, entityType EntityType, externalID string) (*Mapping, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+mappingColumns+" FROM entity_mappings WHERE user_id = ? AND provider = ? AND entity_type = ? AND external_id = ?",
		userID, providerName, string(entityType), externalID,
	)

	m, err := scanMapping(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// GetMappingByLocal returns the mapping row pointing at a local id, nil if none.
func (s *Store) GetMappingByLocal(ctx context.Context, userID, providerName string, entityType EntityType, localID string) (*Mapping, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+mappingColumns+" FROM entity_mappings WHERE user_id = ? AND provider = ? AND entity_type = ? AND local_id = ?",
		userID, providerName, string(entityType), localID,
	)

	m, err := scanMapping(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// UpsertMapping inserts or refreshes a single mapping row keyed by
// (user, provider, entityType, externalId).
func (s *Store) UpsertMapping(ctx context.Context, m *Mapping) error {
	id := m.ID
	if id == "" {
		id = GenerateID()
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entity_mappings
			(id, user_id, provider, entity_type, external_id, local_id, due_precision, last_synced_at, created, updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, provider, entity_type, external_id) DO UPDATE SET
			local_id = excluded.local_id,
			due_precision = excluded.due_precision,
			last_synced_at = excluded.last_synced_at,
			updated = excluded.updated`,
		id, m.UserID, m.Provider, string(m.EntityType), m.ExternalID, stringToNull(m.LocalID),
		m.DuePrecision, timeToNullString(m.LastSyncedAt), now, now,
	)
	return err
}

// ReplaceMappings replaces the full mapping set for (user, provider,
// entityType) in one transaction: rows absent from the new set are deleted,
// present rows are upserted keeping their created time and sync bookkeeping.
func (s *Store) ReplaceMappings(ctx context.Context, userID, providerName string, entityType EntityType, mappings []Mapping) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	if len(mappings) == 0 {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM entity_mappings WHERE user_id = ? AND provider = ? AND entity_type = ?",
			userID, providerName, string(entityType),
		); err != nil {
			return err
		}
		return tx.Commit()
	}

	placeholders := make([]string, len(mappings))
	args := []any{userID, providerName, string(entityType)}
	for i, m := range mappings {
		placeholders[i] = "?"
		args = append(args, m.ExternalID)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM entity_mappings WHERE user_id = ? AND provider = ? AND entity_type = ? AND external_id NOT IN ("+strings.Join(placeholders, ", ")+")",
		args...,
	); err != nil {
		return err
	}

	// Clear local ids first so re-pointing a local id from one external id
	// to another can't trip the partial unique index mid-set.
	if _, err := tx.ExecContext(ctx,
		"UPDATE entity_mappings SET local_id = NULL WHERE user_id = ? AND provider = ? AND entity_type = ?",
		userID, providerName, string(entityType),
	); err != nil {
		return err
	}

	for _, m := range mappings {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entity_mappings
				(id, user_id, provider, entity_type, external_id, local_id, due_precision, last_synced_at, created, updated)
			 VALUES (?, ?, ?, ?, ?, ?, '', NULL, ?, ?)
			 ON CONFLICT(user_id, provider, entity_type, external_id) DO UPDATE SET
				local_id = excluded.local_id,
				updated = excluded.updated`,
			GenerateID(), userID, providerName, string(entityType), m.ExternalID, stringToNull(m.LocalID), now, now,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// DeleteMapping removes a single mapping row.
func (s *Store) DeleteMapping(ctx context.Context, userID, providerName string, entityType EntityType, externalID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM entity_mappings WHERE user_id = ? AND provider = ? AND entity_type = ? AND external_id = ?",
		userID, providerName, string(entityType), externalID,
	)
	return err
}

func scanMapping(sc scanner) (*Mapping, error) {
	var m Mapping
	var entityType string
	var localID, lastSyncedStr sql.NullString
	var createdStr, updatedStr string

	err := sc.Scan(
		&m.ID, &m.UserID, &m.Provider, &entityType, &m.ExternalID, &localID,
		&m.DuePrecision, &lastSyncedStr, &createdStr, &updatedStr,
	)
	if err != nil {
		return nil, err
	}

	m.EntityType = EntityType(entityType)
	m.LocalID = nullToString(localID)
	m.LastSyncedAt = parseOptionalDate(lastSyncedStr)
	m.Created, _ = time.Parse(time.RFC3339Nano, createdStr)
	m.Updated, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &m, nil
}

// =============================================================================
// Sync State
// =============================================================================

// GetSyncState returns the sync state for (user, provider), nil if no pass
// has ever run.
func (s *Store) GetSyncState(ctx context.Context, userID, providerName string) (*SyncState, error) {
	var st SyncState
	var status string
	var lastSyncedStr sql.NullString
	var updatedStr string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, provider, status, last_synced_at, last_error, updated FROM sync_states WHERE user_id = ? AND provider = ?",
		userID, providerName,
	).Scan(&st.ID, &st.UserID, &st.Provider, &status, &lastSyncedStr, &st.LastError, &updatedStr)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	st.Status = SyncStatus(status)
	st.LastSyncedAt = parseOptionalDate(lastSyncedStr)
	st.Updated, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &st, nil
}

// TryBeginSync attempts to move the sync state to "syncing". It returns false
// when another pass is already syncing and its row is newer than staleBefore.
// A syncing row older than staleBefore is considered wedged and taken over.
// The guarded UPDATE is a single statement, so two concurrent callers can't
// both acquire.
func (s *Store) TryBeginSync(ctx context.Context, userID, providerName string, staleBefore time.Time) (bool, error) {
	now := time.Now().UTC().Format(sortableTimeLayout)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_states (id, user_id, provider, status, last_error, updated)
		 VALUES (?, ?, ?, 'idle', '', ?)
		 ON CONFLICT(user_id, provider) DO NOTHING`,
		GenerateID(), userID, providerName, now,
	)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_states SET status = 'syncing', updated = ?
		 WHERE user_id = ? AND provider = ? AND (status != 'syncing' OR updated < ?)`,
		now, userID, providerName, staleBefore.UTC().Format(sortableTimeLayout),
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// FinishSync moves the sync state out of "syncing". An empty errMsg records a
// successful pass (status idle, lastSyncedAt=now); otherwise status error
// with the message retained for display.
func (s *Store) FinishSync(ctx context.Context, userID, providerName, errMsg string) error {
	now := time.Now().UTC()
	nowStr := now.Format(sortableTimeLayout)

	if errMsg == "" {
		_, err := s.db.ExecContext(ctx,
			"UPDATE sync_states SET status = 'idle', last_synced_at = ?, last_error = '', updated = ? WHERE user_id = ? AND provider = ?",
			now.Format(time.RFC3339Nano), nowStr, userID, providerName,
		)
		return err
	}

	_, err := s.db.ExecContext(ctx,
		"UPDATE sync_states SET status = 'error', last_error = ?, updated = ? WHERE user_id = ? AND provider = ?",
		errMsg, nowStr, userID, providerName,
	)
	return err
}

// =============================================================================
// Sync Conflicts
// =============================================================================

const conflictColumns = `id, user_id, provider, entity_type, local_id, external_id,
	status, resolution, created, resolved_at`

// InsertConflict records a new pending conflict.
func (s *Store) InsertConflict(ctx context.Context, c *Conflict) (*Conflict, error) {
	id := c.ID
	if id == "" {
		id = GenerateID()
	}
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_conflicts (id, user_id, provider, entity_type, local_id, external_id, status, resolution, created)
		 VALUES (?, ?, ?, ?, ?, ?, 'pending', '', ?)`,
		id, c.UserID, c.Provider, string(c.EntityType), c.LocalID, c.ExternalID, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, err
	}

	inserted := *c
	inserted.ID = id
	inserted.Status = ConflictPending
	inserted.Created = now
	return &inserted, nil
}

// HasPendingConflict reports whether an identical pending conflict already
// exists, so a repeated pass doesn't duplicate it.
func (s *Store) HasPendingConflict(ctx context.Context, userID, providerName string, entityType EntityType, localID, externalID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_conflicts
		 WHERE user_id = ? AND provider = ? AND entity_type = ? AND local_id = ? AND external_id = ? AND status = 'pending'`,
		userID, providerName, string(entityType), localID, externalID,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListConflicts returns the user's conflicts ordered oldest first (newest
// last). Resolved conflicts are included only when includeResolved is set.
func (s *Store) ListConflicts(ctx context.Context, userID, providerName string, includeResolved bool) ([]Conflict, error) {
	query := "SELECT " + conflictColumns + " FROM sync_conflicts WHERE user_id = ? AND provider = ?"
	if !includeResolved {
		query += " AND status = 'pending'"
	}
	query += " ORDER BY created ASC"

	rows, err := s.db.QueryContext(ctx, query, userID, providerName)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var conflicts []Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, *c)
	}

	if conflicts == nil {
		conflicts = []Conflict{}
	}
	return conflicts, rows.Err()
}

// GetConflict returns a conflict by id scoped to the user, nil if none.
func (s *Store) GetConflict(ctx context.Context, userID, conflictID string) (*Conflict, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+conflictColumns+" FROM sync_conflicts WHERE user_id = ? AND id = ?",
		userID, conflictID,
	)

	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// MarkConflictResolved flips a pending conflict to resolved. Returns false
// when the conflict was not pending (already resolved), so a second resolve
// can't overwrite the first.
func (s *Store) MarkConflictResolved(ctx context.Context, conflictID string, resolution Resolution) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx,
		"UPDATE sync_conflicts SET status = 'resolved', resolution = ?, resolved_at = ? WHERE id = ? AND status = 'pending'",
		string(resolution), now, conflictID,
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func scanConflict(sc scanner) (*Conflict, error) {
	var c Conflict
	var entityType, status, resolution string
	var createdStr string
	var resolvedStr sql.NullString

	err := sc.Scan(
		&c.ID, &c.UserID, &c.Provider, &entityType, &c.LocalID, &c.ExternalID,
		&status, &resolution, &createdStr, &resolvedStr,
	)
	if err != nil {
		return nil, err
	}

	c.EntityType = EntityType(entityType)
	c.Status = ConflictStatus(status)
	c.Resolution = Resolution(resolution)
	c.Created, _ = time.Parse(time.RFC3339Nano, createdStr)
	c.ResolvedAt = parseOptionalDate(resolvedStr)
	return &c, nil
}

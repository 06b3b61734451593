// Package postgres is the replicated backend: the consent graph, invites
// and denylist live in PostgreSQL with row ownership enforced in every
// statement's WHERE clause, and signal rows live in Redis with native TTL.
// The application-level policy checks still run against this backend; the
// data tier is a second, independent enforcement layer.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"circles-server/internal/model"
	"circles-server/internal/store"
	"circles-server/internal/store/redisstore"
)

type Store struct {
	db *sql.DB
	*redisstore.SignalStore
}

func NewStore(db *sql.DB, rdb *redis.Client) *Store {
	return &Store{
		db:          db,
		SignalStore: redisstore.NewSignalStore(rdb),
	}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

func (s *Store) EnsureParticipant(ctx context.Context, id, displayHint string, nowMillis int64) (model.Participant, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO circle_participants (id, display_hint, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`,
		id, displayHint, nowMillis)
	if err != nil {
		return model.Participant{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Participant{}, false, err
	}
	created := n == 1
	if !created && displayHint != "" {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE circle_participants SET display_hint = $2
			WHERE id = $1 AND display_hint <> $2`, id, displayHint); err != nil {
			return model.Participant{}, false, err
		}
	}
	p, err := s.GetParticipant(ctx, id)
	if err != nil {
		return model.Participant{}, false, err
	}
	return p, created, nil
}

func (s *Store) GetParticipant(ctx context.Context, id string) (model.Participant, error) {
	var p model.Participant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_hint, created_at FROM circle_participants
		WHERE id = $1`, id).Scan(&p.ID, &p.DisplayHint, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return model.Participant{}, store.ErrNotFound
	}
	if err != nil {
		return model.Participant{}, err
	}
	return p, nil
}

func (s *Store) DeleteParticipant(ctx context.Context, id string) (int, error) {
	return s.execCount(ctx, `DELETE FROM circle_participants WHERE id = $1`, id)
}

func (s *Store) PutInvite(ctx context.Context, inv model.Invite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circle_invites (token, inviter_id, target_hint, expires_at, used, used_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (token) DO NOTHING`,
		inv.Token, inv.InviterID, inv.TargetHint, inv.ExpiresAt, inv.Used, inv.UsedBy, inv.CreatedAt)
	return err
}

func (s *Store) GetInvite(ctx context.Context, token string) (model.Invite, error) {
	var inv model.Invite
	err := s.db.QueryRowContext(ctx, `
		SELECT token, inviter_id, target_hint, expires_at, used, used_by, created_at
		FROM circle_invites WHERE token = $1`, token).Scan(
		&inv.Token, &inv.InviterID, &inv.TargetHint, &inv.ExpiresAt, &inv.Used, &inv.UsedBy, &inv.CreatedAt)
	if err == sql.ErrNoRows {
		return model.Invite{}, store.ErrNotFound
	}
	if err != nil {
		return model.Invite{}, err
	}
	return inv, nil
}

func (s *Store) MarkInviteUsed(ctx context.Context, token, usedBy string) error {
	n, err := s.execCount(ctx, `
		UPDATE circle_invites SET used = TRUE, used_by = $2
		WHERE token = $1 AND used = FALSE`, token, usedBy)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetInvite(ctx, token); errors.Is(err, store.ErrNotFound) {
		return store.ErrNotFound
	}
	return store.ErrInviteUsed
}

func (s *Store) DeleteInvite(ctx context.Context, token string) error {
	_, err := s.execCount(ctx, `DELETE FROM circle_invites WHERE token = $1`, token)
	return err
}

func (s *Store) ListInvitesByInviter(ctx context.Context, inviterID string) ([]model.Invite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, inviter_id, target_hint, expires_at, used, used_by, created_at
		FROM circle_invites WHERE inviter_id = $1
		ORDER BY created_at`, inviterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]model.Invite, 0)
	for rows.Next() {
		var inv model.Invite
		if err := rows.Scan(&inv.Token, &inv.InviterID, &inv.TargetHint, &inv.ExpiresAt, &inv.Used, &inv.UsedBy, &inv.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}

func (s *Store) DeleteExpiredInvites(ctx context.Context, nowMillis int64) (int, error) {
	return s.execCount(ctx, `DELETE FROM circle_invites WHERE expires_at < $1`, nowMillis)
}

func (s *Store) DeleteInvitesByInviter(ctx context.Context, inviterID string) (int, error) {
	return s.execCount(ctx, `DELETE FROM circle_invites WHERE inviter_id = $1`, inviterID)
}

func (s *Store) CreateConnectionPair(ctx context.Context, local, mirror model.Connection, maxPerSide int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Count and insert stay inside one transaction; the unique pair index
	// catches concurrent accepts for the same pair.
	for _, side := range []string{local.LocalParticipantID, mirror.LocalParticipantID} {
		var n int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM circle_connections
			WHERE local_participant_id = $1`, side).Scan(&n); err != nil {
			return err
		}
		if n >= maxPerSide {
			return store.ErrCapExceeded
		}
	}

	for _, c := range []model.Connection{local, mirror} {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO circle_connections
				(id, local_participant_id, remote_participant_id, remote_display_hint,
				 status, status_changed_at, initiated_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			c.ID, c.LocalParticipantID, c.RemoteParticipantID, c.RemoteDisplayHint,
			string(c.Status), c.StatusChangedAt, string(c.InitiatedBy), c.CreatedAt)
		if isUniqueViolation(err) {
			return store.ErrPairExists
		}
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func connectionColumns() string {
	return `id, local_participant_id, remote_participant_id, remote_display_hint,
		status, status_changed_at, initiated_by, created_at`
}

func scanConnection(row interface{ Scan(...any) error }) (model.Connection, error) {
	var c model.Connection
	var status, initiatedBy string
	err := row.Scan(&c.ID, &c.LocalParticipantID, &c.RemoteParticipantID, &c.RemoteDisplayHint,
		&status, &c.StatusChangedAt, &initiatedBy, &c.CreatedAt)
	if err != nil {
		return model.Connection{}, err
	}
	c.Status = model.ConnectionStatus(status)
	c.InitiatedBy = model.InitiatedBy(initiatedBy)
	return c, nil
}

func (s *Store) GetConnection(ctx context.Context, id string) (model.Connection, error) {
	c, err := scanConnection(s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM circle_connections WHERE id = $1`, connectionColumns()), id))
	if err == sql.ErrNoRows {
		return model.Connection{}, store.ErrNotFound
	}
	return c, err
}

func (s *Store) FindConnectionByPeer(ctx context.Context, localID, remoteID string) (model.Connection, error) {
	c, err := scanConnection(s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM circle_connections
			WHERE local_participant_id = $1 AND remote_participant_id = $2`, connectionColumns()),
		localID, remoteID))
	if err == sql.ErrNoRows {
		return model.Connection{}, store.ErrNotFound
	}
	return c, err
}

func (s *Store) ListConnections(ctx context.Context, localID string) ([]model.Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM circle_connections
			WHERE local_participant_id = $1
			ORDER BY created_at, id`, connectionColumns()), localID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]model.Connection, 0)
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *Store) SetPairStatus(ctx context.Context, localID, remoteID string, localStatus, mirrorStatus model.ConnectionStatus, nowMillis int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE circle_connections SET status = $3, status_changed_at = $4
		WHERE local_participant_id = $1 AND remote_participant_id = $2`,
		localID, remoteID, string(localStatus), nowMillis)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}

	// The mirror may be gone if the peer wiped; that is not an error.
	if _, err := tx.ExecContext(ctx, `
		UPDATE circle_connections SET status = $3, status_changed_at = $4
		WHERE local_participant_id = $1 AND remote_participant_id = $2`,
		remoteID, localID, string(mirrorStatus), nowMillis); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) DeleteConnectionsFor(ctx context.Context, participantID string) (int, error) {
	return s.execCount(ctx, `
		DELETE FROM circle_connections
		WHERE local_participant_id = $1 OR remote_participant_id = $1`, participantID)
}

func (s *Store) AddBlock(ctx context.Context, ownerID, blockedID string, nowMillis int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circle_blocks (owner_id, blocked_id, blocked_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, blocked_id) DO NOTHING`,
		ownerID, blockedID, nowMillis)
	return err
}

func (s *Store) RemoveBlock(ctx context.Context, ownerID, blockedID string) error {
	_, err := s.execCount(ctx, `
		DELETE FROM circle_blocks WHERE owner_id = $1 AND blocked_id = $2`, ownerID, blockedID)
	return err
}

func (s *Store) IsBlocked(ctx context.Context, ownerID, blockedID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM circle_blocks WHERE owner_id = $1 AND blocked_id = $2`,
		ownerID, blockedID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ListBlocks(ctx context.Context, ownerID string) ([]model.BlockedUser, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT blocked_id, blocked_at FROM circle_blocks
		WHERE owner_id = $1 ORDER BY blocked_id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]model.BlockedUser, 0)
	for rows.Next() {
		var b model.BlockedUser
		if err := rows.Scan(&b.BlockedParticipantID, &b.BlockedAt); err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (s *Store) DeleteBlocksFor(ctx context.Context, ownerID string) (int, error) {
	return s.execCount(ctx, `DELETE FROM circle_blocks WHERE owner_id = $1`, ownerID)
}

func (s *Store) execCount(ctx context.Context, query string, args ...any) (int, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

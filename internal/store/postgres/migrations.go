package postgres

// Migrate creates the consent-graph tables. All timestamps are Unix
// milliseconds (BIGINT) to match the wire format.
func (s *Store) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS circle_participants (
			id VARCHAR(255) PRIMARY KEY,
			display_hint VARCHAR(255) NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS circle_invites (
			token VARCHAR(64) PRIMARY KEY,
			inviter_id VARCHAR(255) NOT NULL,
			target_hint VARCHAR(255) NOT NULL DEFAULT '',
			expires_at BIGINT NOT NULL,
			used BOOLEAN NOT NULL DEFAULT FALSE,
			used_by VARCHAR(255) NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_circle_invites_inviter
		ON circle_invites(inviter_id)`,

		// One row per direction; the unique pair constraint is what turns a
		// concurrent double-accept into ErrPairExists.
		`CREATE TABLE IF NOT EXISTS circle_connections (
			id VARCHAR(64) PRIMARY KEY,
			local_participant_id VARCHAR(255) NOT NULL,
			remote_participant_id VARCHAR(255) NOT NULL,
			remote_display_hint VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL CHECK (status IN ('pending', 'active', 'revoked', 'blocked')),
			status_changed_at BIGINT NOT NULL,
			initiated_by VARCHAR(8) NOT NULL CHECK (initiated_by IN ('local', 'remote')),
			created_at BIGINT NOT NULL,
			CONSTRAINT unique_connection_pair UNIQUE (local_participant_id, remote_participant_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_circle_connections_local
		ON circle_connections(local_participant_id)`,

		`CREATE TABLE IF NOT EXISTS circle_blocks (
			owner_id VARCHAR(255) NOT NULL,
			blocked_id VARCHAR(255) NOT NULL,
			blocked_at BIGINT NOT NULL,
			PRIMARY KEY (owner_id, blocked_id)
		)`,

		// Note: signal rows live in Redis with native TTL expiry.
		// No PostgreSQL table for signals.
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}

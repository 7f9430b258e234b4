package database

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Up      string
	Down    string
}

// Migrations contains all database migrations
var Migrations = []Migration{
	{
		Version: 1,
		Up: `
			CREATE EXTENSION IF NOT EXISTS "uuid-ossp";

			CREATE TABLE IF NOT EXISTS users (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				email VARCHAR(255) UNIQUE NOT NULL,
				display_name VARCHAR(255) NOT NULL,
				avatar_url TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
		`,
		Down: `
			DROP TABLE IF EXISTS users;
		`,
	},
	{
		Version: 2,
		Up: `
			CREATE TABLE IF NOT EXISTS conversations (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				type VARCHAR(16) NOT NULL CHECK (type IN ('direct', 'group')),
				name VARCHAR(100),
				description TEXT,
				avatar_url TEXT,
				owner_id UUID REFERENCES users(id),
				direct_key VARCHAR(80),
				conversation_key TEXT NOT NULL,
				encryption_enabled BOOLEAN NOT NULL DEFAULT TRUE,
				last_message_id UUID,
				last_message_at TIMESTAMPTZ,
				message_count INTEGER NOT NULL DEFAULT 0,
				archived_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			-- One direct conversation per unordered user pair; closes the
			-- check-then-insert race on concurrent direct creates.
			CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_direct_key
				ON conversations(direct_key) WHERE type = 'direct';

			CREATE INDEX IF NOT EXISTS idx_conversations_last_message_at
				ON conversations(last_message_at DESC);
		`,
		Down: `
			DROP TABLE IF EXISTS conversations;
		`,
	},
	{
		Version: 3,
		Up: `
			CREATE TABLE IF NOT EXISTS conversation_participants (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
				user_id UUID NOT NULL REFERENCES users(id),
				role VARCHAR(16) NOT NULL DEFAULT 'member' CHECK (role IN ('owner', 'admin', 'member')),
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				left_at TIMESTAMPTZ,
				unread_count INTEGER NOT NULL DEFAULT 0,
				last_read_at TIMESTAMPTZ,
				muted BOOLEAN NOT NULL DEFAULT FALSE,
				muted_until TIMESTAMPTZ,
				UNIQUE (conversation_id, user_id)
			);

			CREATE INDEX IF NOT EXISTS idx_participants_user
				ON conversation_participants(user_id) WHERE is_active;
		`,
		Down: `
			DROP TABLE IF EXISTS conversation_participants;
		`,
	},
	{
		Version: 4,
		Up: `
			CREATE TABLE IF NOT EXISTS messages (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
				sender_id UUID NOT NULL REFERENCES users(id),
				encrypted_content TEXT NOT NULL,
				content_hash VARCHAR(64) NOT NULL,
				message_type VARCHAR(16) NOT NULL DEFAULT 'text'
					CHECK (message_type IN ('text', 'image', 'video', 'audio', 'file', 'system')),
				reply_to_id UUID REFERENCES messages(id),
				attachments JSONB NOT NULL DEFAULT '[]',
				is_edited BOOLEAN NOT NULL DEFAULT FALSE,
				edited_at TIMESTAMPTZ,
				deleted_at TIMESTAMPTZ,
				deleted_by UUID REFERENCES users(id),
				is_pinned BOOLEAN NOT NULL DEFAULT FALSE,
				pinned_at TIMESTAMPTZ,
				pinned_by UUID REFERENCES users(id),
				forwarded_from_id UUID,
				reactions_count INTEGER NOT NULL DEFAULT 0,
				read_count INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
				ON messages(conversation_id, created_at DESC);
			CREATE INDEX IF NOT EXISTS idx_messages_content_hash
				ON messages(content_hash);
			CREATE INDEX IF NOT EXISTS idx_messages_pinned
				ON messages(conversation_id) WHERE is_pinned;
		`,
		Down: `
			DROP TABLE IF EXISTS messages;
		`,
	},
	{
		Version: 5,
		Up: `
			CREATE TABLE IF NOT EXISTS message_reactions (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
				user_id UUID NOT NULL REFERENCES users(id),
				emoji VARCHAR(32) NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (message_id, user_id, emoji)
			);

			CREATE TABLE IF NOT EXISTS message_reads (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
				user_id UUID NOT NULL REFERENCES users(id),
				read_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (message_id, user_id)
			);

			CREATE TABLE IF NOT EXISTS message_deletions (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
				user_id UUID NOT NULL REFERENCES users(id),
				deleted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (message_id, user_id)
			);
		`,
		Down: `
			DROP TABLE IF EXISTS message_deletions;
			DROP TABLE IF EXISTS message_reads;
			DROP TABLE IF EXISTS message_reactions;
		`,
	},
}

// RunMigrations applies all pending migrations in order
func RunMigrations(db *sql.DB) error {
	if err := ensureMigrationsTable(db); err != nil {
		return err
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}

	migrations := make([]Migration, len(Migrations))
	copy(migrations, Migrations)
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// RollbackMigration reverts the most recently applied migration
func RollbackMigration(db *sql.DB) error {
	if err := ensureMigrationsTable(db); err != nil {
		return err
	}

	var version int
	err := db.QueryRow(`SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no migrations to roll back")
	}
	if err != nil {
		return fmt.Errorf("failed to read migration state: %w", err)
	}

	for _, m := range Migrations {
		if m.Version != version {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin rollback %d: %w", version, err)
		}
		if _, err := tx.Exec(m.Down); err != nil {
			tx.Rollback()
			return fmt.Errorf("rollback %d failed: %w", version, err)
		}
		if _, err := tx.Exec(`DELETE FROM schema_migrations WHERE version = $1`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record rollback %d: %w", version, err)
		}
		return tx.Commit()
	}

	return fmt.Errorf("migration %d not found", version)
}

// MigrationStatus returns applied and pending versions
func MigrationStatus(db *sql.DB) (applied []int, pending []int, err error) {
	if err := ensureMigrationsTable(db); err != nil {
		return nil, nil, err
	}

	appliedSet, err := appliedVersions(db)
	if err != nil {
		return nil, nil, err
	}

	for _, m := range Migrations {
		if appliedSet[m.Version] {
			applied = append(applied, m.Version)
		} else {
			pending = append(pending, m.Version)
		}
	}
	sort.Ints(applied)
	sort.Ints(pending)
	return applied, pending, nil
}

func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func appliedVersions(db *sql.DB) (map[int]bool, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[v] = true
	}
	return applied, nil
}

package db

import (
	"context"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all registry migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users and user_tokens tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					username TEXT NOT NULL UNIQUE,
					email TEXT NOT NULL UNIQUE,
					password_hash TEXT NOT NULL,
					is_active BOOLEAN NOT NULL DEFAULT 1,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE TABLE IF NOT EXISTS user_tokens (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					token TEXT NOT NULL UNIQUE,
					token_type TEXT NOT NULL DEFAULT 'auth' CHECK (token_type IN ('auth', 'publish')),
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					expires_at TIMESTAMP,
					is_active BOOLEAN NOT NULL DEFAULT 1
				);

				CREATE INDEX idx_user_tokens_user_id ON user_tokens(user_id);
				CREATE INDEX idx_user_tokens_token ON user_tokens(token);
			`,
		},
		{
			Version:     2,
			Description: "Create organizations and organization_members tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS organizations (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL UNIQUE,
					display_name TEXT,
					description TEXT,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE TABLE IF NOT EXISTS organization_members (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					organization_id INTEGER NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					role TEXT NOT NULL DEFAULT 'member' CHECK (role IN ('member', 'admin', 'owner')),
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					UNIQUE(user_id, organization_id)
				);

				CREATE INDEX idx_org_members_user_id ON organization_members(user_id);
				CREATE INDEX idx_org_members_org_id ON organization_members(organization_id);
			`,
		},
		{
			Version:     3,
			Description: "Create packages, package_versions and package_files tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS packages (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL UNIQUE,
					description TEXT,
					author_id INTEGER REFERENCES users(id) ON DELETE SET NULL,
					homepage TEXT,
					repository_url TEXT,
					license TEXT,
					keywords TEXT,
					organization_id INTEGER REFERENCES organizations(id) ON DELETE SET NULL,
					is_private BOOLEAN NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX idx_packages_name ON packages(name);
				CREATE INDEX idx_packages_organization_id ON packages(organization_id);

				CREATE TABLE IF NOT EXISTS package_versions (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					package_id INTEGER NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
					version TEXT NOT NULL,
					description TEXT,
					main_file TEXT,
					scripts TEXT,
					dependencies TEXT,
					dev_dependencies TEXT,
					peer_dependencies TEXT,
					engines TEXT,
					shasum TEXT,
					readme TEXT,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					UNIQUE(package_id, version)
				);

				CREATE INDEX idx_package_versions_package_id ON package_versions(package_id);

				CREATE TABLE IF NOT EXISTS package_files (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					package_version_id INTEGER NOT NULL REFERENCES package_versions(id) ON DELETE CASCADE,
					filename TEXT NOT NULL,
					size_bytes INTEGER NOT NULL DEFAULT 0,
					content_type TEXT,
					etag TEXT,
					upstream_url TEXT NOT NULL,
					file_path TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					last_accessed TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					access_count INTEGER NOT NULL DEFAULT 0,
					UNIQUE(package_version_id, filename)
				);

				CREATE INDEX idx_package_files_version_id ON package_files(package_version_id);
			`,
		},
		{
			Version:     4,
			Description: "Create package_owners and package_tags tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS package_owners (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					package_name TEXT NOT NULL,
					user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					permission_level TEXT NOT NULL DEFAULT 'read' CHECK (permission_level IN ('read', 'write', 'admin')),
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					UNIQUE(package_name, user_id)
				);

				CREATE INDEX idx_package_owners_package_name ON package_owners(package_name);
				CREATE INDEX idx_package_owners_user_id ON package_owners(user_id);

				CREATE TABLE IF NOT EXISTS package_tags (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					package_name TEXT NOT NULL,
					tag_name TEXT NOT NULL,
					version TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					UNIQUE(package_name, tag_name)
				);

				CREATE INDEX idx_package_tags_package_name ON package_tags(package_name);
			`,
		},
		{
			Version:     5,
			Description: "Create metadata_cache and cache_stats tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS metadata_cache (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					package_name TEXT NOT NULL UNIQUE,
					size_bytes INTEGER NOT NULL DEFAULT 0,
					file_path TEXT NOT NULL,
					etag TEXT,
					has_local_overlay BOOLEAN NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					last_accessed TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					access_count INTEGER NOT NULL DEFAULT 0
				);

				CREATE INDEX idx_metadata_cache_package_name ON metadata_cache(package_name);

				CREATE TABLE IF NOT EXISTS cache_stats (
					id INTEGER PRIMARY KEY CHECK (id = 1),
					hit_count INTEGER NOT NULL DEFAULT 0,
					miss_count INTEGER NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func (s *Store) RunMigrations(ctx context.Context) error {
	// Create migration tracking table
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get applied migrations
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	// Run pending migrations
	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		s.logger.Infof("Running migration %d: %s", migration.Version, migration.Description)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

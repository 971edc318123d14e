package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clef/pkg/observability"
)

// Test helper to create a store backed by a mock connection
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := &Store{
		db:     db,
		logger: observability.NewLogger(observability.ErrorLevel, os.Stderr),
	}
	return store, mock, db
}

func TestGetPackageByName(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	t.Run("found", func(t *testing.T) {
		now := time.Now()
		desc := "left pad a string"
		rows := sqlmock.NewRows([]string{
			"id", "name", "description", "author_id", "homepage", "repository_url",
			"license", "keywords", "organization_id", "is_private", "created_at", "updated_at",
		}).AddRow(1, "left-pad", desc, nil, nil, nil, "MIT", nil, nil, false, now, now)

		mock.ExpectQuery(`SELECT .+ FROM packages WHERE name = \?`).
			WithArgs("left-pad").
			WillReturnRows(rows)

		pkg, err := store.GetPackageByName(context.Background(), "left-pad")
		require.NoError(t, err)
		assert.Equal(t, int64(1), pkg.ID)
		assert.Equal(t, "left-pad", pkg.Name)
		require.NotNil(t, pkg.Description)
		assert.Equal(t, desc, *pkg.Description)
		assert.False(t, pkg.IsPrivate)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery(`SELECT .+ FROM packages WHERE name = \?`).
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		pkg, err := store.GetPackageByName(context.Background(), "missing")
		require.Error(t, err)
		assert.Nil(t, pkg)
		assert.True(t, IsNotFound(err))

		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPackagePublished(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	t.Run("published", func(t *testing.T) {
		mock.ExpectQuery(`SELECT COUNT\(\*\)\s+FROM packages\s+WHERE name = \? AND author_id IS NOT NULL`).
			WithArgs("@acme/widgets").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		published, err := store.PackagePublished(context.Background(), "@acme/widgets")
		require.NoError(t, err)
		assert.True(t, published)
	})

	t.Run("upstream mirror only", func(t *testing.T) {
		mock.ExpectQuery(`SELECT COUNT\(\*\)\s+FROM packages\s+WHERE name = \? AND author_id IS NOT NULL`).
			WithArgs("lodash").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		published, err := store.PackagePublished(context.Background(), "lodash")
		require.NoError(t, err)
		assert.False(t, published)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCanPublish(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	t.Run("unclaimed package", func(t *testing.T) {
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM package_owners WHERE package_name = \?`).
			WithArgs("brand-new").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		ok, err := store.CanPublish(context.Background(), "brand-new", 7)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("owned package, read-only user", func(t *testing.T) {
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM package_owners WHERE package_name = \?`).
			WithArgs("claimed").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
		mock.ExpectQuery(`SELECT permission_level FROM package_owners`).
			WithArgs("claimed", int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"permission_level"}).AddRow(PermissionRead))

		ok, err := store.CanPublish(context.Background(), "claimed", 7)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("owned package, writer", func(t *testing.T) {
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM package_owners WHERE package_name = \?`).
			WithArgs("claimed").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectQuery(`SELECT permission_level FROM package_owners`).
			WithArgs("claimed", int64(8)).
			WillReturnRows(sqlmock.NewRows([]string{"permission_level"}).AddRow(PermissionWrite))

		ok, err := store.CanPublish(context.Background(), "claimed", 8)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("non-owner of owned package", func(t *testing.T) {
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM package_owners WHERE package_name = \?`).
			WithArgs("claimed").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectQuery(`SELECT permission_level FROM package_owners`).
			WithArgs("claimed", int64(9)).
			WillReturnError(sql.ErrNoRows)

		ok, err := store.CanPublish(context.Background(), "claimed", 9)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveToken(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	t.Run("valid token", func(t *testing.T) {
		now := time.Now()
		rows := sqlmock.NewRows([]string{
			"id", "user_id", "token", "token_type", "created_at", "expires_at", "is_active",
		}).AddRow(1, 42, "npm_abc123", TokenTypeAuth, now, nil, true)

		mock.ExpectQuery(`SELECT .+ FROM user_tokens\s+WHERE token = \?`).
			WithArgs("npm_abc123").
			WillReturnRows(rows)

		token, err := store.GetActiveToken(context.Background(), "npm_abc123")
		require.NoError(t, err)
		assert.Equal(t, int64(42), token.UserID)
		assert.Equal(t, TokenTypeAuth, token.TokenType)
		assert.Nil(t, token.ExpiresAt)
	})

	t.Run("revoked or expired token", func(t *testing.T) {
		mock.ExpectQuery(`SELECT .+ FROM user_tokens\s+WHERE token = \?`).
			WithArgs("npm_dead").
			WillReturnError(sql.ErrNoRows)

		token, err := store.GetActiveToken(context.Background(), "npm_dead")
		require.Error(t, err)
		assert.Nil(t, token)
		assert.True(t, IsNotFound(err))
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeToken(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	t.Run("active token revoked", func(t *testing.T) {
		mock.ExpectExec(`UPDATE user_tokens SET is_active = 0 WHERE token = \? AND is_active = 1`).
			WithArgs("npm_abc123").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.RevokeToken(context.Background(), "npm_abc123"))
	})

	t.Run("unknown token", func(t *testing.T) {
		mock.ExpectExec(`UPDATE user_tokens SET is_active = 0 WHERE token = \? AND is_active = 1`).
			WithArgs("npm_nope").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.RevokeToken(context.Background(), "npm_nope")
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveMemberLastOwner(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT id, user_id, organization_id, role, created_at\s+FROM organization_members`).
		WithArgs(int64(1), int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "organization_id", "role", "created_at"}).
			AddRow(1, 10, 1, RoleOwner, now))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM organization_members WHERE organization_id = \? AND role = \?`).
		WithArgs(int64(1), RoleOwner).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err := store.RemoveMember(context.Background(), 1, 10)
	require.Error(t, err)
	assert.True(t, IsCheckViolation(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckPermission(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	t.Run("admin suffices for member requirement", func(t *testing.T) {
		mock.ExpectQuery(`SELECT role FROM organization_members`).
			WithArgs(int64(1), int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow(RoleAdmin))

		ok, err := store.CheckPermission(context.Background(), 1, 5, RoleMember)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("member cannot act as owner", func(t *testing.T) {
		mock.ExpectQuery(`SELECT role FROM organization_members`).
			WithArgs(int64(1), int64(6)).
			WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow(RoleMember))

		ok, err := store.CheckPermission(context.Background(), 1, 6, RoleOwner)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("non-member has no role", func(t *testing.T) {
		mock.ExpectQuery(`SELECT role FROM organization_members`).
			WithArgs(int64(1), int64(7)).
			WillReturnError(sql.ErrNoRows)

		ok, err := store.CheckPermission(context.Background(), 1, 7, RoleMember)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertTag(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectExec(`INSERT INTO package_tags`).
		WithArgs("widgets", "latest", "2.0.0").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT id, package_name, tag_name, version, created_at, updated_at\s+FROM package_tags`).
		WithArgs("widgets", "latest").
		WillReturnRows(sqlmock.NewRows([]string{"id", "package_name", "tag_name", "version", "created_at", "updated_at"}).
			AddRow(1, "widgets", "latest", "2.0.0", now, now))

	tag, err := store.UpsertTag(context.Background(), "widgets", "latest", "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", tag.Version)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCacheStatsCreatesSingleton(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectExec(`INSERT INTO cache_stats \(id\) VALUES \(1\) ON CONFLICT\(id\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT id, hit_count, miss_count, created_at, updated_at FROM cache_stats WHERE id = 1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "hit_count", "miss_count", "created_at", "updated_at"}).
			AddRow(1, 120, 30, now, now))

	stats, err := store.GetCacheStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(120), stats.HitCount)
	assert.Equal(t, int64(30), stats.MissCount)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePackageMetadataNothingToDo(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	// All-nil update short-circuits without touching the database.
	require.NoError(t, store.UpdatePackageMetadata(context.Background(), 1, nil, nil, nil, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPackagesValidation(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM packages`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	// Hostile sort inputs fall back to created_at DESC.
	mock.ExpectQuery(`SELECT .+ FROM packages\s+ORDER BY created_at DESC LIMIT \? OFFSET \?`).
		WithArgs(50, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "description", "author_id", "homepage", "repository_url",
			"license", "keywords", "organization_id", "is_private", "created_at", "updated_at",
		}).AddRow(1, "a", nil, nil, nil, nil, nil, nil, nil, false, now, now))

	packages, total, err := store.ListPackages(context.Background(), ListOptions{
		Limit:     -5,
		Offset:    -1,
		SortBy:    "name; DROP TABLE packages",
		SortOrder: "sideways",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, packages, 1)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPackagesExplicitSort(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM packages`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT .+ FROM packages\s+ORDER BY id ASC LIMIT \? OFFSET \?`).
		WithArgs(50, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "description", "author_id", "homepage", "repository_url",
			"license", "keywords", "organization_id", "is_private", "created_at", "updated_at",
		}).AddRow(1, "a", nil, nil, nil, nil, nil, nil, nil, false, now, now))

	_, _, err := store.ListPackages(context.Background(), ListOptions{
		SortBy:    "id",
		SortOrder: "asc",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPopularPackagesAggregates(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT .+SUM\(f\.access_count\).+COUNT\(DISTINCT v\.id\).+SUM\(f\.size_bytes\).+FROM packages p`).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "description", "author_id", "homepage", "repository_url",
			"license", "keywords", "organization_id", "is_private", "created_at", "updated_at",
			"downloads", "version_count", "total_size_bytes",
		}).
			AddRow(1, "left-pad", nil, nil, nil, nil, nil, nil, nil, false, now, now, 900, 3, 12288).
			AddRow(2, "lodash", nil, nil, nil, nil, nil, nil, nil, false, now, now, 40, 1, 2048))

	popular, err := store.GetPopularPackages(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, popular, 2)
	assert.Equal(t, "left-pad", popular[0].Package.Name)
	assert.Equal(t, int64(900), popular[0].Downloads)
	assert.Equal(t, int64(3), popular[0].VersionCount)
	assert.Equal(t, int64(12288), popular[0].TotalSizeBytes)
	assert.Equal(t, int64(1), popular[1].VersionCount)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExtractOrganizationName(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"@acme/widgets", "acme"},
		{"@acme/deep/path", "acme"},
		{"lodash", ""},
		{"@loneskope", ""},
		{"", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.expected, ExtractOrganizationName(tc.name), tc.name)
	}
}

func TestRoleOrdering(t *testing.T) {
	assert.True(t, RoleAtLeast(RoleOwner, RoleMember))
	assert.True(t, RoleAtLeast(RoleAdmin, RoleAdmin))
	assert.False(t, RoleAtLeast(RoleMember, RoleAdmin))
	assert.False(t, RoleAtLeast("stranger", RoleMember))
	assert.False(t, RoleAtLeast("", ""))
}

func TestExtractVersionMetadata(t *testing.T) {
	doc := json.RawMessage(`{
		"name": "widgets",
		"version": "1.0.0",
		"description": "widget factory",
		"main": "index.js",
		"scripts": {"test": "jest"},
		"dependencies": {"lodash": "^4.17.21"},
		"engines": {"node": ">=18"},
		"readme": "# widgets",
		"dist": {"shasum": "deadbeef"}
	}`)

	meta := ExtractVersionMetadata(doc)
	require.NotNil(t, meta.Description)
	assert.Equal(t, "widget factory", *meta.Description)
	require.NotNil(t, meta.MainFile)
	assert.Equal(t, "index.js", *meta.MainFile)
	require.NotNil(t, meta.Dependencies)
	assert.JSONEq(t, `{"lodash": "^4.17.21"}`, *meta.Dependencies)
	require.NotNil(t, meta.Shasum)
	assert.Equal(t, "deadbeef", *meta.Shasum)
	require.NotNil(t, meta.Readme)
	assert.Equal(t, "# widgets", *meta.Readme)
	assert.Nil(t, meta.DevDependencies)
	assert.Nil(t, meta.PeerDependencies)

	t.Run("garbage input", func(t *testing.T) {
		meta := ExtractVersionMetadata(json.RawMessage(`not json`))
		assert.Nil(t, meta.Description)
		assert.Nil(t, meta.Shasum)
	})

	t.Run("nil input", func(t *testing.T) {
		meta := ExtractVersionMetadata(nil)
		assert.Nil(t, meta.Description)
	})
}

func TestTranslateError(t *testing.T) {
	t.Run("no rows", func(t *testing.T) {
		err := translateError(sql.ErrNoRows, "lookup")
		assert.True(t, IsNotFound(err))
		assert.Contains(t, err.Error(), "lookup")
	})

	t.Run("nil passthrough", func(t *testing.T) {
		assert.NoError(t, translateError(nil, "lookup"))
	})

	t.Run("unknown error keeps chain", func(t *testing.T) {
		base := fmt.Errorf("disk on fire")
		err := translateError(base, "write")
		require.Error(t, err)
		assert.False(t, IsNotFound(err))
		assert.Contains(t, err.Error(), "disk on fire")
	})
}

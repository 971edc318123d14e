package db

import "time"

// Package is a row in the packages table. Upstream-mirrored packages have no
// author; locally published ones carry the publishing user.
type Package struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Description    *string    `json:"description,omitempty"`
	AuthorID       *int64     `json:"author_id,omitempty"`
	Homepage       *string    `json:"homepage,omitempty"`
	RepositoryURL  *string    `json:"repository_url,omitempty"`
	License        *string    `json:"license,omitempty"`
	Keywords       *string    `json:"keywords,omitempty"`
	OrganizationID *int64     `json:"organization_id,omitempty"`
	IsPrivate      bool       `json:"is_private"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// PackageVersion is a row in the package_versions table. Complex manifest
// fields are stored as serialized JSON strings.
type PackageVersion struct {
	ID               int64     `json:"id"`
	PackageID        int64     `json:"package_id"`
	Version          string    `json:"version"`
	Description      *string   `json:"description,omitempty"`
	MainFile         *string   `json:"main_file,omitempty"`
	Scripts          *string   `json:"scripts,omitempty"`
	Dependencies     *string   `json:"dependencies,omitempty"`
	DevDependencies  *string   `json:"dev_dependencies,omitempty"`
	PeerDependencies *string   `json:"peer_dependencies,omitempty"`
	Engines          *string   `json:"engines,omitempty"`
	Shasum           *string   `json:"shasum,omitempty"`
	Readme           *string   `json:"readme,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// VersionMetadata carries the manifest fields extracted from a package.json
// document when upserting a version.
type VersionMetadata struct {
	Description      *string
	MainFile         *string
	Scripts          *string
	Dependencies     *string
	DevDependencies  *string
	PeerDependencies *string
	Engines          *string
	Shasum           *string
	Readme           *string
}

// PackageFile is a row in the package_files table. file_path points into the
// tarball cache; access_count increments on every read.
type PackageFile struct {
	ID               int64     `json:"id"`
	PackageVersionID int64     `json:"package_version_id"`
	Filename         string    `json:"filename"`
	SizeBytes        int64     `json:"size_bytes"`
	ContentType      *string   `json:"content_type,omitempty"`
	ETag             *string   `json:"etag,omitempty"`
	UpstreamURL      string    `json:"upstream_url"`
	FilePath         string    `json:"file_path"`
	CreatedAt        time.Time `json:"created_at"`
	LastAccessed     time.Time `json:"last_accessed"`
	AccessCount      int64     `json:"access_count"`
}

// PackageOwner is a row in the package_owners table.
type PackageOwner struct {
	ID              int64     `json:"id"`
	PackageName     string    `json:"package_name"`
	UserID          int64     `json:"user_id"`
	PermissionLevel string    `json:"permission_level"`
	CreatedAt       time.Time `json:"created_at"`
}

// Permission levels for package owners.
const (
	PermissionRead  = "read"
	PermissionWrite = "write"
	PermissionAdmin = "admin"
)

// PackageTag is a row in the package_tags table, expressing a dist-tag.
type PackageTag struct {
	ID          int64     `json:"id"`
	PackageName string    `json:"package_name"`
	TagName     string    `json:"tag_name"`
	Version     string    `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Organization is a row in the organizations table. Organization names map
// to npm scopes without the leading "@".
type Organization struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	DisplayName *string   `json:"display_name,omitempty"`
	Description *string   `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// OrganizationMember is a row in the organization_members table.
type OrganizationMember struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	OrganizationID int64     `json:"organization_id"`
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

// MemberWithUser joins a membership row with the user's identity.
type MemberWithUser struct {
	OrganizationMember
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Organization roles, ordered member < admin < owner.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
	RoleOwner  = "owner"
)

// roleRank orders roles for permission checks.
func roleRank(role string) int {
	switch role {
	case RoleOwner:
		return 3
	case RoleAdmin:
		return 2
	case RoleMember:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast reports whether role grants at least the required role.
func RoleAtLeast(role, required string) bool {
	return roleRank(role) >= roleRank(required) && roleRank(role) > 0
}

// ValidRole reports whether role is a known organization role.
func ValidRole(role string) bool {
	return roleRank(role) > 0
}

// User is a row in the users table.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UserToken is a row in the user_tokens table. Tokens are opaque strings;
// token_type distinguishes interactive logins from publish tokens.
type UserToken struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	Token     string     `json:"-"`
	TokenType string     `json:"token_type"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	IsActive  bool       `json:"is_active"`
}

// Token types.
const (
	TokenTypeAuth    = "auth"
	TokenTypePublish = "publish"
)

// MetadataCacheRecord is a row in the metadata_cache table, the relational
// half of the metadata cache. HasLocalOverlay marks documents that contain
// locally published versions; those never expire by TTL.
type MetadataCacheRecord struct {
	ID              int64     `json:"id"`
	PackageName     string    `json:"package_name"`
	SizeBytes       int64     `json:"size_bytes"`
	FilePath        string    `json:"file_path"`
	ETag            *string   `json:"etag,omitempty"`
	HasLocalOverlay bool      `json:"has_local_overlay"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastAccessed    time.Time `json:"last_accessed"`
	AccessCount     int64     `json:"access_count"`
}

// CacheStats is the singleton row of the cache_stats table.
type CacheStats struct {
	ID        int64     `json:"id"`
	HitCount  int64     `json:"hit_count"`
	MissCount int64     `json:"miss_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VersionWithFiles groups a version with its files.
type VersionWithFiles struct {
	Version PackageVersion `json:"version"`
	Files   []PackageFile  `json:"files"`
}

// PackageWithVersions groups a package with all its versions and files.
type PackageWithVersions struct {
	Package  Package            `json:"package"`
	Versions []VersionWithFiles `json:"versions"`
}

// ListOptions parameterizes the paginated package listing. Sort column and
// direction are validated against allow-lists before query composition.
type ListOptions struct {
	Limit     int
	Offset    int
	Search    string
	SortBy    string
	SortOrder string
}

// MetadataCacheStats summarizes the metadata_cache table.
type MetadataCacheStats struct {
	TotalEntries   int64 `json:"total_entries"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
}

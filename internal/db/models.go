package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Users & Auth
// -----------------------------------------------------------------------------

// User represents a local or OIDC-authenticated operator account.
// Password is only set for local accounts — OIDC users authenticate via the
// provider and have an empty Password field.
type User struct {
	softDelete
	Username     string          `gorm:"uniqueIndex;not null"`
	Password     EncryptedString `gorm:"type:text"` // "salt:hash" Argon2id encoding, empty for OIDC users
	Role         string          `gorm:"not null;default:'user'"` // "admin", "user" or "viewer"
	Active       bool            `gorm:"not null;default:true"`
	OIDCProvider string          `gorm:"default:''"`
	OIDCSub      string          `gorm:"default:''"`
	LastLoginAt  *time.Time
}

// RefreshToken stores a hashed refresh token associated with a user session.
// The raw token is never stored — only its SHA-256 hash. Tokens are rotated
// on every use and expire after 7 days.
type RefreshToken struct {
	base
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"`
	ExpiresAt time.Time `gorm:"not null;index"`
	RevokedAt *time.Time
	UserAgent string
	IPAddress string
}

// OIDCProvider stores the configuration for an external OIDC identity provider.
// ClientSecret is encrypted at rest.
type OIDCProvider struct {
	base
	Name         string          `gorm:"not null"`
	Issuer       string          `gorm:"not null"`
	ClientID     string          `gorm:"not null"`
	ClientSecret EncryptedString `gorm:"type:text"`
	RedirectURL  string          `gorm:"not null"`
	Scopes       string          `gorm:"not null;default:'openid profile email'"`
	Enabled      bool            `gorm:"not null;default:false"`
}

// UserMachineAccess grants a user access to one machine. Admins bypass this
// check; regular users and viewers are scoped to the machines listed here.
type UserMachineAccess struct {
	base
	UserID    uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_user_machine"`
	MachineID uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_user_machine"`
	CanExec   bool      `gorm:"not null;default:true"`
}

// Session is a terminal/command capability grant issued to a user for a
// specific machine. It backs the secure envelope protocol's stateful
// verification path — distinct from the short-lived web-client access JWT.
type Session struct {
	base
	UserID       uuid.UUID `gorm:"type:text;not null;index"`
	MachineID    uuid.UUID `gorm:"type:text;not null;index"`
	Capabilities string    `gorm:"not null"` // JSON array of capability strings
	IssuedAt     time.Time `gorm:"not null"`
	ExpiresAt    time.Time `gorm:"not null;index"`
	RevokedAt    *time.Time
	ReauthedAt   *time.Time // last time the user re-confirmed credentials, gates critical commands
}

// -----------------------------------------------------------------------------
// Machines
// -----------------------------------------------------------------------------

// Machine represents a registered fleet agent.
type Machine struct {
	softDelete
	Hostname     string          `gorm:"not null;index"`
	IPAddress    string          `gorm:"not null;default:''"`
	OSInfo       string          `gorm:"not null;default:''"`
	Status       string          `gorm:"not null;default:'offline'"` // "online" or "offline"
	SharedSecret EncryptedString `gorm:"type:text"`
	SecretHash   string          `gorm:"size:64;uniqueIndex"` // SHA-256 hex of the plain shared secret
	LastSeenAt   *time.Time
}

// Metric is an append-only point-in-time resource reading for a machine.
type Metric struct {
	base
	MachineID      uuid.UUID `gorm:"type:text;not null;index"`
	CPUPercent     float64
	RAMPercent     float64
	RAMTotalBytes  int64
	RAMUsedBytes   int64
	DiskPercent    float64
	DiskTotalBytes int64
	DiskUsedBytes  int64
	UptimeSeconds  int64
	RecordedAt     time.Time `gorm:"not null;index"`
}

// Command is a single command dispatched to a machine, either ad hoc from a
// terminal session or as part of a bulk Job's Execution.
type Command struct {
	base
	MachineID    uuid.UUID  `gorm:"type:text;not null;index"`
	Command      string     `gorm:"not null"`
	Status       string     `gorm:"not null;default:'pending'"` // pending, running, succeeded, failed
	ExitCode     *int
	Output       string     `gorm:"type:text"`
	IssuedByUser *uuid.UUID `gorm:"type:text"`
	ExecutionID  *uuid.UUID `gorm:"type:text;index"`
}

// -----------------------------------------------------------------------------
// Packages & vulnerabilities
// -----------------------------------------------------------------------------

// PackageScan records one inventory scan run on a machine.
type PackageScan struct {
	base
	MachineID       uuid.UUID `gorm:"type:text;not null;index"`
	Total           int
	Updates         int
	SecurityUpdates int
	Paths           string `gorm:"type:text;default:'[]'"` // JSON array of scanned paths
	Status          string `gorm:"not null;default:'running'"`
}

// Package is the latest known state of one installed package on a machine.
type Package struct {
	base
	MachineID uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_machine_pkg"`
	Name      string    `gorm:"not null;uniqueIndex:idx_machine_pkg"`
	Version   string    `gorm:"not null"`
	Manager   string    `gorm:"not null;index"` // apt, apk, npm, pypi, maven, nuget, go, cargo, composer, gem
	Status    string    `gorm:"not null;default:'current'"`
	ScanID    uuid.UUID `gorm:"type:text"`
	LastSeen  time.Time `gorm:"not null"`
}

// CVE is a mirrored OSV advisory. The primary key is the OSV identifier
// string itself (e.g. "GHSA-xxxx-xxxx-xxxx", "CVE-2024-1234"), not a UUID.
type CVE struct {
	ID             string `gorm:"primaryKey;size:64"`
	Severity       string `gorm:"index"`
	PublishedAt    time.Time
	Ecosystem      string `gorm:"index"`
	AffectedRanges string `gorm:"type:text;default:'[]'"` // JSON
	FixedVersions  string `gorm:"type:text;default:'[]'"` // JSON
	Description    string `gorm:"type:text"`
	Source         string `gorm:"not null;default:'osv'"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// VulnerabilityMatch links a machine's installed package to a CVE it is
// vulnerable to, as determined by the matcher's ecosystem version compare.
type VulnerabilityMatch struct {
	base
	MachineID uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_match"`
	PackageID uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_match"`
	CVEID     string    `gorm:"not null;uniqueIndex:idx_match;index"`
}

// -----------------------------------------------------------------------------
// Security events & audit
// -----------------------------------------------------------------------------

// SecurityEvent is a deduplicated, fingerprinted security observation for a
// machine. Repeated occurrences of the same fingerprint update the existing
// open row instead of creating duplicates.
type SecurityEvent struct {
	base
	MachineID   uuid.UUID `gorm:"type:text;not null;index"`
	Type        string    `gorm:"not null;index"` // failed_auth, integrity, drift, vulnerability, ...
	Fingerprint string    `gorm:"not null;index"`
	Severity    string    `gorm:"not null"`
	Message     string    `gorm:"not null"`
	Data        string    `gorm:"type:text;default:'{}'"` // JSON
	Status      string    `gorm:"not null;default:'open'"` // open, acknowledged, resolved
	ResolvedAt  *time.Time
}

// AuditLog is an append-only record of privileged actions.
type AuditLog struct {
	base
	Action    string     `gorm:"not null;index"`
	Severity  string     `gorm:"not null;default:'info'"`
	UserID    *uuid.UUID `gorm:"type:text;index"`
	MachineID *uuid.UUID `gorm:"type:text;index"`
	Details   string     `gorm:"type:text;default:'{}'"` // JSON
}

// -----------------------------------------------------------------------------
// Bulk jobs
// -----------------------------------------------------------------------------

// Job is a user-triggered bulk command run across a set of machines.
type Job struct {
	base
	Command       string    `gorm:"not null"`
	Mode          string    `gorm:"not null"` // "parallel" or "rolling"
	TargetSpec    string    `gorm:"type:text;not null"` // JSON
	Strategy      string    `gorm:"type:text;not null"` // JSON
	Status        string    `gorm:"not null;default:'pending'"`
	CreatedByUser uuid.UUID `gorm:"type:text;not null"`
}

// Execution is one machine's run within a Job.
type Execution struct {
	base
	JobID     uuid.UUID `gorm:"type:text;not null;index"`
	MachineID uuid.UUID `gorm:"type:text;not null;index"`
	Status    string    `gorm:"not null;default:'pending'"` // pending, running, succeeded, failed, aborted
	ExitCode  *int
	Output    string `gorm:"type:text"`
	Error     string `gorm:"type:text;default:''"`
	StartedAt *time.Time
	EndedAt   *time.Time
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

// Setting is a generic encrypted key/value store used for server-wide
// secrets such as the signing key, and for SMTP/webhook notifier config.
// Setting does not embed base because its primary key is the key string
// itself, not a UUID.
type Setting struct {
	Key       string          `gorm:"primaryKey"`
	Value     EncryptedString `gorm:"type:text"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime"`
}

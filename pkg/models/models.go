// Package models defines the persisted entities of the identity core.
// Relations are identifier-keyed; no embedded bidirectional references.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountStatus flags an account record; accounts are never hard-deleted.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountClosed    AccountStatus = "closed"
)

// User is the identity record behind every authentication attempt.
// Failed-attempt counters and lockout timestamps live in Redis, keyed by
// account id, so concurrent logins never under-count (see lockout.Guard).
type User struct {
	ID             uuid.UUID     `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	Email          string        `json:"email" gorm:"uniqueIndex" validate:"required,email,max=254"`
	PasswordHash   string        `json:"-" gorm:"column:password_hash" validate:"required"`
	FirstName      string        `json:"first_name" validate:"max=50"`
	LastName       string        `json:"last_name" validate:"max=50"`
	PhoneNumber    string        `json:"-" gorm:"type:varchar(20)"`
	EmailConfirmed bool          `json:"email_confirmed" gorm:"default:false"`
	PhoneConfirmed bool          `json:"phone_confirmed" gorm:"default:false"`
	MFAEnabled     bool          `json:"mfa_enabled" gorm:"default:false"`
	TOTPSecret     string        `json:"-" gorm:"column:totp_secret"`
	Status         AccountStatus `json:"status" gorm:"type:varchar(20);default:active" validate:"oneof=active suspended closed"`
	Jurisdiction   string        `json:"jurisdiction" gorm:"type:varchar(3)" validate:"omitempty,iso3166_1_alpha3"`
	LastLoginAt    *time.Time    `json:"last_login_at"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Session is one login's family of token pairs across refreshes.
type Session struct {
	ID             uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	UserID         uuid.UUID  `json:"user_id" gorm:"type:uuid;index" validate:"required,uuid"`
	IPAddress      string     `json:"ip_address" gorm:"type:varchar(45)"`
	UserAgent      string     `json:"user_agent" gorm:"type:text"`
	DeviceName     string     `json:"device_name" gorm:"type:varchar(255)"`
	IsActive       bool       `json:"is_active" gorm:"default:true"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	RevokedReason  string     `json:"revoked_reason,omitempty" gorm:"type:varchar(100)"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// RefreshToken is one generation of a session's refresh token. RotatedAt is
// the single-use marker: a presented token whose row already carries
// RotatedAt is a replay and triggers family revocation.
type RefreshToken struct {
	ID        uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	SessionID uuid.UUID  `json:"session_id" gorm:"type:uuid;index"`
	UserID    uuid.UUID  `json:"user_id" gorm:"type:uuid;index"`
	TokenHash string     `json:"-" gorm:"type:varchar(64);uniqueIndex"`
	ExpiresAt time.Time  `json:"expires_at"`
	RotatedAt *time.Time `json:"rotated_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ChallengePurpose scopes a one-time code to a single workflow.
type ChallengePurpose string

const (
	PurposeLogin         ChallengePurpose = "login"
	PurposeEmailConfirm  ChallengePurpose = "email_confirm"
	PurposePhoneConfirm  ChallengePurpose = "phone_confirm"
	PurposePasswordReset ChallengePurpose = "password_reset"
)

// TwoFactorChallenge is a short-lived single-use verification code.
// Only the SHA-256 hash of the code is stored.
type TwoFactorChallenge struct {
	ID         uuid.UUID        `json:"id" gorm:"primaryKey;type:uuid"`
	UserID     uuid.UUID        `json:"user_id" gorm:"type:uuid;index:idx_challenge_user_purpose,priority:1"`
	Purpose    ChallengePurpose `json:"purpose" gorm:"type:varchar(30);index:idx_challenge_user_purpose,priority:2"`
	CodeHash   string           `json:"-" gorm:"type:varchar(64)"`
	Attempts   int              `json:"attempts" gorm:"default:0"`
	ExpiresAt  time.Time        `json:"expires_at"`
	ConsumedAt *time.Time       `json:"consumed_at,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// BackupCode is a single-use recovery code issued at authenticator
// activation. Only the hash is stored.
type BackupCode struct {
	ID        uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    uuid.UUID  `json:"user_id" gorm:"type:uuid;index"`
	CodeHash  string     `json:"-" gorm:"type:varchar(64);index"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// KycStatus is the aggregate verification state.
type KycStatus string

const (
	KycNotStarted KycStatus = "not_started"
	KycInProgress KycStatus = "in_progress"
	KycApproved   KycStatus = "approved"
	KycRejected   KycStatus = "rejected"
	KycExpired    KycStatus = "expired"
)

// Terminal reports whether no further document review can change the status.
func (s KycStatus) Terminal() bool {
	return s == KycApproved || s == KycRejected || s == KycExpired
}

// KycVerification drives one identity-review cycle to a terminal outcome.
// Invariants: RejectionReason is set iff status is rejected; ExpiresAt is set
// iff status is approved. Use MarkApproved/MarkRejected/MarkExpired rather
// than assigning fields so the invariants hold.
type KycVerification struct {
	ID               uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	UserID           uuid.UUID  `json:"user_id" gorm:"type:uuid;index"`
	Status           KycStatus  `json:"status" gorm:"type:varchar(20);default:not_started"`
	RiskLevel        string     `json:"risk_level" gorm:"type:varchar(20)"`
	VerificationType string     `json:"verification_type" gorm:"type:varchar(30)"`
	ProviderRef      string     `json:"provider_ref" gorm:"type:varchar(255);index"`
	SubmittedAt      *time.Time `json:"submitted_at,omitempty"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`
	RejectedAt       *time.Time `json:"rejected_at,omitempty"`
	RejectionReason  string     `json:"rejection_reason,omitempty" gorm:"type:text"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// MarkApproved transitions to approved with the given validity window.
func (v *KycVerification) MarkApproved(now time.Time, validity time.Duration) {
	v.Status = KycApproved
	t := now
	v.ApprovedAt = &t
	exp := now.Add(validity)
	v.ExpiresAt = &exp
	v.RejectedAt = nil
	v.RejectionReason = ""
}

// MarkRejected transitions to rejected carrying a mandatory reason.
func (v *KycVerification) MarkRejected(now time.Time, reason string) {
	v.Status = KycRejected
	t := now
	v.RejectedAt = &t
	v.RejectionReason = reason
	v.ApprovedAt = nil
	v.ExpiresAt = nil
}

// MarkExpired transitions an approved record past its validity window.
func (v *KycVerification) MarkExpired() {
	v.Status = KycExpired
	v.ExpiresAt = nil
	v.RejectionReason = ""
}

// DocumentStatus is the per-document review state.
type DocumentStatus string

const (
	DocumentPending  DocumentStatus = "pending"
	DocumentApproved DocumentStatus = "approved"
	DocumentRejected DocumentStatus = "rejected"
)

// KycDocument ties one reviewed document to a verification cycle.
type KycDocument struct {
	ID              uuid.UUID      `json:"id" gorm:"primaryKey;type:uuid"`
	VerificationID  uuid.UUID      `json:"verification_id" gorm:"type:uuid;index"`
	UserID          uuid.UUID      `json:"user_id" gorm:"type:uuid;index"`
	DocumentType    string         `json:"document_type" gorm:"type:varchar(50)" validate:"required,oneof=passport drivers_license id_card utility_bill bank_statement proof_of_income"`
	Required        bool           `json:"required" gorm:"default:true"`
	Status          DocumentStatus `json:"status" gorm:"type:varchar(20);default:pending"`
	FilePath        string         `json:"-" gorm:"type:varchar(500)"`
	FileHash        string         `json:"file_hash" gorm:"type:varchar(64)"`
	RejectionReason string         `json:"rejection_reason,omitempty" gorm:"type:text"`
	ReviewedBy      *uuid.UUID     `json:"reviewed_by,omitempty" gorm:"type:uuid"`
	ReviewedAt      *time.Time     `json:"reviewed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// AccreditationStatus is the regulatory determination state.
type AccreditationStatus string

const (
	AccreditationPending  AccreditationStatus = "pending"
	AccreditationApproved AccreditationStatus = "approved"
	AccreditationDeclined AccreditationStatus = "declined"
)

// InvestorClassification buckets an investor for limit derivation.
type InvestorClassification string

const (
	ClassificationRetail     InvestorClassification = "retail"
	ClassificationAccredited InvestorClassification = "accredited"
	ClassificationQualified  InvestorClassification = "qualified"
)

// Accreditation holds classification inputs and the derived investment
// limit. The limit is a read-through cache: the engine recomputes the whole
// record from inputs on every trigger instead of mutating it in place.
type Accreditation struct {
	ID              uuid.UUID              `json:"id" gorm:"primaryKey;type:uuid"`
	UserID          uuid.UUID              `json:"user_id" gorm:"type:uuid;uniqueIndex"`
	Status          AccreditationStatus    `json:"status" gorm:"type:varchar(20);default:pending"`
	Classification  InvestorClassification `json:"classification" gorm:"type:varchar(20);default:retail"`
	AnnualIncome    decimal.Decimal        `json:"annual_income" gorm:"type:numeric(20,2)"`
	NetWorth        decimal.Decimal        `json:"net_worth" gorm:"type:numeric(20,2)"`
	YearsInvesting  int                    `json:"years_investing" gorm:"default:0"`
	Jurisdiction    string                 `json:"jurisdiction" gorm:"type:varchar(3)"`
	InvestmentLimit decimal.Decimal        `json:"investment_limit" gorm:"type:numeric(20,2)"`
	Override        bool                   `json:"override" gorm:"default:false"`
	OverrideBy      *uuid.UUID             `json:"override_by,omitempty" gorm:"type:uuid"`
	ComputedAt      time.Time              `json:"computed_at"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Role groups permissions under a name.
type Role struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Name      string    `json:"name" gorm:"uniqueIndex;type:varchar(50)"`
	CreatedAt time.Time `json:"created_at"`
}

// Permission is one named capability; the model is flat allow, no deny rules.
type Permission struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Name      string    `json:"name" gorm:"uniqueIndex;type:varchar(100)"`
	CreatedAt time.Time `json:"created_at"`
}

// RolePermission links roles to permissions.
type RolePermission struct {
	RoleID       uuid.UUID `json:"role_id" gorm:"type:uuid;primaryKey"`
	PermissionID uuid.UUID `json:"permission_id" gorm:"type:uuid;primaryKey"`
}

// RoleAssignment grants a role to a user; only active assignments count.
type RoleAssignment struct {
	ID         uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	UserID     uuid.UUID `json:"user_id" gorm:"type:uuid;index"`
	RoleID     uuid.UUID `json:"role_id" gorm:"type:uuid;index"`
	IsActive   bool      `json:"is_active" gorm:"default:true"`
	AssignedBy uuid.UUID `json:"assigned_by" gorm:"type:uuid"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ActivityLog is one immutable security-relevant event. Rows are append-only;
// nothing in the codebase updates or deletes them.
type ActivityLog struct {
	ID            uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	UserID        *uuid.UUID `json:"user_id,omitempty" gorm:"type:uuid;index"`
	SessionID     *uuid.UUID `json:"session_id,omitempty" gorm:"type:uuid"`
	EventType     string     `json:"event_type" gorm:"type:varchar(100)" validate:"required"`
	Outcome       string     `json:"outcome" gorm:"type:varchar(20)" validate:"required,oneof=success failure"`
	FailureReason string     `json:"failure_reason,omitempty" gorm:"type:text"`
	ActorID       *uuid.UUID `json:"actor_id,omitempty" gorm:"type:uuid"`
	IPAddress     string     `json:"ip_address" gorm:"type:varchar(45)"`
	UserAgent     string     `json:"user_agent" gorm:"type:text"`
	Metadata      string     `json:"metadata,omitempty" gorm:"type:text"`
	CreatedAt     time.Time  `json:"created_at" gorm:"index"`
}

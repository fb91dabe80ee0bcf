// Package accreditation derives investor classification and the investment
// limit from verification outcome plus financial attributes.
//
// The stored limit is a read-through cache only: every trigger (verification
// transition, financial update, override toggle) recomputes the whole record
// from inputs, and reads re-derive rather than trust the cached value.
package accreditation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/clearvest/identity/internal/config"
	"github.com/clearvest/identity/internal/identity/audit"
	apperrors "github.com/clearvest/identity/pkg/errors"
	"github.com/clearvest/identity/pkg/metrics"
	"github.com/clearvest/identity/pkg/models"
)

// KycReader reports a user's effective verification status. The concrete
// implementation applies lazy expiry on read.
type KycReader interface {
	CurrentStatus(ctx context.Context, userID uuid.UUID) (models.KycStatus, *models.KycVerification, error)
}

// rule is one jurisdiction's threshold table, parsed once at startup.
type rule struct {
	accreditedMinIncome   decimal.Decimal
	accreditedMinNetWorth decimal.Decimal
	qualifiedMinNetWorth  decimal.Decimal
	retailLimitPercent    decimal.Decimal
	retailLimitFloor      decimal.Decimal
	accreditedLimitCap    decimal.Decimal
}

// Determination is the caller-visible accreditation summary.
type Determination struct {
	IsAccredited   bool                          `json:"is_accredited"`
	Status         models.AccreditationStatus    `json:"status"`
	Classification models.InvestorClassification `json:"classification"`
	Limit          decimal.Decimal               `json:"investment_limit"`
	Override       bool                          `json:"override"`
	ComputedAt     time.Time                     `json:"computed_at"`
}

// Engine recomputes accreditation records from their inputs.
type Engine struct {
	db                  *gorm.DB
	logger              *zap.Logger
	recorder            *audit.Recorder
	kyc                 KycReader
	rules               map[string]rule
	defaultJurisdiction string
}

// NewEngine parses the jurisdiction rule table and fails fast on a malformed
// threshold rather than misclassifying investors at runtime.
func NewEngine(logger *zap.Logger, db *gorm.DB, recorder *audit.Recorder, kyc KycReader, cfg config.AccreditationConfig) (*Engine, error) {
	if len(cfg.Jurisdictions) == 0 {
		return nil, fmt.Errorf("accreditation: no jurisdiction rules configured")
	}
	rules := make(map[string]rule, len(cfg.Jurisdictions))
	for name, raw := range cfg.Jurisdictions {
		parsed, err := parseRule(raw)
		if err != nil {
			return nil, fmt.Errorf("accreditation: jurisdiction %s: %w", name, err)
		}
		rules[name] = parsed
	}
	if _, ok := rules[cfg.DefaultJurisdiction]; !ok {
		return nil, fmt.Errorf("accreditation: default jurisdiction %s has no rule", cfg.DefaultJurisdiction)
	}
	return &Engine{
		db:                  db,
		logger:              logger,
		recorder:            recorder,
		kyc:                 kyc,
		rules:               rules,
		defaultJurisdiction: cfg.DefaultJurisdiction,
	}, nil
}

func parseRule(raw config.JurisdictionRule) (rule, error) {
	var r rule
	var err error
	if r.accreditedMinIncome, err = decimal.NewFromString(raw.AccreditedMinIncome); err != nil {
		return r, fmt.Errorf("accredited_min_income: %w", err)
	}
	if r.accreditedMinNetWorth, err = decimal.NewFromString(raw.AccreditedMinNetWorth); err != nil {
		return r, fmt.Errorf("accredited_min_net_worth: %w", err)
	}
	if r.qualifiedMinNetWorth, err = decimal.NewFromString(raw.QualifiedMinNetWorth); err != nil {
		return r, fmt.Errorf("qualified_min_net_worth: %w", err)
	}
	if r.retailLimitFloor, err = decimal.NewFromString(raw.RetailLimitFloor); err != nil {
		return r, fmt.Errorf("retail_limit_floor: %w", err)
	}
	if r.accreditedLimitCap, err = decimal.NewFromString(raw.AccreditedLimitCap); err != nil {
		return r, fmt.Errorf("accredited_limit_cap: %w", err)
	}
	if raw.RetailLimitPercent <= 0 || raw.RetailLimitPercent > 100 {
		return r, fmt.Errorf("retail_limit_percent %d out of range", raw.RetailLimitPercent)
	}
	r.retailLimitPercent = decimal.NewFromInt(int64(raw.RetailLimitPercent))
	return r, nil
}

// UpdateFinancials stores new financial attributes and recomputes.
func (e *Engine) UpdateFinancials(ctx context.Context, userID uuid.UUID, annualIncome, netWorth decimal.Decimal, yearsInvesting int, jurisdiction string) (*Determination, error) {
	if annualIncome.IsNegative() || netWorth.IsNegative() {
		return nil, apperrors.Validation("financial attributes cannot be negative")
	}
	if yearsInvesting < 0 {
		return nil, apperrors.Validation("years investing cannot be negative")
	}
	if jurisdiction == "" {
		jurisdiction = e.defaultJurisdiction
	}
	if _, ok := e.rules[jurisdiction]; !ok {
		return nil, apperrors.Validation("unsupported jurisdiction %q", jurisdiction)
	}

	record, err := e.loadOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	record.AnnualIncome = annualIncome
	record.NetWorth = netWorth
	record.YearsInvesting = yearsInvesting
	record.Jurisdiction = jurisdiction

	return e.recompute(ctx, record, "financial_update", nil)
}

// SetOverride toggles the manual override and recomputes. The override does
// not change classification; it bypasses the status gate in
// ValidateInvestment.
func (e *Engine) SetOverride(ctx context.Context, userID uuid.UUID, enabled bool, actor uuid.UUID) (*Determination, error) {
	record, err := e.loadOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	record.Override = enabled
	if enabled {
		record.OverrideBy = &actor
	} else {
		record.OverrideBy = nil
	}

	if err := e.recorder.Record(ctx, audit.Entry{
		UserID:    &userID,
		ActorID:   &actor,
		EventType: audit.EventOverrideToggled,
		Outcome:   audit.OutcomeSuccess,
		Metadata:  map[string]interface{}{"enabled": enabled},
	}); err != nil {
		return nil, err
	}
	return e.recompute(ctx, record, "override_toggle", &actor)
}

// Recompute re-derives a user's record; the verification state machine calls
// this on transitions to approved or expired.
func (e *Engine) Recompute(ctx context.Context, userID uuid.UUID, trigger string) (*Determination, error) {
	record, err := e.loadOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.recompute(ctx, record, trigger, nil)
}

// GetInvestmentLimit re-derives the limit from current inputs and refreshes
// the cached record on its way out.
func (e *Engine) GetInvestmentLimit(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	d, err := e.Recompute(ctx, userID, "limit_read")
	if err != nil {
		return decimal.Zero, err
	}
	return d.Limit, nil
}

// GetAccreditationStatus exposes the current determination without changing
// any financial input.
func (e *Engine) GetAccreditationStatus(ctx context.Context, userID uuid.UUID) (*Determination, error) {
	return e.Recompute(ctx, userID, "status_read")
}

// ValidateInvestment reports whether the user may invest amount: the amount
// must be inside the limit, and the user must be verified and accredited
// unless a manual override is in force.
func (e *Engine) ValidateInvestment(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (bool, error) {
	if amount.IsNegative() || amount.IsZero() {
		return false, apperrors.Validation("investment amount must be positive")
	}

	record, err := e.loadOrCreate(ctx, userID)
	if err != nil {
		return false, err
	}
	kycStatus, _, err := e.kyc.CurrentStatus(ctx, userID)
	if err != nil {
		return false, err
	}

	d, err := e.persist(ctx, record, kycStatus, "investment_check", nil)
	if err != nil {
		return false, err
	}

	eligible := (kycStatus == models.KycApproved && d.Status == models.AccreditationApproved) || d.Override
	if !eligible {
		return false, nil
	}
	return amount.LessThanOrEqual(d.Limit), nil
}

func (e *Engine) recompute(ctx context.Context, record *models.Accreditation, trigger string, actor *uuid.UUID) (*Determination, error) {
	kycStatus, _, err := e.kyc.CurrentStatus(ctx, record.UserID)
	if err != nil {
		return nil, err
	}
	return e.persist(ctx, record, kycStatus, trigger, actor)
}

// persist derives classification, status, and limit from the record's inputs
// plus the verification status, and writes the whole record back.
func (e *Engine) persist(ctx context.Context, record *models.Accreditation, kycStatus models.KycStatus, trigger string, actor *uuid.UUID) (*Determination, error) {
	r := e.ruleFor(record.Jurisdiction)

	record.Classification = classify(r, record.AnnualIncome, record.NetWorth)
	record.InvestmentLimit = limitFor(r, record.Classification, record.AnnualIncome, record.NetWorth)
	record.Status = statusFor(kycStatus)
	record.ComputedAt = time.Now()
	record.UpdatedAt = record.ComputedAt

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(record).Error; err != nil {
			return err
		}
		return e.recorder.In(tx).Record(ctx, audit.Entry{
			UserID:    &record.UserID,
			ActorID:   actor,
			EventType: audit.EventAccreditation,
			Outcome:   audit.OutcomeSuccess,
			Metadata: map[string]interface{}{
				"trigger":        trigger,
				"classification": string(record.Classification),
				"limit":          record.InvestmentLimit.String(),
				"status":         string(record.Status),
			},
		})
	})
	if err != nil {
		return nil, apperrors.Internal("failed to persist accreditation", err)
	}

	metrics.AccreditationRecomputes.WithLabelValues(trigger).Inc()
	e.logger.Info("accreditation recomputed",
		zap.String("user_id", record.UserID.String()),
		zap.String("trigger", trigger),
		zap.String("classification", string(record.Classification)),
		zap.String("limit", record.InvestmentLimit.String()))

	return &Determination{
		IsAccredited:   record.Classification != models.ClassificationRetail,
		Status:         record.Status,
		Classification: record.Classification,
		Limit:          record.InvestmentLimit,
		Override:       record.Override,
		ComputedAt:     record.ComputedAt,
	}, nil
}

func classify(r rule, income, netWorth decimal.Decimal) models.InvestorClassification {
	switch {
	case netWorth.GreaterThanOrEqual(r.qualifiedMinNetWorth):
		return models.ClassificationQualified
	case income.GreaterThanOrEqual(r.accreditedMinIncome) || netWorth.GreaterThanOrEqual(r.accreditedMinNetWorth):
		return models.ClassificationAccredited
	default:
		return models.ClassificationRetail
	}
}

// limitFor derives the investment limit. Retail investors get a percentage
// of their larger financial figure with a floor; accredited investors get
// the jurisdiction cap; qualified investors are limited only by net worth.
func limitFor(r rule, c models.InvestorClassification, income, netWorth decimal.Decimal) decimal.Decimal {
	switch c {
	case models.ClassificationQualified:
		return netWorth
	case models.ClassificationAccredited:
		return r.accreditedLimitCap
	default:
		base := income
		if netWorth.GreaterThan(base) {
			base = netWorth
		}
		limit := base.Mul(r.retailLimitPercent).Div(decimal.NewFromInt(100))
		if limit.LessThan(r.retailLimitFloor) {
			return r.retailLimitFloor
		}
		return limit
	}
}

func statusFor(kycStatus models.KycStatus) models.AccreditationStatus {
	switch kycStatus {
	case models.KycApproved:
		return models.AccreditationApproved
	case models.KycRejected:
		return models.AccreditationDeclined
	default:
		return models.AccreditationPending
	}
}

func (e *Engine) ruleFor(jurisdiction string) rule {
	if r, ok := e.rules[jurisdiction]; ok {
		return r
	}
	return e.rules[e.defaultJurisdiction]
}

func (e *Engine) loadOrCreate(ctx context.Context, userID uuid.UUID) (*models.Accreditation, error) {
	var record models.Accreditation
	err := e.db.WithContext(ctx).Where("user_id = ?", userID).First(&record).Error
	if err == nil {
		return &record, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, apperrors.Internal("failed to load accreditation", err)
	}

	now := time.Now()
	record = models.Accreditation{
		ID:              uuid.New(),
		UserID:          userID,
		Status:          models.AccreditationPending,
		Classification:  models.ClassificationRetail,
		AnnualIncome:    decimal.Zero,
		NetWorth:        decimal.Zero,
		Jurisdiction:    e.defaultJurisdiction,
		InvestmentLimit: decimal.Zero,
		ComputedAt:      now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, apperrors.Internal("failed to create accreditation", err)
	}
	return &record, nil
}

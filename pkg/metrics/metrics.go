package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LoginAttempts counts authentication attempts by outcome
// (success, bad_credentials, locked, challenge_required, challenge_failed).
var LoginAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "identity_login_attempts_total",
		Help: "Total number of authentication attempts by outcome",
	},
	[]string{"outcome"},
)

// AccountLockouts counts accounts entering the locked state.
var AccountLockouts = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "identity_account_lockouts_total",
		Help: "Total number of temporary account lockouts",
	},
)

// TokenRotations counts refresh-token redemptions by outcome
// (rotated, reuse_detected, expired, invalid).
var TokenRotations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "identity_token_rotations_total",
		Help: "Total number of refresh-token redemptions by outcome",
	},
	[]string{"outcome"},
)

// KycTransitions counts verification records entering each status.
var KycTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "identity_kyc_transitions_total",
		Help: "Total number of KYC status transitions by target status",
	},
	[]string{"status"},
)

// AccreditationRecomputes counts investment-limit recomputations by trigger
// (kyc, financials, override).
var AccreditationRecomputes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "identity_accreditation_recomputes_total",
		Help: "Total number of accreditation recomputations by trigger",
	},
	[]string{"trigger"},
)

func init() {
	prometheus.MustRegister(LoginAttempts, AccountLockouts, TokenRotations)
	prometheus.MustRegister(KycTransitions, AccreditationRecomputes)
}

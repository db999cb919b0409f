package pga

import (
	"errors"
	"fmt"
)

// Error is a guard violation mirrored from a ledger-side revert reason.
// Guard errors are not transient and must not be retried.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches two guard errors by code so wrapped errors compare with
// errors.Is against the package sentinels.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

var (
	ErrNotFound             = &Error{Code: "PGA_NOT_FOUND", Message: "no agreement with this id"}
	ErrExists               = &Error{Code: "PGA_EXISTS", Message: "agreement id already used"}
	ErrInvalidStatus        = &Error{Code: "INVALID_PGA_STATUS", Message: "agreement is not in the required status"}
	ErrNotAuthorized        = &Error{Code: "NOT_AUTHORIZED", Message: "caller is not authorized for this operation"}
	ErrAlreadyVoted         = &Error{Code: "ALREADY_VOTED", Message: "caller has already voted on this agreement"}
	ErrVotingClosed         = &Error{Code: "VOTING_CLOSED", Message: "voting deadline has passed"}
	ErrNoVotingPower        = &Error{Code: "NO_VOTING_POWER", Message: "caller has no stake-derived voting power"}
	ErrCollateralPaid       = &Error{Code: "COLLATERAL_ALREADY_PAID", Message: "collateral has already been paid"}
	ErrIssuanceFeePaid      = &Error{Code: "ISSUANCE_FEE_ALREADY_PAID", Message: "issuance fee has already been paid"}
	ErrBalancePaid          = &Error{Code: "BALANCE_ALREADY_PAID", Message: "balance payment has already been made"}
	ErrGoodsShipped         = &Error{Code: "GOODS_ALREADY_SHIPPED", Message: "goods shipment has already been confirmed"}
	ErrCertificateIssued    = &Error{Code: "CERTIFICATE_ALREADY_ISSUED", Message: "certificate has already been issued"}
	ErrDeliveryExists       = &Error{Code: "DELIVERY_EXISTS", Message: "a delivery agreement already exists"}
	ErrDeliveryNotFound     = &Error{Code: "DELIVERY_NOT_FOUND", Message: "no delivery agreement with this id"}
	ErrConsentGiven         = &Error{Code: "CONSENT_ALREADY_GIVEN", Message: "buyer consent has already been recorded"}
	ErrConsentRequired      = &Error{Code: "CONSENT_REQUIRED", Message: "buyer consent has not been given"}
	ErrInsufficientBalance  = &Error{Code: "INSUFFICIENT_BALANCE", Message: "token balance is too low"}
	ErrInsufficientAllowance = &Error{Code: "INSUFFICIENT_ALLOWANCE", Message: "token allowance is too low"}
)

var errByCode = map[string]*Error{}

func init() {
	for _, e := range []*Error{
		ErrNotFound, ErrExists, ErrInvalidStatus, ErrNotAuthorized,
		ErrAlreadyVoted, ErrVotingClosed, ErrNoVotingPower,
		ErrCollateralPaid, ErrIssuanceFeePaid, ErrBalancePaid,
		ErrGoodsShipped, ErrCertificateIssued, ErrDeliveryExists,
		ErrDeliveryNotFound, ErrConsentGiven, ErrConsentRequired,
		ErrInsufficientBalance, ErrInsufficientAllowance,
	} {
		errByCode[e.Code] = e
	}
}

// FromCode maps a revert reason code reported by a remote ledger back to
// the matching guard error. Unknown codes produce a generic guard error
// carrying the raw code.
func FromCode(code, message string) error {
	if e, ok := errByCode[code]; ok {
		return e
	}
	if message == "" {
		message = "ledger rejected the transaction"
	}
	return &Error{Code: code, Message: message}
}

// CodeOf extracts the guard code from an error chain, or "" if the error
// is not a guard violation.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ValidationError is a client-side input rejection raised before any
// ledger call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

package common

import (
	"errors"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Error kinds shared by the router and the liquidity pools. Each kind has a
// stable code so a failure recorded in state can be turned back into a value
// that errors.Is recognises.
var (
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidAddress        = errors.New("invalid address")
	ErrAssetNotSupported     = errors.New("asset not supported")
	ErrAssetAlreadySupported = errors.New("asset already supported")
	ErrInvalidPoolAddress    = errors.New("invalid liquidity pool address")
	ErrInsufficientReserve   = errors.New("insufficient reserve")
	ErrPositionNotFound      = errors.New("position not found")
	ErrInvalidTimestamp      = errors.New("invalid timestamp")
	ErrUndercollateralized   = errors.New("health factor below threshold")
	ErrPartialRepayment      = errors.New("repayment does not cover accrued debt")
	ErrUnauthorized          = errors.New("caller not authorised")
	ErrInvalidToken          = errors.New("unexpected payment token")
	ErrFlowNotRecoverable    = errors.New("flow has no failed leg to recover")
)

var errorCodes = []struct {
	code string
	err  error
}{
	{"invalid_amount", ErrInvalidAmount},
	{"invalid_address", ErrInvalidAddress},
	// A remapped asset is reported under both kinds; the narrower code wins.
	{"asset_already_supported", ErrAssetAlreadySupported},
	{"asset_not_supported", ErrAssetNotSupported},
	{"invalid_pool_address", ErrInvalidPoolAddress},
	{"insufficient_reserve", ErrInsufficientReserve},
	{"position_not_found", ErrPositionNotFound},
	{"invalid_timestamp", ErrInvalidTimestamp},
	{"undercollateralized", ErrUndercollateralized},
	{"partial_repayment", ErrPartialRepayment},
	{"unauthorized", ErrUnauthorized},
	{"invalid_token", ErrInvalidToken},
	{"flow_not_recoverable", ErrFlowNotRecoverable},
	{"module_paused", ErrModulePaused},
}

// CodeUnknown is reported for errors outside the shared kinds.
const CodeUnknown = "unknown"

// Code maps err onto its stable code.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeUnknown
}

// FromCode returns the sentinel registered for code, or nil when the code is
// empty or unknown.
func FromCode(code string) error {
	code = strings.TrimSpace(code)
	for _, entry := range errorCodes {
		if entry.code == code {
			return entry.err
		}
	}
	return nil
}

// NormalizeAsset canonicalises an asset identifier. Compatibility forms such
// as full-width letters fold onto their ASCII equivalents.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(norm.NFKC.String(strings.TrimSpace(asset)))
}

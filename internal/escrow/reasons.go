package escrow

// Preflight reason codes surfaced to the station layer for user-facing
// messaging, plus the contract-level errors seen on lock/resolve.
const (
	ReasonPlayerAllowanceLow     = "PLAYER_ALLOWANCE_LOW"
	ReasonPlayerBalanceLow       = "PLAYER_BALANCE_LOW"
	ReasonPlayerGasLow           = "PLAYER_GAS_LOW"
	ReasonPlayerSignerUnavail    = "PLAYER_SIGNER_UNAVAILABLE"
	ReasonHouseAllowanceLow      = "HOUSE_ALLOWANCE_LOW"
	ReasonHouseBalanceLow        = "HOUSE_BALANCE_LOW"
	ReasonHouseGasLow            = "HOUSE_GAS_LOW"
	ReasonHouseSignerUnavail     = "HOUSE_SIGNER_UNAVAILABLE"
	ReasonInternalAuthFailed     = "INTERNAL_AUTH_FAILED"
	ReasonInternalTransportError = "INTERNAL_TRANSPORT_ERROR"
	ReasonRPCUnavailable         = "RPC_UNAVAILABLE"
	ReasonUnknownPrecheck        = "UNKNOWN_PRECHECK_FAILURE"

	ReasonBetIDAlreadyUsed      = "BET_ID_ALREADY_USED"
	ReasonInvalidWager          = "INVALID_WAGER"
	ReasonInvalidParticipants   = "INVALID_ESCROW_PARTICIPANTS"
	ReasonBetNotLocked          = "BET_NOT_LOCKED"
	ReasonWinnerNotParticipant  = "WINNER_NOT_PARTICIPANT"
	ReasonOnchainExecutionError = "ONCHAIN_EXECUTION_ERROR"

	ReasonEscrowNotLocked      = "escrow_not_locked"
	ReasonWalletPolicyDisabled = "wallet_policy_disabled"
)

// reasonTexts maps preflight codes to user-actionable copy for station_ui.
var reasonTexts = map[string]string{
	ReasonPlayerAllowanceLow:     "Your token allowance is too low for this wager.",
	ReasonPlayerBalanceLow:       "Your balance does not cover this wager.",
	ReasonPlayerGasLow:           "Your wallet does not have enough gas.",
	ReasonPlayerSignerUnavail:    "Your wallet signer is unavailable.",
	ReasonHouseAllowanceLow:      "The house cannot cover this wager right now.",
	ReasonHouseBalanceLow:        "The house cannot cover this wager right now.",
	ReasonHouseGasLow:            "The house wallet is low on gas.",
	ReasonHouseSignerUnavail:     "The house signer is unavailable.",
	ReasonInternalAuthFailed:     "Wagering is temporarily unavailable.",
	ReasonInternalTransportError: "Wagering is temporarily unavailable.",
	ReasonRPCUnavailable:         "The chain is unreachable; try again shortly.",
	ReasonUnknownPrecheck:        "Wager checks failed; try again shortly.",
}

// ReasonText returns the user-facing copy for a reason code, falling back
// to a generic retry message.
func ReasonText(code string) string {
	if text, ok := reasonTexts[code]; ok {
		return text
	}
	return "Something went wrong; please retry."
}

// classifyTransport maps a Go-level error from the runtime client to a
// structured reason code.
func classifyTransport(err error) string {
	if err == nil {
		return ""
	}
	return ReasonInternalTransportError
}

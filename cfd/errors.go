package cfd

import "fmt"

// ErrorKind classifies a Decide failure into the 8 kinds spec.md's
// error taxonomy names, so callers (the protocol actors, the CLI) can
// react by kind instead of string-matching.
type ErrorKind int

const (
	ErrKindInvalidTransition ErrorKind = iota
	ErrKindAlreadyInProgress
	ErrKindStaleProposal
	ErrKindUnknownContract
	ErrKindInsufficientLiquidity
	ErrKindOracleUnavailable
	ErrKindWalletError
	ErrKindProtocolViolation
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindInvalidTransition:
		return "invalid_transition"
	case ErrKindAlreadyInProgress:
		return "already_in_progress"
	case ErrKindStaleProposal:
		return "stale_proposal"
	case ErrKindUnknownContract:
		return "unknown_contract"
	case ErrKindInsufficientLiquidity:
		return "insufficient_liquidity"
	case ErrKindOracleUnavailable:
		return "oracle_unavailable"
	case ErrKindWalletError:
		return "wallet_error"
	case ErrKindProtocolViolation:
		return "protocol_violation"
	default:
		return "unknown"
	}
}

// Error is the aggregate's only error type; Decide never returns a
// bare error so every failure carries a machine-checkable Kind.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// ParseErrorKind is the inverse of ErrorKind.String, used by cfddb to
// restore the kind of a persisted *Failed event on load.
func ParseErrorKind(s string) (ErrorKind, error) {
	switch s {
	case ErrKindInvalidTransition.String():
		return ErrKindInvalidTransition, nil
	case ErrKindAlreadyInProgress.String():
		return ErrKindAlreadyInProgress, nil
	case ErrKindStaleProposal.String():
		return ErrKindStaleProposal, nil
	case ErrKindUnknownContract.String():
		return ErrKindUnknownContract, nil
	case ErrKindInsufficientLiquidity.String():
		return ErrKindInsufficientLiquidity, nil
	case ErrKindOracleUnavailable.String():
		return ErrKindOracleUnavailable, nil
	case ErrKindWalletError.String():
		return ErrKindWalletError, nil
	case ErrKindProtocolViolation.String():
		return ErrKindProtocolViolation, nil
	default:
		return 0, fmt.Errorf("cfd: unknown error kind %q", s)
	}
}

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// InvalidTransition reports that Command cannot be applied to a
// contract currently in Phase (spec invariant 4).
func InvalidTransition(cmd string, p Phase) *Error {
	return newError(ErrKindInvalidTransition, "cannot apply %s while in phase %s", cmd, p)
}

func AlreadyInProgress(what string) *Error {
	return newError(ErrKindAlreadyInProgress, "%s already in progress", what)
}

func StaleProposal(reason string) *Error {
	return newError(ErrKindStaleProposal, "%s", reason)
}

// Package fault defines the failure taxonomy of a secure-boot verification
// run.  Packages wrap these sentinels with fmt.Errorf("%w: ...") so that the
// top-level runner can classify a failure with errors.Is.
package fault

import "errors"

var (
	// ErrProtocolMismatch is a management-channel or attribute response that
	// does not match the expected fixed pattern.
	ErrProtocolMismatch = errors.New("protocol mismatch")

	// ErrStateTransitionTimeout is a requested power/firmware state that was
	// not observed within its bound.
	ErrStateTransitionTimeout = errors.New("state transition timeout")

	// ErrPresenceWindowNotObserved is a console marker of the physical
	// presence sequence that never showed up.
	ErrPresenceWindowNotObserved = errors.New("physical presence window not observed")

	// ErrEnrollmentSequencing is a key class enrolled out of order.
	ErrEnrollmentSequencing = errors.New("enrollment sequencing error")

	ErrEnforcementMismatch    = errors.New("enforcement mismatch")
	ErrMissingPresenceMarkers = errors.New("missing physical presence markers")

	// ErrSignatureEnforcementBypassed is an image that must be rejected but
	// was accepted.
	ErrSignatureEnforcementBypassed = errors.New("signature enforcement bypassed")
	ErrUnexpectedRejection          = errors.New("unexpected rejection")

	ErrConsoleTimeout = errors.New("console timeout")
	ErrConsoleClosed  = errors.New("console closed")
)

// Level orders failures by how they must be surfaced
type Level int

const (
	LevelNone Level = iota
	LevelFailure
	LevelSecurityRegression
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelFailure:
		return "failure"
	case LevelSecurityRegression:
		return "security-regression"
	default:
		return "unknown"
	}
}

// Severity classifies err.  A bypassed signature check is a security
// regression; everything else is an ordinary failure.
func Severity(err error) Level {
	if err == nil {
		return LevelNone
	}
	if errors.Is(err, ErrSignatureEnforcementBypassed) {
		return LevelSecurityRegression
	}
	return LevelFailure
}

// Kind returns the name of the taxonomy sentinel wrapped by err, or
// "unclassified" if there is none.
func Kind(err error) string {
	for _, k := range []struct {
		err  error
		name string
	}{
		{ErrSignatureEnforcementBypassed, "SignatureEnforcementBypassed"},
		{ErrProtocolMismatch, "ProtocolMismatch"},
		{ErrPresenceWindowNotObserved, "PresenceWindowNotObserved"},
		{ErrStateTransitionTimeout, "StateTransitionTimeout"},
		{ErrEnrollmentSequencing, "EnrollmentSequencingError"},
		{ErrEnforcementMismatch, "EnforcementMismatch"},
		{ErrMissingPresenceMarkers, "MissingPresenceMarkers"},
		{ErrUnexpectedRejection, "UnexpectedRejection"},
		{ErrConsoleTimeout, "Timeout"},
		{ErrConsoleClosed, "ConsoleClosed"},
	} {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "unclassified"
}

package verify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"system-transparency.org/sbverify/internal/fault"
	"system-transparency.org/sbverify/internal/ssh"
)

type Expectation int

const (
	Rejected Expectation = iota
	Accepted
)

func (e Expectation) String() string {
	switch e {
	case Rejected:
		return "rejected"
	case Accepted:
		return "accepted"
	default:
		return "unknown"
	}
}

func (e Expectation) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// KexecAttempt is one kernel load against the enrolled policy
type KexecAttempt struct {
	Image      string      `json:"image"`
	Expected   Expectation `json:"expected"`
	Observed   Expectation `json:"observed"`
	ExitStatus int         `json:"exit_status"`
	Output     string      `json:"output"`
}

// KexecError is an attempt whose observed outcome differs from the
// expected one
type KexecError struct {
	Attempt KexecAttempt
	Err     error
}

func (e *KexecError) Error() string {
	return fmt.Sprintf("%v: %s expected %v but was %v (exit %d): %s",
		e.Err, e.Attempt.Image, e.Attempt.Expected, e.Attempt.Observed, e.Attempt.ExitStatus, strings.TrimSpace(e.Attempt.Output))
}

func (e *KexecError) Unwrap() error {
	return e.Err
}

// Classify decides the observed outcome from the combined command output.
// Only the literal rejection marker counts as a rejection.
func Classify(output string, expected Expectation) (Expectation, error) {
	observed := Accepted
	if strings.Contains(output, RejectionMarker) {
		observed = Rejected
	}
	switch {
	case expected == Rejected && observed == Accepted:
		return observed, fault.ErrSignatureEnforcementBypassed
	case expected == Accepted && observed == Rejected:
		return observed, fault.ErrUnexpectedRejection
	}
	return observed, nil
}

// AttemptKexec loads image, a path on the host, with the configured kexec
// command.  A non-zero exit status is evidence, not an error.
func (c *Checker) AttemptKexec(ctx context.Context, image string, expected Expectation) (KexecAttempt, error) {
	cmd := fmt.Sprintf(c.cfg.KexecCommand, ssh.Quote(image))
	res, err := c.r.Run(ctx, cmd, nil)
	if err != nil {
		return KexecAttempt{Image: image, Expected: expected}, fmt.Errorf("kexec %s: %w", image, err)
	}

	a := KexecAttempt{
		Image:      image,
		Expected:   expected,
		ExitStatus: res.ExitStatus,
		Output:     string(res.Output),
	}
	a.Observed, err = Classify(a.Output, expected)
	c.log.Info("kexec attempt",
		zap.String("image", image),
		zap.Stringer("expected", expected),
		zap.Stringer("observed", a.Observed),
		zap.Int("status", a.ExitStatus))
	if err != nil {
		return a, &KexecError{Attempt: a, Err: err}
	}
	return a, nil
}

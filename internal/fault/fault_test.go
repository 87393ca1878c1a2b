package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestSeverity(t *testing.T) {
	for _, table := range []struct {
		desc string
		err  error
		want Level
	}{
		{"nil", nil, LevelNone},
		{"plain", errors.New("boom"), LevelFailure},
		{"protocol", fmt.Errorf("read window: %w", ErrProtocolMismatch), LevelFailure},
		{"bypass", fmt.Errorf("kexec unsigned: %w", ErrSignatureEnforcementBypassed), LevelSecurityRegression},
		{"bypass: double wrap", fmt.Errorf("phase kexec: %w", fmt.Errorf("x: %w", ErrSignatureEnforcementBypassed)), LevelSecurityRegression},
	} {
		if got, want := Severity(table.err), table.want; got != want {
			t.Errorf("%s: got %v but wanted %v", table.desc, got, want)
		}
	}
}

func TestKind(t *testing.T) {
	for _, table := range []struct {
		err  error
		want string
	}{
		{errors.New("boom"), "unclassified"},
		{fmt.Errorf("x: %w", ErrConsoleTimeout), "Timeout"},
		{fmt.Errorf("%w: %w", ErrPresenceWindowNotObserved, ErrConsoleTimeout), "PresenceWindowNotObserved"},
		{fmt.Errorf("x: %w", ErrEnrollmentSequencing), "EnrollmentSequencingError"},
	} {
		if got, want := Kind(table.err), table.want; got != want {
			t.Errorf("%v: got %q but wanted %q", table.err, got, want)
		}
	}
}

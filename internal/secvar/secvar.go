// Package secvar enrolls the secure boot key hierarchy through the host's
// secvar sysfs interface and keeps a record of every enrollment cycle.
package secvar

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"system-transparency.org/sbverify/internal/fault"
	"system-transparency.org/sbverify/internal/ssh"
)

// VarsDir is where skiboot exposes the security variables
const VarsDir = "/sys/firmware/secvar/vars"

// Runner runs a shell command on the host under test
type Runner interface {
	Run(ctx context.Context, cmd string, stdin io.Reader) (*ssh.Result, error)
}

type Outcome int

const (
	Pending Outcome = iota
	Enforced
	NotEnforced
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Enforced:
		return "enforced"
	case NotEnforced:
		return "not-enforced"
	default:
		return "unknown"
	}
}

// EnrollmentRecord is one issued key update.  The outcome is recorded once,
// after the boot that follows the update.
type EnrollmentRecord struct {
	Class      KeyClass
	Blob       []byte
	Outcome    Outcome
	IssuedAt   time.Time
	RecordedAt time.Time
}

type Store struct {
	r   Runner
	clk clock.Clock
	log *zap.Logger
	dir string

	records    []EnrollmentRecord
	superseded [][]EnrollmentRecord
}

func NewStore(r Runner, clk clock.Clock, log *zap.Logger) *Store {
	return &Store{r: r, clk: clk, log: log, dir: VarsDir}
}

// UpdatePath is the write-only update file of class
func (s *Store) UpdatePath(class KeyClass) string {
	return path.Join(s.dir, class.VarName(), "update")
}

// Next is the class that must be enrolled next, or zero once the cycle is
// complete
func (s *Store) Next() KeyClass {
	if len(s.records) >= len(Order) {
		return 0
	}
	return Order[len(s.records)]
}

// Enroll writes blob to the update file of class.  Classes are accepted
// only in Order; anything else is rejected before the host sees it.  The
// update takes effect on the next full power cycle.
func (s *Store) Enroll(ctx context.Context, class KeyClass, blob []byte) error {
	if !class.Valid() {
		return fmt.Errorf("%w: invalid key class %d", fault.ErrEnrollmentSequencing, class)
	}
	next := s.Next()
	if next == 0 {
		return fmt.Errorf("%w: %v after a complete cycle, reset first", fault.ErrEnrollmentSequencing, class)
	}
	if class != next {
		return fmt.Errorf("%w: %v issued while %v is still outstanding", fault.ErrEnrollmentSequencing, class, next)
	}
	if len(blob) == 0 {
		return fmt.Errorf("%v: empty update", class)
	}

	if info, err := Inspect(blob); err != nil {
		s.log.Warn("update does not decode", zap.Stringer("class", class), zap.Error(err))
	} else {
		s.log.Debug("update", zap.Stringer("class", class), zap.Stringer("blob", info))
	}

	p := s.UpdatePath(class)
	res, err := ssh.WriteFile(ctx, s.r, p, blob)
	if err != nil {
		return fmt.Errorf("enroll %v: %w", class, err)
	}
	if res.ExitStatus != 0 {
		return fmt.Errorf("enroll %v: %s", class, res)
	}

	s.records = append(s.records, EnrollmentRecord{
		Class:    class,
		Blob:     append([]byte(nil), blob...),
		Outcome:  Pending,
		IssuedAt: s.clk.Now(),
	})
	s.log.Info("issued key update", zap.Stringer("class", class), zap.String("path", p), zap.Int("size", len(blob)))
	return nil
}

// Complete reports whether all classes of the current cycle were issued
func (s *Store) Complete() bool {
	return len(s.records) == len(Order)
}

// Confirm records outcome on every pending record of a complete cycle
func (s *Store) Confirm(outcome Outcome) error {
	if outcome == Pending {
		return fmt.Errorf("cannot confirm outcome %v", outcome)
	}
	if !s.Complete() {
		return fmt.Errorf("%w: cycle incomplete, %v outstanding", fault.ErrEnrollmentSequencing, s.Next())
	}
	now := s.clk.Now()
	n := 0
	for i := range s.records {
		if s.records[i].Outcome != Pending {
			continue
		}
		s.records[i].Outcome = outcome
		s.records[i].RecordedAt = now
		n++
	}
	if n == 0 {
		return fmt.Errorf("outcome already recorded")
	}
	s.log.Info("recorded enrollment outcome", zap.Stringer("outcome", outcome), zap.Int("records", n))
	return nil
}

// Records returns a copy of the current cycle's records
func (s *Store) Records() []EnrollmentRecord {
	return append([]EnrollmentRecord(nil), s.records...)
}

// Superseded returns the records of earlier cycles, oldest first
func (s *Store) Superseded() [][]EnrollmentRecord {
	return append([][]EnrollmentRecord(nil), s.superseded...)
}

// Reset starts a new enrollment cycle.  Prior records are kept as
// superseded.
func (s *Store) Reset() {
	if len(s.records) > 0 {
		s.superseded = append(s.superseded, s.records)
	}
	s.records = nil
}

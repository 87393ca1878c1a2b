package orchestrator

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"system-transparency.org/sbverify/internal/secvar"
	"system-transparency.org/sbverify/internal/verify"
)

// PresenceAssertionResult is the evidence of one presence assertion: the
// management channel response and the console markers seen in order
type PresenceAssertionResult struct {
	Response string   `json:"response"`
	Console  []string `json:"console"`
	Observed bool     `json:"observed"`
}

type PhaseResult struct {
	Phase    Phase     `json:"phase"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Error    string    `json:"error,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	Evidence []string  `json:"evidence,omitempty"`
}

func (r PhaseResult) Passed() bool {
	return r.Error == ""
}

type Enrollment struct {
	Class      string    `json:"class"`
	Size       int       `json:"size"`
	Outcome    string    `json:"outcome"`
	IssuedAt   time.Time `json:"issued_at"`
	RecordedAt time.Time `json:"recorded_at,omitempty"`
}

// Report describes one run
type Report struct {
	RunID       uuid.UUID                    `json:"run_id"`
	Started     time.Time                    `json:"started"`
	Finished    time.Time                    `json:"finished"`
	State       State                        `json:"state"`
	Phases      []PhaseResult                `json:"phases"`
	Presence    []PresenceAssertionResult    `json:"presence,omitempty"`
	Snapshots   []verify.EnforcementSnapshot `json:"snapshots,omitempty"`
	Kexec       []verify.KexecAttempt        `json:"kexec,omitempty"`
	Enrollments []Enrollment                 `json:"enrollments,omitempty"`
}

func newReport(id uuid.UUID, started time.Time) *Report {
	return &Report{RunID: id, Started: started}
}

// Passed reports whether every phase that ran passed
func (r *Report) Passed() bool {
	for _, p := range r.Phases {
		if !p.Passed() {
			return false
		}
	}
	return true
}

// WriteJSON writes the report in indented JSON
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func summarize(records []secvar.EnrollmentRecord) []Enrollment {
	var out []Enrollment
	for _, rec := range records {
		out = append(out, Enrollment{
			Class:      rec.Class.String(),
			Size:       len(rec.Blob),
			Outcome:    rec.Outcome.String(),
			IssuedAt:   rec.IssuedAt,
			RecordedAt: rec.RecordedAt,
		})
	}
	return out
}

// Save writes the report to path
func (r *Report) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := r.WriteJSON(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Log summarizes the report, one entry per phase
func (r *Report) Log(log *zap.Logger) {
	for _, p := range r.Phases {
		fields := []zap.Field{
			zap.String("phase", string(p.Phase)),
			zap.Duration("took", p.Finished.Sub(p.Started)),
		}
		if p.Passed() {
			log.Info("PASS", fields...)
			continue
		}
		log.Error("FAIL", append(fields, zap.String("kind", p.Kind), zap.String("error", p.Error))...)
	}
	log.Info("run finished",
		zap.Stringer("run", r.RunID),
		zap.Stringer("state", r.State),
		zap.Bool("passed", r.Passed()))
}

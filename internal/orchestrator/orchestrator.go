// Package orchestrator sequences a complete secure boot verification run:
// assert physical presence, enroll the key hierarchy, verify enforcement,
// attempt kexec of signed, unsigned and revoked kernels, and finally
// re-assert physical presence to leave the target without OS keys.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"system-transparency.org/sbverify/internal/fault"
	"system-transparency.org/sbverify/internal/ipmi"
	"system-transparency.org/sbverify/internal/power"
	"system-transparency.org/sbverify/internal/secvar"
	"system-transparency.org/sbverify/internal/verify"
)

// Console markers printed by the host firmware while it handles a
// physical presence request
const (
	MarkerWindowOpened     = "Opened Physical Presence Detection Window"
	MarkerPowerOffNotice   = "System Will Power Off and Wait For Manual Power On"
	MarkerShutdownComplete = "shutdown complete"
)

type State int

const (
	Clean State = iota
	PresenceAsserted
	KeysEnrolled
	EnforcementVerified
	KexecTested
	Cleaned
	Aborted
)

func (s State) String() string {
	switch s {
	case Clean:
		return "Clean"
	case PresenceAsserted:
		return "PresenceAsserted"
	case KeysEnrolled:
		return "KeysEnrolled"
	case EnforcementVerified:
		return "EnforcementVerified"
	case KexecTested:
		return "KexecTested"
	case Cleaned:
		return "Cleaned"
	case Aborted:
		return "Aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Phase string

const (
	PhaseAssertPresence Phase = "assert-presence"
	PhaseEnrollKeys     Phase = "enroll-keys"
	PhaseKexec          Phase = "kexec"
	PhaseCleanup        Phase = "cleanup"
)

// Phases lists the phases of a full run in order
var Phases = []Phase{PhaseAssertPresence, PhaseEnrollKeys, PhaseKexec, PhaseCleanup}

// ParsePhase accepts a phase name
func ParsePhase(s string) (Phase, error) {
	for _, p := range Phases {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

// PhaseError is the fatal failure of one phase together with the evidence
// collected up to that point
type PhaseError struct {
	Phase    Phase
	Evidence []string
	Err      error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// PowerController moves the target between power states
type PowerController interface {
	GotoState(ctx context.Context, target power.State) error
	PowerOn(ctx context.Context) error
	Observe(s power.State)
	State() power.State
}

type KeyStore interface {
	Enroll(ctx context.Context, class secvar.KeyClass, blob []byte) error
	Confirm(outcome secvar.Outcome) error
	Records() []secvar.EnrollmentRecord
	Reset()
}

type Checker interface {
	CheckEnforcement(ctx context.Context, expectEnforcing, expectMarkers bool) (verify.EnforcementSnapshot, error)
	Stage(ctx context.Context, name string, image []byte) (string, error)
	AttemptKexec(ctx context.Context, image string, expected verify.Expectation) (verify.KexecAttempt, error)
}

// Console is a forward-only scanner over the host console
type Console interface {
	Expect(ctx context.Context, timeout time.Duration, patterns ...string) (int, error)
	Transcript() string
	io.Closer
}

// ConsoleOpener attaches to the host console.  It is called before each
// presence assertion so that no stale output is matched.
type ConsoleOpener func(ctx context.Context) (Console, error)

// Stager installs the physical presence overrides on the BMC
type Stager interface {
	StagePresence(ctx context.Context, attrImage []byte, cfamOverrides []string) error
}

// Kernel is an image to load with kexec and the outcome the enrolled policy
// demands
type Kernel struct {
	Name     string
	Image    []byte
	Expected verify.Expectation
}

type Config struct {
	Keys    map[secvar.KeyClass][]byte
	Kernels []Kernel

	// Optional BMC staging before each presence assertion
	AttrImage     []byte
	CFAMOverrides []string

	WindowTimeout   time.Duration // power on until the window opens
	NoticeTimeout   time.Duration // window open until the power off notice
	ShutdownTimeout time.Duration // notice until shutdown complete
	Settle          time.Duration // firmware processing of key updates

	SkipCleanup bool
}

// DefaultConfig has the timeouts observed on OpenPOWER systems
var DefaultConfig = Config{
	WindowTimeout:   120 * time.Second,
	NoticeTimeout:   30 * time.Second,
	ShutdownTimeout: 30 * time.Second,
	Settle:          10 * time.Second,
}

// Deps are the collaborators of an Orchestrator.  Stager may be nil.
type Deps struct {
	Power   PowerController
	Channel ipmi.Channel
	Keys    KeyStore
	Checker Checker
	Console ConsoleOpener
	Stager  Stager
	Clock   clock.Clock
	Log     *zap.Logger
}

type Orchestrator struct {
	Deps
	cfg Config

	state  State
	report *Report
	log    *zap.Logger
}

func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Power == nil:
		return nil, fmt.Errorf("no power controller")
	case deps.Channel == nil:
		return nil, fmt.Errorf("no management channel")
	case deps.Keys == nil:
		return nil, fmt.Errorf("no key store")
	case deps.Checker == nil:
		return nil, fmt.Errorf("no checker")
	case deps.Console == nil:
		return nil, fmt.Errorf("no console")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}

	// A kernel that loads may hand off execution, so accepted images go last
	kernels := append([]Kernel(nil), cfg.Kernels...)
	sort.SliceStable(kernels, func(i, j int) bool {
		return kernels[i].Expected == verify.Rejected && kernels[j].Expected == verify.Accepted
	})
	cfg.Kernels = kernels

	return &Orchestrator{Deps: deps, cfg: cfg, state: Clean}, nil
}

func (o *Orchestrator) State() State {
	return o.state
}

// Run executes all phases in order and stops at the first failure.  The
// report is returned in both cases.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	o.begin()
	defer o.finish()

	o.state = Clean
	o.log.Info("starting run", zap.Stringer("state", o.state))
	for _, p := range Phases {
		if p == PhaseCleanup && o.cfg.SkipCleanup {
			o.log.Warn("cleanup skipped, target keeps its enrolled keys")
			continue
		}
		if err := o.runPhase(ctx, p); err != nil {
			return o.report, err
		}
	}
	return o.report, nil
}

// RunPhase executes a single phase regardless of the current state.  The
// caller is responsible for the target meeting its preconditions.
func (o *Orchestrator) RunPhase(ctx context.Context, p Phase) (*Report, error) {
	o.begin()
	defer o.finish()
	return o.report, o.runPhase(ctx, p)
}

func (o *Orchestrator) begin() {
	o.report = newReport(uuid.New(), o.Clock.Now())
	o.log = o.Log.With(zap.Stringer("run", o.report.RunID))
}

func (o *Orchestrator) finish() {
	o.report.Finished = o.Clock.Now()
	o.report.State = o.state
}

func (o *Orchestrator) runPhase(ctx context.Context, p Phase) error {
	var (
		fn     func(context.Context, *phaseRun) error
		target State
	)
	switch p {
	case PhaseAssertPresence:
		fn, target = o.assertPresence, PresenceAsserted
	case PhaseEnrollKeys:
		fn, target = o.enrollKeys, EnforcementVerified
	case PhaseKexec:
		fn, target = o.kexec, KexecTested
	case PhaseCleanup:
		fn, target = o.cleanup, Cleaned
	default:
		return fmt.Errorf("unknown phase %q", p)
	}

	run := &phaseRun{phase: p, log: o.log.With(zap.String("phase", string(p)))}
	res := PhaseResult{Phase: p, Started: o.Clock.Now()}
	run.log.Info("phase started")

	err := fn(ctx, run)
	res.Finished = o.Clock.Now()
	res.Evidence = run.evidence
	if err != nil {
		res.Error = err.Error()
		res.Kind = fault.Kind(err)
		o.report.Phases = append(o.report.Phases, res)
		o.state = Aborted
		run.log.Error("phase failed",
			zap.String("kind", res.Kind),
			zap.Stringer("severity", fault.Severity(err)),
			zap.Error(err))
		return &PhaseError{Phase: p, Evidence: run.evidence, Err: err}
	}
	o.report.Phases = append(o.report.Phases, res)
	o.state = target
	run.log.Info("phase passed", zap.Stringer("state", o.state), zap.Duration("took", res.Finished.Sub(res.Started)))
	return nil
}

// phaseRun collects evidence while a phase executes
type phaseRun struct {
	phase    Phase
	log      *zap.Logger
	evidence []string
}

func (r *phaseRun) note(format string, args ...interface{}) {
	s := fmt.Sprintf(format, args...)
	r.evidence = append(r.evidence, s)
	r.log.Debug("evidence", zap.String("note", s))
}

// sleep waits d on the injected clock
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := o.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

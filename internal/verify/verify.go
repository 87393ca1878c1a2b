// Package verify reads the host's secure boot state after a boot and
// classifies kexec attempts against the enrolled policy.
package verify

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"go.uber.org/zap"

	"system-transparency.org/sbverify/internal/fault"
	"system-transparency.org/sbverify/internal/ssh"
)

const (
	DefaultAttrDir       = "/sys/firmware/devicetree/base/ibm,secureboot"
	DefaultKexecCommand  = "kexec -s -l %s"
	DefaultStagingDir    = "/tmp"
	AttrEnforcing        = "os-secureboot-enforcing"
	AttrPresenceAsserted = "physical-presence-asserted"
	AttrKeysCleared      = "clear-os-keys"
	RejectionMarker      = "Permission denied"
)

// Runner runs a shell command on the host under test
type Runner interface {
	Run(ctx context.Context, cmd string, stdin io.Reader) (*ssh.Result, error)
}

// EnforcementSnapshot is the presence of each secure boot attribute as read
// after one boot
type EnforcementSnapshot struct {
	Enforcing                bool `json:"enforcing"`
	PhysicalPresenceAsserted bool `json:"physical_presence_asserted"`
	KeysCleared              bool `json:"keys_cleared"`
}

func (s EnforcementSnapshot) String() string {
	return fmt.Sprintf("enforcing=%v physical-presence-asserted=%v clear-os-keys=%v",
		s.Enforcing, s.PhysicalPresenceAsserted, s.KeysCleared)
}

// SnapshotError is a verification disagreement together with what was read
type SnapshotError struct {
	Snapshot EnforcementSnapshot
	Detail   string
	Err      error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("%v: %s [%v]", e.Err, e.Detail, e.Snapshot)
}

func (e *SnapshotError) Unwrap() error {
	return e.Err
}

type Config struct {
	AttrDir      string
	KexecCommand string // printf template, %s is the staged image path
	StagingDir   string
}

type Checker struct {
	r   Runner
	cfg Config
	log *zap.Logger
}

func NewChecker(r Runner, cfg Config, log *zap.Logger) *Checker {
	if cfg.AttrDir == "" {
		cfg.AttrDir = DefaultAttrDir
	}
	if cfg.KexecCommand == "" {
		cfg.KexecCommand = DefaultKexecCommand
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = DefaultStagingDir
	}
	return &Checker{r: r, cfg: cfg, log: log}
}

// Snapshot reads the three attributes.  Presence is the signal, content is
// ignored.
func (c *Checker) Snapshot(ctx context.Context) (EnforcementSnapshot, error) {
	var s EnforcementSnapshot
	for _, attr := range []struct {
		name string
		dst  *bool
	}{
		{AttrEnforcing, &s.Enforcing},
		{AttrPresenceAsserted, &s.PhysicalPresenceAsserted},
		{AttrKeysCleared, &s.KeysCleared},
	} {
		present, err := c.exists(ctx, path.Join(c.cfg.AttrDir, attr.name))
		if err != nil {
			return s, err
		}
		*attr.dst = present
	}
	c.log.Info("secure boot attributes", zap.Stringer("snapshot", s))
	return s, nil
}

func (c *Checker) exists(ctx context.Context, p string) (bool, error) {
	res, err := c.r.Run(ctx, "test -e "+ssh.Quote(p), nil)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", p, err)
	}
	switch res.ExitStatus {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s", fault.ErrProtocolMismatch, res)
	}
}

// CheckEnforcement reads a snapshot and compares it against the expected
// policy.  With expectMarkers, both physical presence markers must be
// present as well.
func (c *Checker) CheckEnforcement(ctx context.Context, expectEnforcing, expectMarkers bool) (EnforcementSnapshot, error) {
	s, err := c.Snapshot(ctx)
	if err != nil {
		return s, err
	}
	if s.Enforcing != expectEnforcing {
		return s, &SnapshotError{
			Snapshot: s,
			Detail:   fmt.Sprintf("%s present=%v, wanted %v", AttrEnforcing, s.Enforcing, expectEnforcing),
			Err:      fault.ErrEnforcementMismatch,
		}
	}
	if expectMarkers && !(s.PhysicalPresenceAsserted && s.KeysCleared) {
		var missing []string
		if !s.PhysicalPresenceAsserted {
			missing = append(missing, AttrPresenceAsserted)
		}
		if !s.KeysCleared {
			missing = append(missing, AttrKeysCleared)
		}
		return s, &SnapshotError{
			Snapshot: s,
			Detail:   "missing " + strings.Join(missing, ", "),
			Err:      fault.ErrMissingPresenceMarkers,
		}
	}
	return s, nil
}

// Stage copies a kernel image to the host and returns its path there
func (c *Checker) Stage(ctx context.Context, name string, image []byte) (string, error) {
	p := path.Join(c.cfg.StagingDir, path.Base(name))
	res, err := ssh.WriteFile(ctx, c.r, p, image)
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", name, err)
	}
	if res.ExitStatus != 0 {
		return "", fmt.Errorf("stage %s: %s", name, res)
	}
	c.log.Debug("staged image", zap.String("path", p), zap.Int("size", len(image)))
	return p, nil
}

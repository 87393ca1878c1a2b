// Package bmc drives an OpenBMC over its SSH shell
package bmc

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"system-transparency.org/sbverify/internal/fault"
	"system-transparency.org/sbverify/internal/ssh"
)

const (
	AttrOverridePath  = "/usr/local/share/pnor/ATTR_TMP"
	CFAMOverridesPath = "/var/lib/obmc/cfam_overrides"
)

// DefaultCFAMOverrides make the host firmware honor physical presence on
// the next IPL
var DefaultCFAMOverrides = []string{
	"0 0x283a 0x15000000",
	"0 0x283F 0x20000000",
}

// CFAMOverride is one line of the overrides file: a chip index, a CFAM
// register address and the value to force into it
type CFAMOverride struct {
	Chip    uint64
	Address uint32
	Value   uint32
}

// ParseCFAMOverride parses a line such as "0 0x283a 0x15000000"
func ParseCFAMOverride(s string) (CFAMOverride, error) {
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return CFAMOverride{}, fmt.Errorf("cfam override %q: want chip, address and value", s)
	}
	var o CFAMOverride
	var err error
	if o.Chip, err = strconv.ParseUint(fields[0], 0, 8); err != nil {
		return o, fmt.Errorf("cfam override %q: chip: %w", s, err)
	}
	for _, f := range []struct {
		s   string
		dst *uint32
	}{
		{fields[1], &o.Address},
		{fields[2], &o.Value},
	} {
		v, err := strconv.ParseUint(f.s, 0, 32)
		if err != nil {
			return o, fmt.Errorf("cfam override %q: %w", s, err)
		}
		*f.dst = uint32(v)
	}
	return o, nil
}

// Runner runs a shell command on the BMC
type Runner interface {
	Run(ctx context.Context, cmd string, stdin io.Reader) (*ssh.Result, error)
}

type BMC struct {
	r   Runner
	log *zap.Logger
}

func New(r Runner, log *zap.Logger) *BMC {
	return &BMC{r: r, log: log}
}

func (b *BMC) check(ctx context.Context, cmd string, stdin io.Reader) (*ssh.Result, error) {
	res, err := b.r.Run(ctx, cmd, stdin)
	if err != nil {
		return nil, err
	}
	if res.ExitStatus != 0 {
		return res, fmt.Errorf("bmc: %s", res)
	}
	return res, nil
}

func (b *BMC) write(ctx context.Context, path string, data []byte) error {
	res, err := ssh.WriteFile(ctx, b.r, path, data)
	if err != nil {
		return err
	}
	if res.ExitStatus != 0 {
		return fmt.Errorf("bmc: %s", res)
	}
	return nil
}

func (b *BMC) PowerOn(ctx context.Context) error {
	_, err := b.check(ctx, "obmcutil poweron", nil)
	return err
}

func (b *BMC) PowerOff(ctx context.Context) error {
	_, err := b.check(ctx, "obmcutil poweroff", nil)
	return err
}

// IsOn parses the CurrentPowerState line of "obmcutil state"
func (b *BMC) IsOn(ctx context.Context) (bool, error) {
	res, err := b.check(ctx, "obmcutil state", nil)
	if err != nil {
		return false, err
	}
	sc := bufio.NewScanner(bytes.NewReader(res.Output))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok || strings.TrimSpace(key) != "CurrentPowerState" {
			continue
		}
		switch value = strings.TrimSpace(value); {
		case strings.HasSuffix(value, ".On"):
			return true, nil
		case strings.HasSuffix(value, ".Off"):
			return false, nil
		default:
			return false, fmt.Errorf("%w: power state %q", fault.ErrProtocolMismatch, value)
		}
	}
	return false, fmt.Errorf("%w: no CurrentPowerState in %q", fault.ErrProtocolMismatch, res.Output)
}

// StagePresence installs the attribute override image and the CFAM
// overrides that the firmware consults when asserting physical presence.
// An empty image skips the attribute override.
func (b *BMC) StagePresence(ctx context.Context, attrImage []byte, cfamOverrides []string) error {
	if len(attrImage) > 0 {
		if err := b.write(ctx, AttrOverridePath, attrImage); err != nil {
			return fmt.Errorf("stage attribute override: %w", err)
		}
		b.log.Info("staged attribute override", zap.String("path", AttrOverridePath), zap.Int("size", len(attrImage)))
	}
	if len(cfamOverrides) > 0 {
		content := strings.Join(cfamOverrides, "\n") + "\n"
		if err := b.write(ctx, CFAMOverridesPath, []byte(content)); err != nil {
			return fmt.Errorf("stage cfam overrides: %w", err)
		}
		b.log.Info("staged cfam overrides", zap.Strings("overrides", cfamOverrides))
	}
	return nil
}

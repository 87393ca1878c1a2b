// Package ipmi talks to the BMC out of band.  Raw commands are used for the
// physical presence protocol and chassis commands for power control.
package ipmi

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/siderolabs/go-cmd/pkg/cmd"
	"go.uber.org/zap"

	"system-transparency.org/sbverify/internal/fault"
	"system-transparency.org/sbverify/internal/hexify"
)

// Physical presence protocol.  The set command opens the detection window
// timer; the read command reports the window attribute back.
var (
	PresenceWindowSet  = []byte{0x04, 0x30, 0xE8, 0x00, 0x40, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	PresenceWindowRead = []byte{0x04, 0x2D, 0xE8}
	PresenceWindowOpen = []byte{0x40, 0x40, 0x00, 0x00}
)

// Channel sends raw management commands and returns the raw response
type Channel interface {
	SendRaw(ctx context.Context, req []byte) ([]byte, error)
}

// ResponseError is a response that does not carry the expected pattern
type ResponseError struct {
	Request  []byte
	Response []byte
	Want     []byte
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%v: request [%s] got [%s], want [%s]", fault.ErrProtocolMismatch,
		hexify.Format(e.Request), hexify.Format(e.Response), hexify.Format(e.Want))
}

func (e *ResponseError) Unwrap() error {
	return fault.ErrProtocolMismatch
}

// AssertPresenceWindow opens the physical presence detection window and
// confirms that the firmware honored it.  A mismatching response is fatal
// and must not be retried.
func AssertPresenceWindow(ctx context.Context, ch Channel) ([]byte, error) {
	if _, err := ch.SendRaw(ctx, PresenceWindowSet); err != nil {
		return nil, fmt.Errorf("set presence window: %w", err)
	}
	resp, err := ch.SendRaw(ctx, PresenceWindowRead)
	if err != nil {
		return nil, fmt.Errorf("read presence window: %w", err)
	}
	if !bytes.Contains(resp, PresenceWindowOpen) {
		return resp, &ResponseError{Request: PresenceWindowRead, Response: resp, Want: PresenceWindowOpen}
	}
	return resp, nil
}

// RunFunc runs a command and returns its standard output
type RunFunc func(ctx context.Context, name string, args ...string) (string, error)

// Config selects the ipmitool binary and the BMC session parameters
type Config struct {
	Tool      string // default "ipmitool"
	Interface string // default "lanplus"
	Address   string
	User      string
	Password  string
}

// Tool is a Channel backed by the ipmitool binary
type Tool struct {
	cfg Config
	run RunFunc
	log *zap.Logger
}

func NewTool(cfg Config, log *zap.Logger) *Tool {
	if cfg.Tool == "" {
		cfg.Tool = "ipmitool"
	}
	if cfg.Interface == "" {
		cfg.Interface = "lanplus"
	}
	return &Tool{cfg: cfg, run: cmd.RunContext, log: log.With(zap.String("bmc", cfg.Address))}
}

func (t *Tool) invoke(ctx context.Context, args ...string) (string, error) {
	base := []string{"-I", t.cfg.Interface, "-H", t.cfg.Address, "-U", t.cfg.User, "-P", t.cfg.Password}
	t.log.Debug("ipmitool", zap.Strings("args", args))
	out, err := t.run(ctx, t.cfg.Tool, append(base, args...)...)
	if err != nil {
		return "", fmt.Errorf("ipmitool %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

func (t *Tool) SendRaw(ctx context.Context, req []byte) ([]byte, error) {
	if len(req) < 2 {
		return nil, fmt.Errorf("raw request needs netfn and command, got [%s]", hexify.Format(req))
	}
	out, err := t.invoke(ctx, append([]string{"raw"}, hexify.Args(req)...)...)
	if err != nil {
		return nil, err
	}
	resp, err := hexify.Parse(out)
	if err != nil {
		return nil, fmt.Errorf("parse response %q: %w", out, err)
	}
	t.log.Info("raw", zap.String("request", hexify.Format(req)), zap.String("response", hexify.Format(resp)))
	return resp, nil
}

func (t *Tool) PowerOn(ctx context.Context) error {
	_, err := t.invoke(ctx, "chassis", "power", "on")
	return err
}

func (t *Tool) PowerOff(ctx context.Context) error {
	_, err := t.invoke(ctx, "chassis", "power", "off")
	return err
}

// IsOn parses "Chassis Power is on|off"
func (t *Tool) IsOn(ctx context.Context) (bool, error) {
	out, err := t.invoke(ctx, "chassis", "power", "status")
	if err != nil {
		return false, err
	}
	switch status := strings.TrimSpace(out); {
	case strings.HasSuffix(status, " on"):
		return true, nil
	case strings.HasSuffix(status, " off"):
		return false, nil
	default:
		return false, fmt.Errorf("%w: chassis power status %q", fault.ErrProtocolMismatch, status)
	}
}

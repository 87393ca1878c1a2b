package verify

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"system-transparency.org/sbverify/internal/fault"
	"system-transparency.org/sbverify/internal/ssh"
)

type reply struct {
	output string
	status int
}

// fakeHost answers known commands and fails everything else with 127
type fakeHost struct {
	replies map[string]reply
	cmds    []string
	stdin   [][]byte
}

func (h *fakeHost) Run(_ context.Context, cmd string, stdin io.Reader) (*ssh.Result, error) {
	h.cmds = append(h.cmds, cmd)
	if stdin != nil {
		b, _ := io.ReadAll(stdin)
		h.stdin = append(h.stdin, b)
	}
	r, ok := h.replies[cmd]
	if !ok {
		r = reply{"sh: not found", 127}
	}
	return &ssh.Result{Command: cmd, Output: []byte(r.output), ExitStatus: r.status}, nil
}

func attrs(enforcing, asserted, cleared bool) *fakeHost {
	status := func(present bool) reply {
		if present {
			return reply{}
		}
		return reply{status: 1}
	}
	return &fakeHost{replies: map[string]reply{
		"test -e '/sys/firmware/devicetree/base/ibm,secureboot/os-secureboot-enforcing'":    status(enforcing),
		"test -e '/sys/firmware/devicetree/base/ibm,secureboot/physical-presence-asserted'": status(asserted),
		"test -e '/sys/firmware/devicetree/base/ibm,secureboot/clear-os-keys'":              status(cleared),
	}}
}

func TestCheckEnforcement(t *testing.T) {
	for _, table := range []struct {
		desc            string
		host            *fakeHost
		expectEnforcing bool
		expectMarkers   bool
		wantErr         error
	}{
		{"after presence", attrs(false, true, true), false, true, nil},
		{"after enrollment", attrs(true, false, false), true, false, nil},
		{"enrollment ignores markers", attrs(true, true, true), true, false, nil},
		{"not enforcing", attrs(false, false, false), true, false, fault.ErrEnforcementMismatch},
		{"still enforcing", attrs(true, true, true), false, true, fault.ErrEnforcementMismatch},
		{"keys not cleared", attrs(false, true, false), false, true, fault.ErrMissingPresenceMarkers},
		{"presence not asserted", attrs(false, false, true), false, true, fault.ErrMissingPresenceMarkers},
	} {
		c := NewChecker(table.host, Config{}, zaptest.NewLogger(t))
		snap, err := c.CheckEnforcement(context.Background(), table.expectEnforcing, table.expectMarkers)
		if !errors.Is(err, table.wantErr) && !(err == nil && table.wantErr == nil) {
			t.Errorf("%s: got error %v but wanted %v", table.desc, err, table.wantErr)
			continue
		}
		if err != nil {
			var se *SnapshotError
			require.True(t, errors.As(err, &se), table.desc)
			assert.Equal(t, snap, se.Snapshot, table.desc)
		}
	}
}

func TestSnapshotUnexpectedStatus(t *testing.T) {
	h := attrs(true, true, true)
	h.replies["test -e '/sys/firmware/devicetree/base/ibm,secureboot/clear-os-keys'"] = reply{"Input/output error", 2}
	c := NewChecker(h, Config{}, zaptest.NewLogger(t))
	_, err := c.Snapshot(context.Background())
	assert.True(t, errors.Is(err, fault.ErrProtocolMismatch), "got %v", err)
}

func TestClassify(t *testing.T) {
	for _, table := range []struct {
		output       string
		expected     Expectation
		wantObserved Expectation
		wantErr      error
	}{
		{"kexec: Permission denied", Rejected, Rejected, nil},
		{"kexec_file_load failed: Permission denied\n", Rejected, Rejected, nil},
		{"Loaded kernel", Rejected, Accepted, fault.ErrSignatureEnforcementBypassed},
		{"", Rejected, Accepted, fault.ErrSignatureEnforcementBypassed},
		{"kexec: permission denied", Rejected, Accepted, fault.ErrSignatureEnforcementBypassed},
		{"", Accepted, Accepted, nil},
		{"kexec: Permission denied", Accepted, Rejected, fault.ErrUnexpectedRejection},
	} {
		observed, err := Classify(table.output, table.expected)
		if observed != table.wantObserved {
			t.Errorf("%q: got %v but wanted %v", table.output, observed, table.wantObserved)
		}
		if err != table.wantErr {
			t.Errorf("%q: got error %v but wanted %v", table.output, err, table.wantErr)
		}
	}
}

func TestAttemptKexec(t *testing.T) {
	h := &fakeHost{replies: map[string]reply{
		"kexec -s -l '/tmp/unsigned'": {"kexec: Permission denied\n", 255},
		"kexec -s -l '/tmp/revoked'":  {"Loaded kernel\n", 0},
		"kexec -s -l '/tmp/signed'":   {"", 0},
	}}
	c := NewChecker(h, Config{}, zaptest.NewLogger(t))
	ctx := context.Background()

	a, err := c.AttemptKexec(ctx, "/tmp/unsigned", Rejected)
	require.NoError(t, err, "non-zero exit is not an error")
	assert.Equal(t, Rejected, a.Observed)
	assert.Equal(t, 255, a.ExitStatus)

	a, err = c.AttemptKexec(ctx, "/tmp/revoked", Rejected)
	require.True(t, errors.Is(err, fault.ErrSignatureEnforcementBypassed), "got %v", err)
	assert.Equal(t, fault.LevelSecurityRegression, fault.Severity(err))
	var ke *KexecError
	require.True(t, errors.As(err, &ke))
	assert.Equal(t, a, ke.Attempt)

	a, err = c.AttemptKexec(ctx, "/tmp/signed", Accepted)
	require.NoError(t, err)
	assert.Equal(t, Accepted, a.Observed)
}

func TestKexecCommandTemplate(t *testing.T) {
	h := &fakeHost{replies: map[string]reply{
		"kexec --kexec-file-syscall -l '/boot/vmlinux'": {"Permission denied", 1},
	}}
	c := NewChecker(h, Config{KexecCommand: "kexec --kexec-file-syscall -l %s"}, zaptest.NewLogger(t))
	_, err := c.AttemptKexec(context.Background(), "/boot/vmlinux", Rejected)
	assert.NoError(t, err)
}

func TestStage(t *testing.T) {
	h := &fakeHost{replies: map[string]reply{"cat > '/tmp/vmlinux-unsigned'": {}}}
	c := NewChecker(h, Config{}, zaptest.NewLogger(t))
	p, err := c.Stage(context.Background(), "images/vmlinux-unsigned", []byte("kernel"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/vmlinux-unsigned", p)
	assert.Equal(t, [][]byte{[]byte("kernel")}, h.stdin)

	_, err = c.Stage(context.Background(), "other", []byte("kernel"))
	assert.Error(t, err)
}

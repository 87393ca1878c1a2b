package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"

	"system-transparency.org/sbverify/internal/console"
	"system-transparency.org/sbverify/internal/ipmi"
	"system-transparency.org/sbverify/internal/power"
	"system-transparency.org/sbverify/internal/secvar"
	"system-transparency.org/sbverify/internal/ssh"
	"system-transparency.org/sbverify/internal/verify"
)

// target simulates an OpenPOWER host with its BMC.  It implements the
// power driver, the OS prober, the management channel and the host shell.
type target struct {
	mu sync.Mutex

	on              bool
	windowSet       bool
	presenceBoot    bool
	presenceCleared bool
	pendingKeys     int
	keysProcessed   bool

	enforcing bool
	asserted  bool
	cleared   bool

	// knobs
	windowResponse []byte
	markers        []string // console markers printed on a presence boot
	ignoreKeys     bool     // firmware drops key updates
	kexecOutput    map[string]string

	driverCalls []string
	hostCmds    []string
}

func newTarget() *target {
	return &target{
		on:             true,
		windowResponse: []byte{0x40, 0x40, 0x00, 0x00},
		markers:        []string{MarkerWindowOpened, MarkerPowerOffNotice, MarkerShutdownComplete},
		kexecOutput: map[string]string{
			"unsigned": "kexec_file_load failed: Permission denied\n",
			"revoked":  "kexec_file_load failed: Permission denied\n",
			"signed":   "",
		},
	}
}

func (t *target) PowerOn(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.driverCalls = append(t.driverCalls, "on")
	if t.windowSet {
		// the firmware clears the OS keys and powers itself off again
		t.windowSet = false
		t.presenceBoot = true
		t.presenceCleared = true
		t.keysProcessed = false
		t.on = false
		return nil
	}
	t.presenceBoot = false
	t.on = true
	if t.presenceCleared {
		t.enforcing, t.asserted, t.cleared = false, true, true
		t.presenceCleared = false
	} else {
		t.enforcing, t.asserted, t.cleared = t.keysProcessed, false, false
	}
	return nil
}

func (t *target) PowerOff(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.driverCalls = append(t.driverCalls, "off")
	t.on = false
	if t.pendingKeys == len(secvar.Order) && !t.ignoreKeys {
		t.keysProcessed = true
	}
	t.pendingKeys = 0
	return nil
}

func (t *target) IsOn(context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.on, nil
}

func (t *target) OSReady(context.Context) (bool, error) {
	return t.IsOn(context.Background())
}

func (t *target) SendRaw(_ context.Context, req []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case bytes.Equal(req, ipmi.PresenceWindowSet):
		t.windowSet = true
		return nil, nil
	case bytes.Equal(req, ipmi.PresenceWindowRead):
		return t.windowResponse, nil
	default:
		return nil, errors.New("invalid command")
	}
}

func (t *target) Run(_ context.Context, cmd string, stdin io.Reader) (*ssh.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hostCmds = append(t.hostCmds, cmd)
	if !t.on {
		return nil, errors.New("connection refused")
	}
	if stdin != nil {
		io.Copy(io.Discard, stdin)
	}
	res := &ssh.Result{Command: cmd}
	present := func(b bool) {
		if !b {
			res.ExitStatus = 1
		}
	}
	switch {
	case strings.HasPrefix(cmd, "cat > '"+secvar.VarsDir):
		t.pendingKeys++
	case strings.HasPrefix(cmd, "cat > '/tmp/"):
	case strings.HasSuffix(cmd, "/os-secureboot-enforcing'"):
		present(t.enforcing)
	case strings.HasSuffix(cmd, "/physical-presence-asserted'"):
		present(t.asserted)
	case strings.HasSuffix(cmd, "/clear-os-keys'"):
		present(t.cleared)
	case strings.HasPrefix(cmd, "kexec "):
		name := path.Base(strings.Trim(strings.Fields(cmd)[3], "'"))
		res.Output = []byte(t.kexecOutput[name])
		if len(res.Output) > 0 {
			res.ExitStatus = 255
		}
	default:
		res.ExitStatus = 127
	}
	return res, nil
}

func (t *target) secvarWrites() int {
	n := 0
	for _, c := range t.hostCmds {
		if strings.HasPrefix(c, "cat > '"+secvar.VarsDir) {
			n++
		}
	}
	return n
}

func (t *target) kexecs() []string {
	var out []string
	for _, c := range t.hostCmds {
		if strings.HasPrefix(c, "kexec ") {
			out = append(out, c)
		}
	}
	return out
}

// fakeConsole prints the target's markers after a presence boot
type fakeConsole struct {
	t    *target
	next int
}

func (c *fakeConsole) Expect(_ context.Context, timeout time.Duration, patterns ...string) (int, error) {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if c.t.presenceBoot {
		for ; c.next < len(c.t.markers); c.next++ {
			if c.t.markers[c.next] == patterns[0] {
				c.next++
				return 0, nil
			}
		}
	}
	return -1, &console.TimeoutError{Patterns: patterns, Timeout: timeout, Tail: "IPMI: Initiate soft power off\n"}
}

func (c *fakeConsole) Transcript() string {
	return "41.14216|IPMI: Initiate soft power off\n"
}

func (c *fakeConsole) Close() error {
	return nil
}

// advance moves a mock clock forward in the background until the test ends
func advance(t *testing.T, mock *clock.Mock) {
	stop, done := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			mock.Add(time.Second)
			time.Sleep(time.Millisecond)
		}
	}()
	t.Cleanup(func() { close(stop); <-done })
}

type harness struct {
	target *target
	store  *secvar.Store
	ctrl   *power.Controller
	o      *Orchestrator
}

func newHarness(t *testing.T, tgt *target, mutate func(*Config)) *harness {
	log := zaptest.NewLogger(t)
	mock := clock.NewMock()
	advance(t, mock)

	ctrl := power.NewController(tgt, tgt, power.Timeouts{
		Boot:     50 * time.Millisecond,
		PreBoot:  50 * time.Millisecond,
		PowerOff: 50 * time.Millisecond,
		Verify:   50 * time.Millisecond,
		Poll:     time.Millisecond,
	}, log)
	store := secvar.NewStore(tgt, mock, log)
	checker := verify.NewChecker(tgt, verify.Config{}, log)

	cfg := DefaultConfig
	cfg.Keys = map[secvar.KeyClass][]byte{
		secvar.PK:  []byte("PK.auth"),
		secvar.KEK: []byte("KEK.auth"),
		secvar.DB:  []byte("db.auth"),
		secvar.DBX: []byte("dbx.auth"),
	}
	cfg.Kernels = []Kernel{
		{Name: "signed", Image: []byte("signed"), Expected: verify.Accepted},
		{Name: "unsigned", Image: []byte("unsigned"), Expected: verify.Rejected},
		{Name: "revoked", Image: []byte("revoked"), Expected: verify.Rejected},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	o, err := New(Deps{
		Power:   ctrl,
		Channel: tgt,
		Keys:    store,
		Checker: checker,
		Console: func(context.Context) (Console, error) { return &fakeConsole{t: tgt}, nil },
		Clock:   mock,
		Log:     log,
	}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return &harness{target: tgt, store: store, ctrl: ctrl, o: o}
}

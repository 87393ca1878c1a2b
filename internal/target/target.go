// Package target assembles the collaborators of a verification run from a
// configuration: SSH sessions to the BMC, its console and the host, the
// IPMI channel, the power controller, the key store and the checker.
package target

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"system-transparency.org/sbverify/internal/bmc"
	"system-transparency.org/sbverify/internal/config"
	"system-transparency.org/sbverify/internal/console"
	"system-transparency.org/sbverify/internal/ipmi"
	"system-transparency.org/sbverify/internal/orchestrator"
	"system-transparency.org/sbverify/internal/power"
	"system-transparency.org/sbverify/internal/secvar"
	"system-transparency.org/sbverify/internal/ssh"
	"system-transparency.org/sbverify/internal/verify"
)

const pingTimeout = 5 * time.Second

type Target struct {
	Config  *config.Config
	BMC     *bmc.BMC
	IPMI    *ipmi.Tool
	Power   *power.Controller
	Keys    *secvar.Store
	Checker *verify.Checker
	Clock   clock.Clock

	bmcSSH  *ssh.Redialer
	hostSSH *ssh.Redialer
	log     *zap.Logger
}

func sshConfig(c config.SSH) ssh.Config {
	return ssh.Config{
		Address:     c.Address,
		User:        c.User,
		Password:    c.Password,
		KeyFile:     c.KeyFile,
		Fingerprint: c.Fingerprint,
		DialTimeout: c.DialTimeout,
	}
}

// New wires the target.  No connection is made until first use.
func New(cfg *config.Config, log *zap.Logger) *Target {
	t := &Target{
		Config: cfg,
		Clock:  clock.New(),
		log:    log,
	}
	host := sshConfig(cfg.Host.SSH)
	host.KeyFile = cfg.Resolve(host.KeyFile)
	bmcCfg := sshConfig(cfg.BMC.SSH)
	bmcCfg.KeyFile = cfg.Resolve(bmcCfg.KeyFile)

	t.bmcSSH = ssh.NewRedialer(bmcCfg, log)
	t.hostSSH = ssh.NewRedialer(host, log)
	t.BMC = bmc.New(t.bmcSSH, log.Named("bmc"))
	t.IPMI = ipmi.NewTool(ipmi.Config{
		Tool:      cfg.IPMI.Tool,
		Interface: cfg.IPMI.Interface,
		Address:   cfg.IPMI.Address,
		User:      cfg.IPMI.User,
		Password:  cfg.IPMI.Password,
	}, log.Named("ipmi"))

	var driver power.Driver = t.BMC
	if cfg.Power.Driver == "ipmi" {
		driver = t.IPMI
	}
	addr := cfg.Host.Address
	if h, _, err := net.SplitHostPort(addr); err == nil {
		addr = h
	}
	prober := &power.HostProber{
		Address:     addr,
		Ping:        cfg.Host.Ping,
		PingTimeout: pingTimeout,
		Privileged:  cfg.Host.Privileged,
		Ready: func(ctx context.Context) error {
			// a stale session from the previous boot never recovers
			t.hostSSH.Reset()
			return t.hostSSH.Ready(ctx)
		},
	}
	t.Power = power.NewController(driver, prober, power.Timeouts{
		Boot:     cfg.Power.BootTimeout,
		PreBoot:  cfg.Power.PreBootTimeout,
		PowerOff: cfg.Power.PowerOffTimeout,
		Verify:   cfg.Power.VerifyTimeout,
		Poll:     cfg.Power.Poll,
	}, log.Named("power"))
	t.Keys = secvar.NewStore(t.hostSSH, t.Clock, log.Named("secvar"))
	t.Checker = verify.NewChecker(t.hostSSH, verify.Config{
		AttrDir:      cfg.AttributesDir,
		KexecCommand: cfg.Kexec.Command,
		StagingDir:   cfg.Kexec.StagingDir,
	}, log.Named("verify"))
	return t
}

// consoleSession is an expecter together with the connection it reads from
type consoleSession struct {
	*console.Expecter
	client *ssh.Client
}

func (s *consoleSession) Close() error {
	s.Expecter.Close()
	return s.client.Close()
}

// OpenConsole attaches to the host console through the BMC
func (t *Target) OpenConsole(ctx context.Context) (orchestrator.Console, error) {
	cfg := sshConfig(t.Config.BMC.Console)
	cfg.KeyFile = t.Config.Resolve(cfg.KeyFile)
	if cfg.User == "" {
		cfg.User = t.Config.BMC.User
	}
	c, err := ssh.Dial(ctx, &cfg, t.log.Named("console"))
	if err != nil {
		return nil, err
	}
	r, err := c.Shell()
	if err != nil {
		c.Close()
		return nil, err
	}
	return &consoleSession{Expecter: console.New(r, t.Clock, t.log.Named("console")), client: c}, nil
}

// Kernels reads the configured kernel images
func (t *Target) Kernels() ([]orchestrator.Kernel, error) {
	var kernels []orchestrator.Kernel
	for _, k := range t.Config.Kernels {
		expected, err := config.ParseExpectation(k.Expect)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k.Name, err)
		}
		image, err := os.ReadFile(t.Config.Resolve(k.Path))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k.Name, err)
		}
		kernels = append(kernels, orchestrator.Kernel{Name: k.Name, Image: image, Expected: expected})
	}
	return kernels, nil
}

// Orchestrator reads the key updates, kernels and presence image and builds
// an orchestrator around the target
func (t *Target) Orchestrator() (*orchestrator.Orchestrator, error) {
	keys, err := t.Config.ReadKeys()
	if err != nil {
		return nil, err
	}
	kernels, err := t.Kernels()
	if err != nil {
		return nil, err
	}
	attr, err := t.Config.ReadAttrImage()
	if err != nil {
		return nil, fmt.Errorf("attribute image: %w", err)
	}

	ocfg := orchestrator.Config{
		Keys:            keys,
		Kernels:         kernels,
		AttrImage:       attr,
		CFAMOverrides:   t.Config.Presence.CFAMOverrides,
		WindowTimeout:   t.Config.Presence.WindowTimeout,
		NoticeTimeout:   t.Config.Presence.NoticeTimeout,
		ShutdownTimeout: t.Config.Presence.ShutdownTimeout,
		Settle:          t.Config.Keys.Settle,
		SkipCleanup:     t.Config.SkipCleanup,
	}
	return orchestrator.New(orchestrator.Deps{
		Power:   t.Power,
		Channel: t.IPMI,
		Keys:    t.Keys,
		Checker: t.Checker,
		Console: t.OpenConsole,
		Stager:  t.BMC,
		Clock:   t.Clock,
		Log:     t.log,
	}, ocfg)
}

func (t *Target) Close() {
	t.bmcSSH.Reset()
	t.hostSSH.Reset()
}

// Load reads the configuration at path and wires a target from it
func Load(path string, log *zap.Logger) (*Target, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(cfg, log), nil
}

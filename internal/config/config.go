// Package config loads the YAML description of a target under test: how to
// reach its BMC, host and IPMI interface, which key updates and kernels to
// use, and how long each wait may take.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"system-transparency.org/sbverify/internal/bmc"
	"system-transparency.org/sbverify/internal/secvar"
	"system-transparency.org/sbverify/internal/verify"
)

type SSH struct {
	Address     string        `yaml:"address"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	KeyFile     string        `yaml:"key_file"`
	Fingerprint string        `yaml:"fingerprint"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type BMC struct {
	SSH     `yaml:",inline"`
	Console SSH `yaml:"console"`
}

type Host struct {
	SSH        `yaml:",inline"`
	Ping       bool `yaml:"ping"`
	Privileged bool `yaml:"privileged"`
}

type IPMI struct {
	Tool      string `yaml:"tool"`
	Interface string `yaml:"interface"`
	Address   string `yaml:"address"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
}

type Power struct {
	Driver          string        `yaml:"driver"` // "bmc" or "ipmi"
	BootTimeout     time.Duration `yaml:"boot_timeout"`
	PreBootTimeout  time.Duration `yaml:"preboot_timeout"`
	PowerOffTimeout time.Duration `yaml:"power_off_timeout"`
	VerifyTimeout   time.Duration `yaml:"verify_timeout"`
	Poll            time.Duration `yaml:"poll"`
	PreBootMarker   string        `yaml:"preboot_marker"`
}

type Presence struct {
	AttrImage       string        `yaml:"attr_image"`
	CFAMOverrides   []string      `yaml:"cfam_overrides"`
	WindowTimeout   time.Duration `yaml:"window_timeout"`
	NoticeTimeout   time.Duration `yaml:"notice_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Keys struct {
	PK     string        `yaml:"pk"`
	KEK    string        `yaml:"kek"`
	DB     string        `yaml:"db"`
	DBX    string        `yaml:"dbx"`
	Settle time.Duration `yaml:"settle"`
}

type Kernel struct {
	Name   string `yaml:"name"`
	Path   string `yaml:"path"`
	Expect string `yaml:"expect"` // "rejected" or "accepted"
}

type Kexec struct {
	Command    string `yaml:"command"`
	StagingDir string `yaml:"staging_dir"`
}

type Config struct {
	BMC           BMC      `yaml:"bmc"`
	Host          Host     `yaml:"host"`
	IPMI          IPMI     `yaml:"ipmi"`
	Power         Power    `yaml:"power"`
	Presence      Presence `yaml:"presence"`
	Keys          Keys     `yaml:"keys"`
	Kernels       []Kernel `yaml:"kernels"`
	Kexec         Kexec    `yaml:"kexec"`
	AttributesDir string   `yaml:"attributes_dir"`
	SkipCleanup   bool     `yaml:"skip_cleanup"`
	Report        string   `yaml:"report"`

	// dir is where relative paths are resolved from
	dir string
}

// Default returns a configuration with every timeout set
func Default() *Config {
	return &Config{
		BMC: BMC{SSH: SSH{User: "root"}},
		Host: Host{
			SSH:  SSH{User: "root"},
			Ping: true,
		},
		IPMI: IPMI{Tool: "ipmitool", Interface: "lanplus"},
		Power: Power{
			Driver:          "bmc",
			BootTimeout:     10 * time.Minute,
			PreBootTimeout:  5 * time.Minute,
			PowerOffTimeout: 2 * time.Minute,
			VerifyTimeout:   time.Minute,
			Poll:            5 * time.Second,
		},
		Presence: Presence{
			WindowTimeout:   120 * time.Second,
			NoticeTimeout:   30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Keys: Keys{Settle: 10 * time.Second},
		Kexec: Kexec{
			Command:    verify.DefaultKexecCommand,
			StagingDir: verify.DefaultStagingDir,
		},
		AttributesDir: verify.DefaultAttrDir,
	}
}

// Load reads and validates the configuration at path.  Relative file names
// in it are resolved against the directory of path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

// Parse decodes and validates a configuration.  Unknown fields are errors.
func Parse(b []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem with the configuration at once
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.BMC.Address == "" {
		add("bmc: address is required")
	}
	if c.BMC.Console.Address == "" {
		add("bmc: console address is required")
	}
	if c.Host.Address == "" {
		add("host: address is required")
	}
	if c.IPMI.Address == "" {
		add("ipmi: address is required")
	}
	switch c.Power.Driver {
	case "bmc", "ipmi":
	default:
		add("power: unknown driver %q", c.Power.Driver)
	}
	for name, d := range map[string]time.Duration{
		"power.boot_timeout":        c.Power.BootTimeout,
		"power.power_off_timeout":   c.Power.PowerOffTimeout,
		"power.verify_timeout":      c.Power.VerifyTimeout,
		"power.poll":                c.Power.Poll,
		"presence.window_timeout":   c.Presence.WindowTimeout,
		"presence.notice_timeout":   c.Presence.NoticeTimeout,
		"presence.shutdown_timeout": c.Presence.ShutdownTimeout,
	} {
		if d <= 0 {
			add("%s: must be positive", name)
		}
	}
	for class, p := range c.keyFiles() {
		if p == "" {
			add("keys.%s: update file is required", strings.ToLower(class.VarName()))
		}
	}
	if c.Keys.Settle < 0 {
		add("keys.settle: must not be negative")
	}
	for _, o := range c.Presence.CFAMOverrides {
		if _, err := bmc.ParseCFAMOverride(o); err != nil {
			add("presence.cfam_overrides: %v", err)
		}
	}

	for i, k := range c.Kernels {
		if k.Name == "" || k.Path == "" {
			add("kernels[%d]: name and path are required", i)
		}
		if _, err := ParseExpectation(k.Expect); err != nil {
			add("kernels[%d]: %v", i, err)
		}
	}
	return result.ErrorOrNil()
}

// ParseExpectation parses the expected outcome of a kexec attempt
func ParseExpectation(s string) (verify.Expectation, error) {
	switch s {
	case "rejected":
		return verify.Rejected, nil
	case "accepted":
		return verify.Accepted, nil
	default:
		return 0, fmt.Errorf("expect must be \"rejected\" or \"accepted\", got %q", s)
	}
}

// Resolve turns a path from the configuration into one usable by this
// process
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.dir, p)
}

func (c *Config) keyFiles() map[secvar.KeyClass]string {
	return map[secvar.KeyClass]string{
		secvar.PK:  c.Keys.PK,
		secvar.KEK: c.Keys.KEK,
		secvar.DB:  c.Keys.DB,
		secvar.DBX: c.Keys.DBX,
	}
}

// ReadKeys reads the configured update for each key class
func (c *Config) ReadKeys() (map[secvar.KeyClass][]byte, error) {
	keys := make(map[secvar.KeyClass][]byte)
	for class, p := range c.keyFiles() {
		if p == "" {
			return nil, fmt.Errorf("%v: no update file configured", class)
		}
		b, err := os.ReadFile(c.Resolve(p))
		if err != nil {
			return nil, fmt.Errorf("%v: %w", class, err)
		}
		keys[class] = b
	}
	return keys, nil
}

// ReadAttrImage reads the optional attribute override image
func (c *Config) ReadAttrImage() ([]byte, error) {
	if c.Presence.AttrImage == "" {
		return nil, nil
	}
	return os.ReadFile(c.Resolve(c.Presence.AttrImage))
}

// Package ssh runs commands on the BMC and on the host under test, and opens
// the host console stream that the BMC exposes over SSH.  Host keys are
// pinned by their SHA256 fingerprint.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Config describes how to reach one SSH endpoint
type Config struct {
	Address     string // host:port
	User        string
	Password    string
	KeyFile     string        // optional OpenSSH private key
	Fingerprint string        // optional, e.g., SHA256:BFPEgN8Y...
	DialTimeout time.Duration // defaults to 30s
}

// Result is the outcome of a remote command that ran to completion.  A
// non-zero exit status is not an error.
type Result struct {
	Command    string
	Output     []byte // stdout and stderr, interleaved
	ExitStatus int
}

func (r *Result) String() string {
	return fmt.Sprintf("%q exited %d: %s", r.Command, r.ExitStatus, strings.TrimSpace(string(r.Output)))
}

// Client is an established SSH connection
type Client struct {
	addr   string
	log    *zap.Logger
	client *ssh.Client
}

// Fingerprint outputs a public key's SHA256 fingerprint
func Fingerprint(pub ssh.PublicKey) string {
	return ssh.FingerprintSHA256(pub)
}

// PinnedHostKey accepts only a host key with the given SHA256 fingerprint
func PinnedHostKey(fingerprint string) ssh.HostKeyCallback {
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		if got := Fingerprint(key); got != fingerprint {
			return fmt.Errorf("%s: host key %s does not match pinned %s", hostname, got, fingerprint)
		}
		return nil
	}
}

func (cfg *Config) clientConfig(log *zap.Logger) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		pem, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("%s: no password or key configured", cfg.Address)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.Fingerprint != "" {
		hostKeyCallback = PinnedHostKey(cfg.Fingerprint)
	} else {
		log.Warn("host key not pinned", zap.String("address", cfg.Address))
	}

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// Dial connects and authenticates to cfg.Address
func Dial(ctx context.Context, cfg *Config, log *zap.Logger) (*Client, error) {
	ccfg, err := cfg.clientConfig(log)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: ccfg.Timeout}
	nc, err := d.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Address, err)
	}

	// A host that accepts TCP but never speaks SSH must not stall the caller
	deadline := time.Now().Add(ccfg.Timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := nc.SetDeadline(deadline); err != nil {
		nc.Close()
		return nil, fmt.Errorf("dial %s: %w", cfg.Address, err)
	}
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	conn, chans, reqs, err := ssh.NewClientConn(nc, cfg.Address, ccfg)
	canceled := !stop()
	if err != nil {
		nc.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, fmt.Errorf("handshake %s: %w", cfg.Address, err)
	}
	if canceled {
		conn.Close()
		return nil, fmt.Errorf("handshake %s: %w", cfg.Address, ctx.Err())
	}
	if err := nc.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake %s: %w", cfg.Address, err)
	}
	return &Client{
		addr:   cfg.Address,
		log:    log.With(zap.String("ssh", cfg.Address)),
		client: ssh.NewClient(conn, chans, reqs),
	}, nil
}

// Run runs cmd to completion.  If stdin is non-nil it is streamed to the
// command.  Cancelling ctx closes the session.
func (c *Client) Run(ctx context.Context, cmd string, stdin io.Reader) (*Result, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()

	var out lockedBuffer
	sess.Stdout = &out
	sess.Stderr = &out
	if stdin != nil {
		sess.Stdin = stdin
	}

	c.log.Debug("run", zap.String("cmd", cmd))
	if err := sess.Start(cmd); err != nil {
		return nil, fmt.Errorf("start %q: %w", cmd, err)
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- sess.Wait() }()

	select {
	case err = <-waitErr:
	case <-ctx.Done():
		sess.Close()
		return nil, ctx.Err()
	}

	res := &Result{Command: cmd, Output: out.Bytes()}
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitStatus = exitErr.ExitStatus()
	default:
		return nil, fmt.Errorf("wait %q: %w", cmd, err)
	}
	c.log.Debug("done", zap.String("cmd", cmd), zap.Int("status", res.ExitStatus))
	return res, nil
}

// Check is like Run but treats a non-zero exit status as an error
func (c *Client) Check(ctx context.Context, cmd string, stdin io.Reader) (*Result, error) {
	res, err := c.Run(ctx, cmd, stdin)
	if err != nil {
		return nil, err
	}
	if res.ExitStatus != 0 {
		return res, fmt.Errorf("%s", res)
	}
	return res, nil
}

// Runner is satisfied by Client and Redialer
type Runner interface {
	Run(ctx context.Context, cmd string, stdin io.Reader) (*Result, error)
}

// WriteFile streams data into path on the remote side.  A non-zero exit
// status is returned as a Result with a nil error, like Run.
func WriteFile(ctx context.Context, r Runner, path string, data []byte) (*Result, error) {
	return r.Run(ctx, "cat > "+Quote(path), bytes.NewReader(data))
}

// Shell opens an interactive session without a command and returns its
// output.  On an OpenBMC console port this is the host console.  Closing the
// returned reader ends the session.
func (c *Client) Shell() (io.ReadCloser, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdout: %w", err)
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("shell: %w", err)
	}
	return &sessionReader{Reader: stdout, sess: sess}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Quote quotes s for a POSIX shell
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type sessionReader struct {
	io.Reader
	sess *ssh.Session
}

func (r *sessionReader) Close() error {
	return r.sess.Close()
}

// lockedBuffer collects stdout and stderr, which the session copies from
// separate goroutines
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

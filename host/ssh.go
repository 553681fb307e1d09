// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package host

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"code.cloudfoundry.org/clock"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/net/proxy"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/shutil"
)

const (
	defaultSSHUser = "root"
	defaultSSHPort = 22
)

var targetRE = regexp.MustCompile(`^(?:([^@]+)@)?([^@]+)$`)

// SSHOptions configures an SSH connection.
type SSHOptions struct {
	// User defaults to root.
	User string
	// Hostname is "host:port".
	Hostname string
	// KeyFile is a private key used in addition to ssh-agent.
	KeyFile string
	// KeyDir is searched for well-known private keys.
	KeyDir string

	ConnectTimeout       time.Duration
	ConnectRetries       int
	ConnectRetryInterval time.Duration

	// Clock defaults to the real clock.
	Clock clock.Clock
}

// ParseTarget fills User and Hostname of o from "[user@]host[:port]".
func ParseTarget(target string, o *SSHOptions) error {
	m := targetRE.FindStringSubmatch(target)
	if m == nil {
		return errors.Errorf("cannot parse %q as [user@]host[:port]", target)
	}
	o.User = defaultSSHUser
	if m[1] != "" {
		o.User = m[1]
	}
	if _, _, err := net.SplitHostPort(m[2]); err != nil {
		o.Hostname = net.JoinHostPort(m[2], strconv.Itoa(defaultSSHPort))
	} else {
		o.Hostname = m[2]
	}
	return nil
}

// SSH runs commands on a remote machine over SSH.
type SSH struct {
	cl       *ssh.Client
	hostname string
}

var _ Runner = (*SSH)(nil)

func authMethods(ctx context.Context, o *SSHOptions) ([]ssh.AuthMethod, error) {
	var signers []ssh.Signer
	if o.KeyFile != "" {
		s, err := readKey(o.KeyFile)
		if err != nil {
			return nil, errors.Wrapf(err, "reading private key %s", o.KeyFile)
		}
		signers = append(signers, s)
	}
	if o.KeyDir != "" {
		for _, name := range []string{"testing_rsa", "id_ed25519", "id_ecdsa", "id_rsa"} {
			p := filepath.Join(o.KeyDir, name)
			if p == o.KeyFile {
				continue
			}
			if _, err := os.Stat(p); err != nil {
				continue
			}
			s, err := readKey(p)
			if err != nil {
				logging.Warningf(ctx, "Ignoring %s: %v", p, err)
				continue
			}
			signers = append(signers, s)
		}
	}
	var methods []ssh.AuthMethod
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		} else {
			logging.Warningf(ctx, "Failed to connect to ssh-agent at %s: %v", sock, err)
		}
	}
	return methods, nil
}

func readKey(path string) (ssh.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(b)
}

// NewSSH connects to o.Hostname, retrying as configured.
func NewSSH(ctx context.Context, o *SSHOptions) (*SSH, error) {
	if o.User == "" {
		o.User = defaultSSHUser
	}
	clk := o.Clock
	if clk == nil {
		clk = clock.NewClock()
	}
	auth, err := authMethods(ctx, o)
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            o.User,
		Auth:            auth,
		Timeout:         o.ConnectTimeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	for i := 0; ; i++ {
		var cl *ssh.Client
		if cl, err = dialSSH(ctx, o.Hostname, cfg); err == nil {
			return &SSH{cl: cl, hostname: o.Hostname}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if i >= o.ConnectRetries {
			return nil, errors.Wrapf(err, "connecting to %s", o.Hostname)
		}
		logging.Infof(ctx, "Retrying SSH connection to %s in %v: %v", o.Hostname, o.ConnectRetryInterval, err)
		select {
		case <-clk.After(o.ConnectRetryInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func dialSSH(ctx context.Context, hostPort string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	var cl *ssh.Client
	err := doAsync(ctx, func() error {
		conn, err := proxy.FromEnvironment().Dial("tcp", hostPort)
		if err != nil {
			return err
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, hostPort, cfg)
		if err != nil {
			conn.Close()
			return err
		}
		cl = ssh.NewClient(c, chans, reqs)
		return nil
	}, func() {
		if cl != nil {
			cl.Close()
		}
	})
	return cl, err
}

// doAsync runs body in a goroutine and returns early if ctx is done. If it
// returned early, clean runs once body finishes.
func doAsync(ctx context.Context, body func() error, clean func()) error {
	done := make(chan error, 1)
	go func() { done <- body() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		go func() {
			if <-done == nil && clean != nil {
				clean()
			}
		}()
		return ctx.Err()
	}
}

// Hostname implements Runner.
func (s *SSH) Hostname() string { return s.hostname }

// Close implements Runner.
func (s *SSH) Close(ctx context.Context) error {
	return doAsync(ctx, s.cl.Close, nil)
}

func (s *SSH) session(ctx context.Context, cmd string, setup func(*ssh.Session)) ([]byte, error) {
	sess, err := s.cl.NewSession()
	if err != nil {
		return nil, errors.Wrapf(err, "opening session on %s", s.hostname)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if setup != nil {
		setup(sess)
	}
	err = doAsync(ctx, func() error { return sess.Run(cmd) }, nil)
	if ctx.Err() != nil {
		sess.Signal(ssh.SIGKILL)
		return stdout.Bytes(), ctx.Err()
	}
	if err != nil {
		var ee *ssh.ExitError
		if errors.As(err, &ee) {
			return stdout.Bytes(), &ExitError{Cmd: cmd, Status: ee.ExitStatus(), Stderr: stderr.String()}
		}
		return stdout.Bytes(), errors.Wrapf(err, "running %q on %s", cmd, s.hostname)
	}
	return stdout.Bytes(), nil
}

// Run implements Runner.
func (s *SSH) Run(ctx context.Context, cmd string) ([]byte, error) {
	return s.session(ctx, cmd, nil)
}

// GetFile implements Runner by streaming the file through cat.
func (s *SSH) GetFile(ctx context.Context, src, dst string) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := s.session(ctx, "cat "+shutil.Escape(src), func(sess *ssh.Session) { sess.Stdout = f }); err != nil {
		f.Close()
		os.Remove(dst)
		return errors.Wrapf(err, "copying %s:%s", s.hostname, src)
	}
	return f.Close()
}

// PutFile implements Runner by streaming the file through cat.
func (s *SSH) PutFile(ctx context.Context, src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	cmd := fmt.Sprintf("cat > %s", shutil.Escape(dst))
	if _, err := s.session(ctx, cmd, func(sess *ssh.Session) { sess.Stdin = f }); err != nil {
		return errors.Wrapf(err, "copying to %s:%s", s.hostname, dst)
	}
	return nil
}

// Forward listens on localAddr and forwards each connection to remoteAddr
// as seen from the remote machine.
func (s *SSH) Forward(localAddr, remoteAddr string, errFunc func(error)) (*Forwarder, error) {
	return NewForwarder(localAddr, func() (net.Conn, error) {
		return s.cl.Dial("tcp", remoteAddr)
	}, errFunc)
}

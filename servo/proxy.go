// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package servo

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/host"
	"go.chromium.org/labtest/internal/logging"
)

const (
	proxyConnectTimeout = 10 * time.Second
	defaultSSHPort      = 22
	dockerSuffix        = "docker_servod"
)

// hostSpec is a parsed servo host specification.
type hostSpec struct {
	host    string
	port    int // servod port
	sshPort int // 0 means no SSH
}

func (h hostSpec) docker() bool { return strings.HasSuffix(h.host, dockerSuffix) }

func (h hostSpec) local() bool {
	switch h.host {
	case "localhost", "127.0.0.1", "::1":
		return h.sshPort == defaultSSHPort
	}
	return false
}

// needsSSH reports whether servod must be reached through an SSH tunnel.
func (h hostSpec) needsSSH() bool {
	return h.sshPort > 0 && !h.docker() && !h.local()
}

const hostSpecUsage = "servo must be of the form host, host:9999, host:9999:ssh:22, host:9999:nossh or [::1]:9999"

// parseHostSpec parses servo host specifications. Missing parts default to
// localhost, port 9999 and SSH port 22.
func parseHostSpec(spec string) (hostSpec, error) {
	hs := hostSpec{host: "localhost", port: DefaultPort, sshPort: defaultSSHPort}

	if strings.Contains(spec, dockerSuffix) {
		name, port, _ := strings.Cut(spec, ":")
		hs.host = name
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			hs.port = p
		}
		return hs, nil
	}

	rest := spec
	if r, ok := strings.CutSuffix(rest, ":nossh"); ok {
		rest = r
		hs.sshPort = 0
	}
	if r, sshPort, ok := strings.Cut(rest, ":ssh:"); ok {
		p, err := strconv.Atoi(sshPort)
		if err != nil {
			return hostSpec{}, errors.Wrap(err, "parsing servo host ssh port")
		}
		if p <= 0 {
			return hostSpec{}, errors.New("invalid servo host ssh port")
		}
		rest = r
		hs.sshPort = p
	}

	var hostPart, portPart string
	if strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return hostSpec{}, errors.New("missing ']' in address")
		}
		hostPart = rest[1:end]
		switch after := rest[end+1:]; {
		case after == "":
		case strings.HasPrefix(after, ":") && !strings.Contains(after[1:], ":"):
			portPart = after[1:]
		default:
			return hostSpec{}, errors.New(hostSpecUsage)
		}
	} else {
		var hasPort bool
		hostPart, portPart, hasPort = strings.Cut(rest, ":")
		if hasPort && strings.Contains(portPart, ":") {
			return hostSpec{}, errors.New("unexpected colon in hostname")
		}
	}
	if hostPart != "" {
		hs.host = hostPart
	}
	if portPart != "" {
		p, err := strconv.Atoi(portPart)
		if err != nil {
			return hostSpec{}, errors.Wrap(err, "parsing servo port")
		}
		if p <= 0 {
			return hostSpec{}, errors.New("invalid servo port")
		}
		hs.port = p
	}
	return hs, nil
}

// Proxy owns a Servo together with the connections needed to reach it.
type Proxy struct {
	svo    *Servo
	spec   hostSpec
	runner host.Runner     // servo host; nil if servod runs locally
	fwd    *host.Forwarder // nil unless tunnelled over SSH
	docker host.DockerAPI  // nil unless servod runs in a container
}

// NewProxy connects to servod described by spec, e.g. "labstation:9999",
// "labstation:9999:ssh:2222", "[::1]:9999", "host:9999:nossh" or
// "<name>docker_servod:9999".
//
// For a remote host an SSH connection is opened with keyFile and keyDir and
// a local port is forwarded to servod. For a container, servod is reached at
// the container's IP and commands are run through the docker API.
func NewProxy(ctx context.Context, spec, keyFile, keyDir string, opts ...Option) (_ *Proxy, retErr error) {
	hs, err := parseHostSpec(spec)
	if err != nil {
		return nil, err
	}
	pxy := &Proxy{spec: hs}
	defer func() {
		if retErr != nil {
			pxy.Close(ctx)
		}
	}()

	rpcHost, rpcPort := hs.host, hs.port
	switch {
	case hs.docker():
		if pxy.docker, err = host.NewDockerClient(); err != nil {
			return nil, errors.Wrap(err, "creating docker client")
		}
		if rpcHost, err = host.ContainerIP(ctx, pxy.docker, hs.host); err != nil {
			return nil, err
		}
		if pxy.runner, err = host.NewDocker(ctx, pxy.docker, hs.host); err != nil {
			return nil, err
		}
	case hs.needsSSH():
		o := &host.SSHOptions{
			User:           "root",
			Hostname:       net.JoinHostPort(hs.host, strconv.Itoa(hs.sshPort)),
			KeyFile:        keyFile,
			KeyDir:         keyDir,
			ConnectTimeout: proxyConnectTimeout,
		}
		logging.Infof(ctx, "Opening servo SSH connection to %s", o.Hostname)
		conn, err := host.NewSSH(ctx, o)
		if err != nil {
			return nil, err
		}
		pxy.runner = conn
		defer func() {
			if retErr != nil {
				logServoStatus(ctx, conn, hs.port)
			}
		}()

		logging.Info(ctx, "Forwarding a local port to servod port ", hs.port)
		pxy.fwd, err = conn.Forward("127.0.0.1:0", fmt.Sprintf("localhost:%d", hs.port),
			func(err error) { logging.Info(ctx, "Servo forwarding error: ", err) })
		if err != nil {
			return nil, err
		}
		addr := pxy.fwd.LocalAddr().(*net.TCPAddr)
		rpcHost, rpcPort = addr.IP.String(), addr.Port
	}

	logging.Infof(ctx, "Connecting to servod at %s", net.JoinHostPort(rpcHost, strconv.Itoa(rpcPort)))
	opts = append([]Option{WithHost(pxy.runner)}, opts...)
	if pxy.svo, err = New(ctx, rpcHost, rpcPort, opts...); err != nil {
		return nil, err
	}
	// Commands on the servo host refer to servod by its real port.
	pxy.svo.port = hs.port
	if pxy.runner == nil {
		pxy.svo.host = host.Local{}
	}
	pxy.svo.hostname = hs.host
	return pxy, nil
}

// logServoStatus logs whether servod is running and responsive.
func logServoStatus(ctx context.Context, r host.Runner, port int) {
	out, err := r.Run(ctx, fmt.Sprintf("servodtool instance show -p %d", port))
	if err != nil {
		logging.Infof(ctx, "Servod is not running on the servo host: %v: %s", err, out)
		return
	}
	logging.Infof(ctx, "Servod instance is running on port %d of the servo host", port)
	if out, err = r.Run(ctx, fmt.Sprintf("dut-control -p %d serialname", port)); err != nil {
		logging.Infof(ctx, "Servod is busy or unresponsive: %v: %s", err, out)
		return
	}
	logging.Info(ctx, "Servod is responsive: ", strings.TrimSpace(string(out)))
}

// Servo returns the proxied Servo.
func (p *Proxy) Servo() *Servo { return p.svo }

// Host returns the runner for the servo host, or nil if servod is local.
func (p *Proxy) Host() host.Runner { return p.runner }

// Close closes the servo and the connections behind it.
func (p *Proxy) Close(ctx context.Context) {
	logging.Info(ctx, "Closing servo proxy")
	if p.svo != nil {
		if err := p.svo.Close(ctx); err != nil {
			logging.Info(ctx, "Failed to close servo: ", err)
		}
		p.svo = nil
	}
	if p.fwd != nil {
		p.fwd.Close()
		p.fwd = nil
	}
	if p.runner != nil {
		p.runner.Close(ctx)
		p.runner = nil
	}
	if p.docker != nil {
		p.docker.Close()
		p.docker = nil
	}
}

// CollectLogs copies the servod debug log into dest/servod_<port> and
// splits the MCU console output out of it.
func (p *Proxy) CollectLogs(ctx context.Context, dest string) error {
	if p.runner == nil {
		logging.Infof(ctx, "Not collecting servod logs from local host")
		return nil
	}
	dir := filepath.Join(dest, fmt.Sprintf("servod_%d", p.spec.port))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	src := fmt.Sprintf("/var/log/servod_%d/latest.DEBUG", p.spec.port)
	logging.Info(ctx, "Collecting servod log ", src)
	if err := p.runner.GetFile(ctx, src, filepath.Join(dir, "latest.DEBUG")); err != nil {
		return errors.Wrapf(err, "fetching %s", src)
	}
	return extractMCULogs(ctx, dir)
}

var mcuLogRE = regexp.MustCompile(`^(?P<time>[\d\-]+(?: [\d:,]+ |T[\d:.+]+ ))` +
	`- (?P<mcu>[\w/]+) - ` +
	`EC3PO\.Console[\s\-\w\d:.]+LogConsoleOutput - /dev/pts/\d+ - ` +
	`(?P<line>.+)$`)

// extractMCULogs writes the console lines of each MCU found in
// dir/latest.DEBUG to dir/<mcu>.txt.
func extractMCULogs(ctx context.Context, dir string) error {
	f, err := os.Open(filepath.Join(dir, "latest.DEBUG"))
	if err != nil {
		return err
	}
	defer f.Close()

	files := make(map[string]*os.File)
	defer func() {
		for _, f := range files {
			if f != nil {
				f.Close()
			}
		}
	}()

	ti, mi, li := mcuLogRE.SubexpIndex("time"), mcuLogRE.SubexpIndex("mcu"), mcuLogRE.SubexpIndex("line")
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		m := mcuLogRE.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		mcu := strings.ToLower(m[mi])
		out, ok := files[mcu]
		if !ok {
			name := strings.ReplaceAll(mcu, "/", "_") + ".txt"
			if out, err = os.Create(filepath.Join(dir, name)); err != nil {
				logging.Infof(ctx, "Failed to create %s: %v", name, err)
				out = nil
			}
			files[mcu] = out
		}
		if out != nil {
			fmt.Fprintln(out, m[ti], "- ", m[li])
		}
	}
	return sc.Err()
}

// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package host

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/shutil"
)

// DockerAPI is the part of the docker client used here.
type DockerAPI interface {
	ContainerList(ctx context.Context, options types.ContainerListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, container string) (types.ContainerJSON, error)
	ContainerExecCreate(ctx context.Context, container string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error)
	Close() error
}

// NewDockerClient connects to the docker daemon configured by the DOCKER_*
// environment variables.
func NewDockerClient() (DockerAPI, error) {
	cl, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "creating docker client")
	}
	return cl, nil
}

// Docker runs commands inside a running container, e.g. one hosting servod.
type Docker struct {
	api       DockerAPI
	container string
}

var _ Runner = (*Docker)(nil)

// NewDocker returns a Runner for container. It fails if the container is
// not running.
func NewDocker(ctx context.Context, api DockerAPI, container string) (*Docker, error) {
	running, err := ContainerRunning(ctx, api, container)
	if err != nil {
		return nil, err
	}
	if !running {
		return nil, errors.Errorf("container %s is not running", container)
	}
	return &Docker{api: api, container: container}, nil
}

// ContainerRunning reports whether a container named name is running.
func ContainerRunning(ctx context.Context, api DockerAPI, name string) (bool, error) {
	cs, err := api.ContainerList(ctx, types.ContainerListOptions{})
	if err != nil {
		return false, errors.Wrap(err, "listing containers")
	}
	for _, c := range cs {
		for _, n := range c.Names {
			if strings.TrimPrefix(n, "/") == name {
				return true, nil
			}
		}
	}
	return false, nil
}

// ContainerIP returns the first IP address assigned to container.
func ContainerIP(ctx context.Context, api DockerAPI, container string) (string, error) {
	info, err := api.ContainerInspect(ctx, container)
	if err != nil {
		return "", errors.Wrapf(err, "inspecting %s", container)
	}
	if info.NetworkSettings == nil {
		return "", errors.Errorf("container %s has no network settings", container)
	}
	if ip := info.NetworkSettings.IPAddress; ip != "" {
		return ip, nil
	}
	for _, ep := range info.NetworkSettings.Networks {
		if ep != nil && ep.IPAddress != "" {
			return ep.IPAddress, nil
		}
	}
	return "", errors.Errorf("container %s has no IP address", container)
}

func (d *Docker) exec(ctx context.Context, cmd string, stdin io.Reader, stdout io.Writer) error {
	created, err := d.api.ContainerExecCreate(ctx, d.container, types.ExecConfig{
		Cmd:          []string{"sh", "-c", cmd},
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return errors.Wrapf(err, "%s: creating exec for %q", d.container, cmd)
	}
	resp, err := d.api.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return errors.Wrapf(err, "%s: attaching exec for %q", d.container, cmd)
	}
	defer resp.Close()

	if stdin != nil {
		go func() {
			io.Copy(resp.Conn, stdin)
			resp.CloseWrite()
		}()
	}
	var stderr bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, &stderr, resp.Reader)
		copied <- err
	}()
	select {
	case err := <-copied:
		if err != nil {
			return errors.Wrapf(err, "%s: reading output of %q", d.container, cmd)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	ins, err := d.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return errors.Wrapf(err, "%s: inspecting exec for %q", d.container, cmd)
	}
	if ins.ExitCode != 0 {
		return &ExitError{Cmd: cmd, Status: ins.ExitCode, Stderr: stderr.String()}
	}
	return nil
}

// Run implements Runner.
func (d *Docker) Run(ctx context.Context, cmd string) ([]byte, error) {
	var out bytes.Buffer
	err := d.exec(ctx, cmd, nil, &out)
	return out.Bytes(), err
}

// GetFile implements Runner.
func (d *Docker) GetFile(ctx context.Context, src, dst string) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := d.exec(ctx, "cat "+shutil.Escape(src), nil, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// PutFile implements Runner.
func (d *Docker) PutFile(ctx context.Context, src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	return d.exec(ctx, "cat > "+shutil.Escape(dst), f, io.Discard)
}

// Hostname implements Runner.
func (d *Docker) Hostname() string { return d.container }

// Close implements Runner. The docker client is owned by the caller.
func (d *Docker) Close(ctx context.Context) error { return nil }

// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package gce

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cloud.google.com/go/compute/apiv1/computepb"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh"
	"google.golang.org/protobuf/proto"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
)

// SSHKeysName is the metadata key holding "user:key" lines.
const SSHKeysName = "sshKeys"

// maxFingerprintRetries bounds the retries of updates that lose a
// fingerprint race (HTTP 412).
const maxFingerprintRetries = 10

func metadataItems(m map[string]string) []*computepb.Items {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var items []*computepb.Items
	for _, k := range keys {
		items = append(items, &computepb.Items{Key: proto.String(k), Value: proto.String(m[k])})
	}
	return items
}

// expandHome replaces a leading "~/" in path with the home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// GetRsaKey reads an SSH RSA public key in authorized_keys format.
func GetRsaKey(path string) (string, error) {
	path = expandHome(path)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", errors.Errorf("RSA file %s does not exist", path)
	}
	if err != nil {
		return "", err
	}
	rsa := strings.TrimSpace(string(b))
	pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(rsa))
	if err != nil {
		return "", errors.Wrapf(err, "%s is not a public key", path)
	}
	if pk.Type() != ssh.KeyAlgoRSA {
		return "", errors.Errorf("%s holds a %s key; want %s", path, pk.Type(), ssh.KeyAlgoRSA)
	}
	return rsa, nil
}

// GetSshKeyFromMetadata returns the sshKeys item of md, or nil.
func GetSshKeyFromMetadata(md *computepb.Metadata) *computepb.Items {
	for _, it := range md.GetItems() {
		if it.GetKey() == SSHKeysName {
			return it
		}
	}
	return nil
}

// RsaNotInMetadata reports whether entry is missing from the sshKeys of md.
func RsaNotInMetadata(md *computepb.Metadata, entry string) bool {
	it := GetSshKeyFromMetadata(md)
	return it == nil || !strings.Contains(it.GetValue(), entry)
}

// addSSHEntry appends entry to the sshKeys of md, creating the item if
// needed.
func addSSHEntry(md *computepb.Metadata, entry string) {
	it := GetSshKeyFromMetadata(md)
	if it == nil {
		md.Items = append(md.Items, &computepb.Items{Key: proto.String(SSHKeysName), Value: proto.String(entry)})
		return
	}
	var lines []string
	if v := it.GetValue(); v != "" {
		lines = append(lines, v)
	}
	it.Value = proto.String(strings.Join(append(lines, entry), "\n"))
}

// SetInstanceMetadata replaces the metadata of an instance. md must carry
// the fingerprint of the metadata it was derived from.
func (c *Client) SetInstanceMetadata(ctx context.Context, zone, instance string, md *computepb.Metadata) error {
	op, err := c.svc.Instances.SetMetadata(ctx, &computepb.SetMetadataInstanceRequest{
		Project:          c.project,
		Zone:             zone,
		Instance:         instance,
		MetadataResource: md,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to set metadata of %s", instance)
	}
	return c.waitZoneOperation(ctx, zone, op)
}

// retryOnFingerprintConflict calls f until it does not fail with HTTP 412.
func retryOnFingerprintConflict(ctx context.Context, f func() error) error {
	op := func() error {
		err := f()
		if err != nil && httpCode(err) != http.StatusPreconditionFailed {
			return backoff.Permanent(err)
		}
		if err != nil {
			logging.Infof(ctx, "Fingerprint conflict: %v", err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxFingerprintRetries), ctx)
	err := backoff.Retry(op, b)
	if httpCode(err) == http.StatusPreconditionFailed {
		return errors.Wrapf(ErrFingerprintConflict, "gave up after %d retries", maxFingerprintRetries)
	}
	return err
}

// UpdateRsaInMetadata adds entry to the sshKeys of the instance metadata md
// and writes it back. If the metadata changed meanwhile it is fetched again
// and the update retried.
func (c *Client) UpdateRsaInMetadata(ctx context.Context, zone, instance string, md *computepb.Metadata, entry string) error {
	logging.Infof(ctx, "SSH public key doesn't exist in the instance %s, adding it", instance)
	first := true
	return retryOnFingerprintConflict(ctx, func() error {
		if !first {
			ins, err := c.GetInstance(ctx, instance, zone)
			if err != nil {
				return err
			}
			md = ins.GetMetadata()
			if md == nil {
				md = &computepb.Metadata{}
			}
			if !RsaNotInMetadata(md, entry) {
				return nil
			}
		}
		first = false
		addSSHEntry(md, entry)
		return c.SetInstanceMetadata(ctx, zone, instance, md)
	})
}

// AddSshRsaInstanceMetadata makes the public key at keyPath log in as user
// on an instance, unless it already can.
func (c *Client) AddSshRsaInstanceMetadata(ctx context.Context, user, keyPath, instance string) error {
	rsa, err := GetRsaKey(keyPath)
	if err != nil {
		return err
	}
	entry := user + ":" + rsa
	logging.Debugf(ctx, "New RSA entry: %s", entry)

	zone, err := c.GetZoneByInstance(ctx, instance)
	if err != nil {
		return err
	}
	ins, err := c.GetInstance(ctx, instance, zone)
	if err != nil {
		return err
	}
	md := ins.GetMetadata()
	if md == nil {
		md = &computepb.Metadata{}
	}
	if !RsaNotInMetadata(md, entry) {
		return nil
	}
	return c.UpdateRsaInMetadata(ctx, zone, instance, md, entry)
}

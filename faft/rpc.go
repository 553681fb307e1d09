// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package faft

import (
	"context"
	"time"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/xmlrpc"
)

// RPCPort is the port of the FAFT RPC server on the DUT.
const RPCPort = 9990

const defaultRPCTimeout = 2 * time.Minute

// Client talks to the FAFT RPC server running on the DUT.
type Client interface {
	// system.*
	IsAvailable(ctx context.Context) (bool, error)
	PlatformName(ctx context.Context) (string, error)
	ModelName(ctx context.Context) (string, error)
	DevTPMPresent(ctx context.Context) (bool, error)
	FWVboot2(ctx context.Context) (bool, error)
	SetFWTryNext(ctx context.Context, next string, count int) error
	CrossystemValue(ctx context.Context, key string) (string, error)
	RunShellCommand(ctx context.Context, cmd string) error
	RunShellCommandGetOutput(ctx context.Context, cmd string) ([]string, error)
	RunShellCommandGetStatus(ctx context.Context, cmd string) (int, error)
	RunShellCommandCheckOutput(ctx context.Context, cmd, success string) (bool, error)
	RootDev(ctx context.Context) (string, error)
	IsRemovableDeviceBoot(ctx context.Context) (bool, error)
	InternalDevice(ctx context.Context) (string, error)
	CreateTempDir(ctx context.Context) (string, error)
	DumpLog(ctx context.Context, remove bool) (string, error)
	SetTryFWB(ctx context.Context, count int) error
	SetDevBootUSB(ctx context.Context, enable bool) error

	// bios.*
	BIOSAvailable(ctx context.Context) (bool, error)
	GBBFlags(ctx context.Context) (uint32, error)
	SetGBBFlags(ctx context.Context, flags uint32) error
	PreambleFlags(ctx context.Context, section string) (int, error)
	SetPreambleFlags(ctx context.Context, section string, flags int) error
	ReloadBIOS(ctx context.Context) error
	SigSHA(ctx context.Context, section string) (string, error)
	BodySHA(ctx context.Context, section string) (string, error)
	SectionFWID(ctx context.Context, section string) (string, error)
	DumpBIOS(ctx context.Context, path string) error
	WriteBIOS(ctx context.Context, path string) error

	// ec.*
	ECVersion(ctx context.Context) (string, error)
	DumpEC(ctx context.Context, path string) error
	WriteEC(ctx context.Context, path string) error
	SetECWriteProtect(ctx context.Context, enable bool) error

	// kernel.* and rootfs.*
	KernelDiffAB(ctx context.Context) (bool, error)
	KernelSHA(ctx context.Context, part string) (string, error)
	DumpKernel(ctx context.Context, part, path string) error
	WriteKernel(ctx context.Context, part, path string) error
	VerifyRootfs(ctx context.Context, section string) (bool, error)

	// cgpt.*
	CgptAttributes(ctx context.Context) (map[string]interface{}, error)
	SetCgptAttributes(ctx context.Context, a, b interface{}) error

	// updater.*
	StopUpdaterDaemon(ctx context.Context) error
	StartUpdaterDaemon(ctx context.Context) error
	CleanupUpdater(ctx context.Context) error
	AllFWIDs(ctx context.Context, target string) (map[string]string, error)
	ModifyFWIDs(ctx context.Context, target string, sections []string) error
	RepackShellball(ctx context.Context, suffix string) (string, error)
}

// RPCClient is a Client over XML-RPC.
type RPCClient struct {
	rpc     *xmlrpc.XMLRpc
	timeout time.Duration
}

var _ Client = (*RPCClient)(nil)

// NewRPCClient returns a client for the FAFT RPC server at host:port.
func NewRPCClient(host string, port int) *RPCClient {
	return &RPCClient{rpc: xmlrpc.New(host, port), timeout: defaultRPCTimeout}
}

func (c *RPCClient) call(ctx context.Context, method string, out interface{}, args ...interface{}) error {
	var outs []interface{}
	if out != nil {
		outs = append(outs, out)
	}
	if err := c.rpc.Run(ctx, xmlrpc.NewCallTimeout(method, c.timeout, args...), outs...); err != nil {
		return errors.Wrapf(err, "FAFT RPC %s", method)
	}
	return nil
}

func (c *RPCClient) callBool(ctx context.Context, method string, args ...interface{}) (bool, error) {
	var b bool
	err := c.call(ctx, method, &b, args...)
	return b, err
}

func (c *RPCClient) callString(ctx context.Context, method string, args ...interface{}) (string, error) {
	var s string
	err := c.call(ctx, method, &s, args...)
	return s, err
}

func (c *RPCClient) callInt(ctx context.Context, method string, args ...interface{}) (int, error) {
	var n int
	err := c.call(ctx, method, &n, args...)
	return n, err
}

// IsAvailable implements Client.
func (c *RPCClient) IsAvailable(ctx context.Context) (bool, error) {
	return c.callBool(ctx, "system.is_available")
}

// PlatformName implements Client.
func (c *RPCClient) PlatformName(ctx context.Context) (string, error) {
	return c.callString(ctx, "system.get_platform_name")
}

// ModelName implements Client.
func (c *RPCClient) ModelName(ctx context.Context) (string, error) {
	return c.callString(ctx, "system.get_model_name")
}

// DevTPMPresent implements Client.
func (c *RPCClient) DevTPMPresent(ctx context.Context) (bool, error) {
	return c.callBool(ctx, "system.dev_tpm_present")
}

// FWVboot2 implements Client.
func (c *RPCClient) FWVboot2(ctx context.Context) (bool, error) {
	return c.callBool(ctx, "system.get_fw_vboot2")
}

// SetFWTryNext implements Client.
func (c *RPCClient) SetFWTryNext(ctx context.Context, next string, count int) error {
	return c.call(ctx, "system.set_fw_try_next", nil, next, count)
}

// CrossystemValue implements Client.
func (c *RPCClient) CrossystemValue(ctx context.Context, key string) (string, error) {
	return c.callString(ctx, "system.get_crossystem_value", key)
}

// RunShellCommand implements Client.
func (c *RPCClient) RunShellCommand(ctx context.Context, cmd string) error {
	return c.call(ctx, "system.run_shell_command", nil, cmd)
}

// RunShellCommandGetOutput implements Client.
func (c *RPCClient) RunShellCommandGetOutput(ctx context.Context, cmd string) ([]string, error) {
	var lines []string
	err := c.call(ctx, "system.run_shell_command_get_output", &lines, cmd)
	return lines, err
}

// RunShellCommandGetStatus implements Client.
func (c *RPCClient) RunShellCommandGetStatus(ctx context.Context, cmd string) (int, error) {
	return c.callInt(ctx, "system.run_shell_command_get_status", cmd)
}

// RunShellCommandCheckOutput implements Client.
func (c *RPCClient) RunShellCommandCheckOutput(ctx context.Context, cmd, success string) (bool, error) {
	return c.callBool(ctx, "system.run_shell_command_check_output", cmd, success)
}

// RootDev implements Client.
func (c *RPCClient) RootDev(ctx context.Context) (string, error) {
	return c.callString(ctx, "system.get_root_dev")
}

// IsRemovableDeviceBoot implements Client.
func (c *RPCClient) IsRemovableDeviceBoot(ctx context.Context) (bool, error) {
	return c.callBool(ctx, "system.is_removable_device_boot")
}

// InternalDevice implements Client.
func (c *RPCClient) InternalDevice(ctx context.Context) (string, error) {
	return c.callString(ctx, "system.get_internal_device")
}

// CreateTempDir implements Client.
func (c *RPCClient) CreateTempDir(ctx context.Context) (string, error) {
	return c.callString(ctx, "system.create_temp_dir")
}

// DumpLog implements Client.
func (c *RPCClient) DumpLog(ctx context.Context, remove bool) (string, error) {
	return c.callString(ctx, "system.dump_log", remove)
}

// SetTryFWB implements Client.
func (c *RPCClient) SetTryFWB(ctx context.Context, count int) error {
	return c.call(ctx, "system.set_try_fw_b", nil, count)
}

// SetDevBootUSB implements Client.
func (c *RPCClient) SetDevBootUSB(ctx context.Context, enable bool) error {
	return c.call(ctx, "system.set_dev_boot_usb", nil, enable)
}

// BIOSAvailable implements Client.
func (c *RPCClient) BIOSAvailable(ctx context.Context) (bool, error) {
	return c.callBool(ctx, "bios.is_available")
}

// GBBFlags implements Client.
func (c *RPCClient) GBBFlags(ctx context.Context) (uint32, error) {
	n, err := c.callInt(ctx, "bios.get_gbb_flags")
	return uint32(n), err
}

// SetGBBFlags implements Client.
func (c *RPCClient) SetGBBFlags(ctx context.Context, flags uint32) error {
	return c.call(ctx, "bios.set_gbb_flags", nil, int64(flags))
}

// PreambleFlags implements Client.
func (c *RPCClient) PreambleFlags(ctx context.Context, section string) (int, error) {
	return c.callInt(ctx, "bios.get_preamble_flags", section)
}

// SetPreambleFlags implements Client.
func (c *RPCClient) SetPreambleFlags(ctx context.Context, section string, flags int) error {
	return c.call(ctx, "bios.set_preamble_flags", nil, section, flags)
}

// ReloadBIOS implements Client.
func (c *RPCClient) ReloadBIOS(ctx context.Context) error {
	return c.call(ctx, "bios.reload", nil)
}

// SigSHA implements Client.
func (c *RPCClient) SigSHA(ctx context.Context, section string) (string, error) {
	return c.callString(ctx, "bios.get_sig_sha", section)
}

// BodySHA implements Client.
func (c *RPCClient) BodySHA(ctx context.Context, section string) (string, error) {
	return c.callString(ctx, "bios.get_body_sha", section)
}

// SectionFWID implements Client.
func (c *RPCClient) SectionFWID(ctx context.Context, section string) (string, error) {
	return c.callString(ctx, "bios.get_section_fwid", section)
}

// DumpBIOS implements Client.
func (c *RPCClient) DumpBIOS(ctx context.Context, path string) error {
	return c.call(ctx, "bios.dump_whole", nil, path)
}

// WriteBIOS implements Client.
func (c *RPCClient) WriteBIOS(ctx context.Context, path string) error {
	return c.call(ctx, "bios.write_whole", nil, path)
}

// ECVersion implements Client.
func (c *RPCClient) ECVersion(ctx context.Context) (string, error) {
	return c.callString(ctx, "ec.get_version")
}

// DumpEC implements Client.
func (c *RPCClient) DumpEC(ctx context.Context, path string) error {
	return c.call(ctx, "ec.dump_whole", nil, path)
}

// WriteEC implements Client.
func (c *RPCClient) WriteEC(ctx context.Context, path string) error {
	return c.call(ctx, "ec.write_whole", nil, path)
}

// SetECWriteProtect implements Client.
func (c *RPCClient) SetECWriteProtect(ctx context.Context, enable bool) error {
	return c.call(ctx, "ec.set_write_protect", nil, enable)
}

// KernelDiffAB implements Client.
func (c *RPCClient) KernelDiffAB(ctx context.Context) (bool, error) {
	return c.callBool(ctx, "kernel.diff_a_b")
}

// KernelSHA implements Client.
func (c *RPCClient) KernelSHA(ctx context.Context, part string) (string, error) {
	return c.callString(ctx, "kernel.get_sha", part)
}

// DumpKernel implements Client.
func (c *RPCClient) DumpKernel(ctx context.Context, part, path string) error {
	return c.call(ctx, "kernel.dump", nil, part, path)
}

// WriteKernel implements Client.
func (c *RPCClient) WriteKernel(ctx context.Context, part, path string) error {
	return c.call(ctx, "kernel.write", nil, part, path)
}

// VerifyRootfs implements Client.
func (c *RPCClient) VerifyRootfs(ctx context.Context, section string) (bool, error) {
	return c.callBool(ctx, "rootfs.verify_rootfs", section)
}

// CgptAttributes implements Client.
func (c *RPCClient) CgptAttributes(ctx context.Context) (map[string]interface{}, error) {
	var m map[string]interface{}
	err := c.call(ctx, "cgpt.get_attributes", &m)
	return m, err
}

// SetCgptAttributes implements Client.
func (c *RPCClient) SetCgptAttributes(ctx context.Context, a, b interface{}) error {
	return c.call(ctx, "cgpt.set_attributes", nil, a, b)
}

// StopUpdaterDaemon implements Client.
func (c *RPCClient) StopUpdaterDaemon(ctx context.Context) error {
	return c.call(ctx, "updater.stop_daemon", nil)
}

// StartUpdaterDaemon implements Client.
func (c *RPCClient) StartUpdaterDaemon(ctx context.Context) error {
	return c.call(ctx, "updater.start_daemon", nil)
}

// CleanupUpdater implements Client.
func (c *RPCClient) CleanupUpdater(ctx context.Context) error {
	return c.call(ctx, "updater.cleanup", nil)
}

// AllFWIDs implements Client.
func (c *RPCClient) AllFWIDs(ctx context.Context, target string) (map[string]string, error) {
	var m map[string]interface{}
	if err := c.call(ctx, "updater.get_all_fwids", &m, target); err != nil {
		return nil, err
	}
	fwids := make(map[string]string, len(m))
	for k, v := range m {
		var s string
		if err := xmlrpc.Unmarshal(v, &s); err != nil {
			return nil, errors.Wrapf(err, "fwid of %s %s", target, k)
		}
		fwids[k] = s
	}
	return fwids, nil
}

// ModifyFWIDs implements Client.
func (c *RPCClient) ModifyFWIDs(ctx context.Context, target string, sections []string) error {
	return c.call(ctx, "updater.modify_fwids", nil, target, sections)
}

// RepackShellball implements Client.
func (c *RPCClient) RepackShellball(ctx context.Context, suffix string) (string, error) {
	return c.callString(ctx, "updater.repack_shellball", suffix)
}

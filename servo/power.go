// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package servo

import (
	"context"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
)

// PowerStateController drives the DUT through the power_state control.
type PowerStateController struct {
	s         *Servo
	supported *bool
}

// Supported reports whether servod has the power_state control.
func (p *PowerStateController) Supported(ctx context.Context) (bool, error) {
	if p.supported == nil {
		ok, err := p.s.HasControl(ctx, string(PowerStateCtrl), "")
		if err != nil {
			return false, err
		}
		p.supported = &ok
	}
	return *p.supported, nil
}

func (p *PowerStateController) set(ctx context.Context, v PowerStateValue) error {
	ok, err := p.Supported(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("power_state controls not supported")
	}
	return p.s.SetPowerState(ctx, v)
}

// Reset cold-resets the DUT.
func (p *PowerStateController) Reset(ctx context.Context) error {
	return p.set(ctx, PowerStateReset)
}

// WarmReset warm-resets the DUT, falling back to toggling warm_reset
// directly when servod rejects the power state.
func (p *PowerStateController) WarmReset(ctx context.Context) error {
	err := p.set(ctx, PowerStateWarmReset)
	if err == nil {
		return nil
	}
	logging.Infof(ctx, "power_state:warm_reset failed (%v); toggling warm_reset", err)
	_, err = p.s.SetGetAll(ctx, []string{"warm_reset:on", "sleep:0.5000", "warm_reset:off"})
	return err
}

// PowerOff turns the DUT off.
func (p *PowerStateController) PowerOff(ctx context.Context) error {
	return p.set(ctx, PowerStateOff)
}

// RecMode selects how PowerOn boots.
type RecMode string

// Boot modes for PowerOn. power_state "on" is a normal, non-recovery boot.
const (
	RecModeNormal   RecMode = "on"
	RecModeOn       RecMode = "rec"
	RecModeForceMRC RecMode = "rec_force_mrc"
)

// PowerOn turns the DUT on in the given boot mode.
func (p *PowerStateController) PowerOn(ctx context.Context, mode RecMode) error {
	switch mode {
	case RecModeNormal, RecModeOn, RecModeForceMRC:
	default:
		return errors.Errorf("unknown rec mode %q", mode)
	}
	return p.set(ctx, PowerStateValue(mode))
}

// ColdReset cold-resets the DUT through power_state.
func (s *Servo) ColdReset(ctx context.Context) error { return s.power.Reset(ctx) }

// WarmReset warm-resets the DUT.
func (s *Servo) WarmReset(ctx context.Context) error { return s.power.WarmReset(ctx) }

// PowerOff turns the DUT off through power_state.
func (s *Servo) PowerOff(ctx context.Context) error { return s.power.PowerOff(ctx) }

// PowerOn turns the DUT on in mode.
func (s *Servo) PowerOn(ctx context.Context, mode RecMode) error { return s.power.PowerOn(ctx, mode) }

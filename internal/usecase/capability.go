// Package usecase contains application business logic.
package usecase

import (
	"context"

	"go.uber.org/zap"

	"github.com/eliteGoblin/echidnad/internal/domain"
)

// PolicyToolPaths are probed in order for an executable magiskpolicy.
var PolicyToolPaths = []string{
	"/system/bin/magiskpolicy",
	"/system/xbin/magiskpolicy",
	"/sbin/magiskpolicy",
	"/data/adb/magisk/magiskpolicy",
}

// CapabilityProbeImpl implements domain.CapabilityProbe.
type CapabilityProbeImpl struct {
	selinux domain.SelinuxReader
	runner  domain.CommandRunner
	logger  *zap.Logger
}

// NewCapabilityProbe creates a probe over the given SELinux reader and root shell.
func NewCapabilityProbe(selinux domain.SelinuxReader, runner domain.CommandRunner, logger *zap.Logger) *CapabilityProbeImpl {
	return &CapabilityProbeImpl{selinux: selinux, runner: runner, logger: logger}
}

// Evaluate classifies the device. Root is verified before any policy tool
// probe runs, so a device without root never touches the tool paths.
func (p *CapabilityProbeImpl) Evaluate(ctx context.Context) domain.SelinuxState {
	if !p.selinux.Enabled() {
		return domain.SelinuxNone
	}
	if !p.selinux.Enforcing() {
		return domain.SelinuxPermissive
	}

	if !p.runner.Run(ctx, "id").Success {
		p.logger.Info("root shell unavailable under enforcing SELinux")
		return domain.SelinuxEnforcingJavaOnly
	}
	if p.hasPolicyTool(ctx) {
		return domain.SelinuxEnforcingWithPolicyTool
	}
	return domain.SelinuxEnforcingJavaOnly
}

func (p *CapabilityProbeImpl) hasPolicyTool(ctx context.Context) bool {
	for _, path := range PolicyToolPaths {
		if p.runner.Run(ctx, "test", "-x", path).Success {
			p.logger.Debug("policy tool found", zap.String("path", path))
			return true
		}
	}
	return p.runner.Run(ctx, "magiskpolicy", "--live", "--help").Success
}

// Ensure CapabilityProbeImpl implements domain.CapabilityProbe.
var _ domain.CapabilityProbe = (*CapabilityProbeImpl)(nil)

package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/eliteGoblin/echidnad/internal/domain"
)

// ModuleID is the engine module's identifier in the module manager.
const ModuleID = "echidna-control"

// PolicyRules are applied live when a policy tool is available.
var PolicyRules = []string{
	"allow zygote zygote process dyntransition",
	"allow zygote zygote binder call",
	"allow zygote zygote binder transfer",
}

// ModuleControllerImpl implements domain.ModuleController. Callers are
// expected to serialize mutating calls; CachedStatus is safe from any goroutine.
type ModuleControllerImpl struct {
	runner domain.CommandRunner
	probe  domain.CapabilityProbe
	status atomic.Pointer[domain.ModuleStatus]
	logger *zap.Logger
}

// NewModuleController creates a controller with the "not yet queried" status.
func NewModuleController(runner domain.CommandRunner, probe domain.CapabilityProbe, logger *zap.Logger) *ModuleControllerImpl {
	c := &ModuleControllerImpl{runner: runner, probe: probe, logger: logger}
	c.status.Store(&domain.ModuleStatus{
		ModuleInstalled:       false,
		PrivilegedHookEnabled: false,
		SelinuxState:          domain.SelinuxNone,
		JavaFallbackActive:    true,
		LastError:             "status not yet queried",
	})
	return c
}

// CachedStatus returns the last published status without blocking.
func (c *ModuleControllerImpl) CachedStatus() domain.ModuleStatus {
	return *c.status.Load()
}

// Install installs the module archive at path, patches policy and refreshes.
func (c *ModuleControllerImpl) Install(ctx context.Context, path string) domain.ModuleStatus {
	path = strings.TrimSpace(path)
	if path == "" {
		c.logger.Warn("cannot install module: archive path is empty")
		return c.setLastError("module archive missing")
	}

	result := c.runner.Run(ctx, "magisk", "--install-module", path)
	if !result.Success {
		return c.setLastError("install failed: " + result.Stderr)
	}
	c.logger.Info("module installation requested", zap.String("archive", path))

	c.ApplyPolicyPatch(ctx)
	return c.RefreshStatus(ctx)
}

// Uninstall removes the module.
func (c *ModuleControllerImpl) Uninstall(ctx context.Context) domain.ModuleStatus {
	result := c.runner.Run(ctx, "magisk", "--remove-modules", ModuleID)
	if !result.Success {
		return c.setLastError("uninstall failed: " + result.Stderr)
	}
	c.logger.Info("module removal requested", zap.String("module", ModuleID))
	return c.RefreshStatus(ctx)
}

// RefreshStatus queries installation, hook and SELinux state. The new status
// replaces the cached one wholesale, so a prior lastError is cleared unless
// the installation probe itself reports one.
func (c *ModuleControllerImpl) RefreshStatus(ctx context.Context) domain.ModuleStatus {
	installed, probeErr := c.queryInstalled(ctx)
	hookEnabled := c.queryHook(ctx)
	state := c.probe.Evaluate(ctx)

	status := &domain.ModuleStatus{
		ModuleInstalled:       installed,
		PrivilegedHookEnabled: hookEnabled,
		SelinuxState:          state,
		JavaFallbackActive:    state == domain.SelinuxEnforcingJavaOnly,
		LastError:             probeErr,
	}
	c.status.Store(status)

	c.logger.Debug("module status refreshed",
		zap.Bool("installed", installed),
		zap.Bool("hook_enabled", hookEnabled),
		zap.String("selinux", string(state)))
	return *status
}

// ApplyPolicyPatch injects the live policy rules when the device allows it.
// A failed patch downgrades the reported state to Java-only.
func (c *ModuleControllerImpl) ApplyPolicyPatch(ctx context.Context) domain.SelinuxState {
	state := c.probe.Evaluate(ctx)
	if state != domain.SelinuxEnforcingWithPolicyTool {
		if state == domain.SelinuxEnforcingJavaOnly {
			c.logger.Warn("SELinux enforcing without policy tool; native engine disabled")
		}
		return state
	}

	argv := append([]string{"magiskpolicy", "--live"}, PolicyRules...)
	result := c.runner.Run(ctx, argv...)
	if !result.Success {
		c.logger.Warn("failed to apply SELinux policy", zap.String("stderr", result.Stderr))
		return domain.SelinuxEnforcingJavaOnly
	}
	c.logger.Info("SELinux policy patch applied")
	return domain.SelinuxEnforcingWithPolicyTool
}

// setLastError replaces only lastError, keeping every other field.
func (c *ModuleControllerImpl) setLastError(msg string) domain.ModuleStatus {
	for {
		current := c.status.Load()
		next := *current
		next.LastError = msg
		if c.status.CompareAndSwap(current, &next) {
			return next
		}
	}
}

func (c *ModuleControllerImpl) queryInstalled(ctx context.Context) (bool, string) {
	result := c.runner.Run(ctx, "test", "-f", "/data/adb/modules/"+ModuleID+"/module.prop")
	switch result.ExitCode {
	case 0:
		return true, ""
	case 1:
		return false, ""
	}

	msg := fmt.Sprintf("unable to verify module installation (exit %d)", result.ExitCode)
	if result.Stderr != "" {
		msg = "unable to verify module installation: " + result.Stderr
	}
	c.logger.Warn(msg)
	return false, msg
}

func (c *ModuleControllerImpl) queryHook(ctx context.Context) bool {
	result := c.runner.Run(ctx, "magisk", "--zygisk")
	if !result.Success {
		c.logger.Warn("unable to query privileged hook", zap.String("stderr", result.Stderr))
		return false
	}
	return strings.Contains(strings.ToLower(result.Stdout), "enabled")
}

// Ensure ModuleControllerImpl implements domain.ModuleController.
var _ domain.ModuleController = (*ModuleControllerImpl)(nil)

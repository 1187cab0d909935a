package approvals

import (
	"context"
	"fmt"
)

// Profile names applied from the admin panel.
const (
	ProfileStrict     = "strict"
	ProfileBalanced   = "balanced"
	ProfilePermissive = "permissive"
)

// profileSettings maps each profile to the policy switches it sets.
var profileSettings = map[string]map[string]string{
	ProfileStrict: {
		"auto_approve_tools":     "false",
		"auto_approve_modules":   "false",
		"auto_approve_network":   "false",
		"remote_editing_enabled": "false",
	},
	ProfileBalanced: {
		"auto_approve_tools":     "true",
		"auto_approve_modules":   "true",
		"auto_approve_network":   "false",
		"remote_editing_enabled": "false",
	},
	ProfilePermissive: {
		"auto_approve_tools":     "true",
		"auto_approve_modules":   "true",
		"auto_approve_network":   "true",
		"remote_editing_enabled": "true",
	},
}

// ApplyProfile writes a security profile's switches into settings.
func (e *Engine) ApplyProfile(ctx context.Context, profile string) error {
	switches, ok := profileSettings[profile]
	if !ok {
		return fmt.Errorf("unknown security profile %q", profile)
	}
	for key, value := range switches {
		if err := e.store.SetSetting(ctx, key, value, false); err != nil {
			return err
		}
	}
	if err := e.store.SetSetting(ctx, "approval_profile", profile, false); err != nil {
		return err
	}
	e.logger.Info("security profile applied", "profile", profile)
	return nil
}

// CurrentProfile reads the active profile name, defaulting to balanced.
func (e *Engine) CurrentProfile(ctx context.Context) string {
	setting, err := e.store.GetSetting(ctx, "approval_profile")
	if err != nil || !setting.Value.Valid {
		return ProfileBalanced
	}
	return setting.Value.String
}

// RemoteEditingEnabled reports whether MCP clients may edit tool code.
func (e *Engine) RemoteEditingEnabled(ctx context.Context) bool {
	setting, err := e.store.GetSetting(ctx, "remote_editing_enabled")
	return err == nil && setting.Value.String == "true"
}

package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod/lib/proto"

	"github.com/predicatelabs/predicate-go/backend"
)

// PermissionPolicy is the startup permission configuration.
type PermissionPolicy struct {
	// Default is "prompt", "grant" or "deny"; only auto-granted
	// permissions are acted on here.
	Default string
	// AutoGrant lists permission names granted at launch (e.g.
	// "geolocation", "notifications", "clipboardReadWrite").
	AutoGrant []string
	// Geolocation, when set, overrides the reported position.
	Geolocation *backend.Geolocation
	// Origin scopes the grants; empty grants for all origins.
	Origin string
}

// PermissionRecoveryPolicy bounds permission-triggered browser restarts.
// Recovery is best-effort and driven by the embedding application.
type PermissionRecoveryPolicy struct {
	Enabled     bool
	MaxRestarts int
	AutoGrant   []string
}

var permissionTypes = map[string]proto.BrowserPermissionType{
	"geolocation":          proto.BrowserPermissionTypeGeolocation,
	"notifications":        proto.BrowserPermissionTypeNotifications,
	"clipboardReadWrite":   proto.BrowserPermissionTypeClipboardReadWrite,
	"clipboardSanitizedWrite": proto.BrowserPermissionTypeClipboardSanitizedWrite,
	"audioCapture":         proto.BrowserPermissionTypeAudioCapture,
	"videoCapture":         proto.BrowserPermissionTypeVideoCapture,
	"backgroundSync":       proto.BrowserPermissionTypeBackgroundSync,
	"midi":                 proto.BrowserPermissionTypeMidi,
	"durableStorage":       proto.BrowserPermissionTypeDurableStorage,
}

func (b *Browser) applyPermissionPolicy(ctx context.Context, policy *PermissionPolicy) error {
	if len(policy.AutoGrant) > 0 {
		if err := b.GrantPermissions(ctx, policy.Origin, policy.AutoGrant); err != nil {
			return err
		}
	}
	if policy.Geolocation != nil {
		if err := b.SetGeolocation(ctx, *policy.Geolocation); err != nil {
			return err
		}
	}
	return nil
}

// GrantPermissions grants the named permissions, optionally scoped to an
// origin.
func (b *Browser) GrantPermissions(ctx context.Context, origin string, permissions []string) error {
	var types []proto.BrowserPermissionType
	for _, name := range permissions {
		t, ok := permissionTypes[name]
		if !ok {
			return fmt.Errorf("unknown permission %q", name)
		}
		types = append(types, t)
	}
	req := proto.BrowserGrantPermissions{Permissions: types}
	if origin != "" {
		req.Origin = origin
	}
	if err := req.Call(b.rod); err != nil {
		return fmt.Errorf("failed to grant permissions: %w", err)
	}
	return nil
}

// ClearPermissions resets all permission overrides.
func (b *Browser) ClearPermissions(ctx context.Context) error {
	if err := (proto.BrowserResetPermissions{}).Call(b.rod); err != nil {
		return fmt.Errorf("failed to reset permissions: %w", err)
	}
	return nil
}

// SetGeolocation overrides the position reported to pages.
func (b *Browser) SetGeolocation(ctx context.Context, geo backend.Geolocation) error {
	page, err := b.activePage()
	if err != nil {
		return err
	}
	accuracy := geo.Accuracy
	if accuracy == 0 {
		accuracy = 1
	}
	err = proto.EmulationSetGeolocationOverride{
		Latitude:  &geo.Latitude,
		Longitude: &geo.Longitude,
		Accuracy:  &accuracy,
	}.Call(page)
	if err != nil {
		return fmt.Errorf("failed to set geolocation: %w", err)
	}
	return nil
}

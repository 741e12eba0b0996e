// Package authz defines the access-approval gate consulted before
// state-changing engine operations. The policy itself lives outside the
// engine; this package only fixes the yes/no interface.
package authz

import (
	"context"
	"fmt"

	"github.com/thinrope/grr/errors"
)

// Action names the operation being gated.
type Action string

const (
	ActionStartFlow    Action = "start_flow"
	ActionCancelFlow   Action = "cancel_flow"
	ActionMutateCron   Action = "mutate_cron"
	ActionAttachPlugin Action = "attach_plugin"
)

// Checker answers whether an actor may perform an action on a target
// entity. A nil return grants access; denial is errors.ErrAccessDenied.
type Checker interface {
	CheckAccess(ctx context.Context, actor string, action Action, target string) error
}

// AllowAll grants every request. Suitable for deployments where approval
// is enforced upstream.
type AllowAll struct{}

func (AllowAll) CheckAccess(context.Context, string, Action, string) error { return nil }

// DenyAll rejects every request.
type DenyAll struct{}

func (DenyAll) CheckAccess(_ context.Context, actor string, action Action, target string) error {
	return fmt.Errorf("actor %q may not %s on %q: %w", actor, string(action), target, errors.ErrAccessDenied)
}

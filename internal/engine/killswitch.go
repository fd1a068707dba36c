package engine

import (
	"context"

	"go.uber.org/zap"
)

// EngageKillSwitch blocks all new financial operations. In-flight events
// finish; anything arriving afterwards gets BLOCKED_BY_KILLSWITCH.
func (e *Engine) EngageKillSwitch(ctx context.Context, adminID, reason string) error {
	if reason == "" {
		return newErr(CodeInvalidTransition, "kill switch requires a reason")
	}
	if err := e.setKillSwitch(ctx, adminID, true, reason); err != nil {
		return err
	}
	killSwitchActive.Set(1)
	e.log.Error("kill switch engaged",
		zap.String("reason", reason),
		zap.String("admin_id", adminID))
	return nil
}

// DisengageKillSwitch is admin-only and assumed to follow a manual
// reconciliation of whatever engaged it.
func (e *Engine) DisengageKillSwitch(ctx context.Context, adminID string) error {
	if adminID == "" {
		return newErr(CodeForbidden, "disengaging the kill switch requires an admin")
	}
	if err := e.setKillSwitch(ctx, adminID, false, ""); err != nil {
		return err
	}
	killSwitchActive.Set(0)
	e.log.Warn("kill switch disengaged", zap.String("admin_id", adminID))
	return nil
}

func (e *Engine) setKillSwitch(ctx context.Context, adminID string, active bool, reason string) error {
	txn, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer txn.Rollback(ctx)

	now := e.now()
	if err := txn.SetKillSwitch(ctx, active, reason, now); err != nil {
		return err
	}
	action := "kill_switch_disengage"
	if active {
		action = "kill_switch_engage"
	}
	if adminID != "" {
		err = txn.InsertAdminAction(ctx, AdminAction{
			AdminID:   adminID,
			Action:    action,
			Detail:    map[string]string{"reason": reason},
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
	}
	return txn.Commit(ctx)
}

// KillSwitchActive reports the flag and its reason.
func (e *Engine) KillSwitchActive(ctx context.Context) (bool, string, error) {
	txn, err := e.store.Begin(ctx)
	if err != nil {
		return false, "", err
	}
	defer txn.Rollback(ctx)
	return txn.KillSwitch(ctx)
}

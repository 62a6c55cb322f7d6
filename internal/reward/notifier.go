// Package reward grants chat roles when a balance reaches a configured value.
package reward

import (
	"context"

	"github.com/ichi0g0y/twitch-coindrop/internal/metrics"
	"github.com/ichi0g0y/twitch-coindrop/internal/shared/logger"
	"go.uber.org/zap"
)

// RoleGranter is the chat platform action that gives a user a role.
type RoleGranter interface {
	GrantRole(ctx context.Context, channelID, userID, role string) error
}

type Notifier struct {
	roles   map[int64]string
	granter RoleGranter
}

func NewNotifier(roles map[int64]string, granter RoleGranter) *Notifier {
	return &Notifier{roles: roles, granter: granter}
}

// OnCredit grants the role mapped to balance, if any. Grant failures are
// logged and dropped: the credit stands and the grant is not retried.
func (n *Notifier) OnCredit(ctx context.Context, channelID, userID string, balance int64) {
	role, ok := n.roles[balance]
	if !ok || n.granter == nil {
		return
	}

	if err := n.granter.GrantRole(ctx, channelID, userID, role); err != nil {
		metrics.RoleGrantFailures.Inc()
		logger.Error("Failed to add reward role",
			zap.String("user_id", userID),
			zap.String("role", role),
			zap.Int64("coins", balance),
			zap.Error(err))
		return
	}

	logger.Info("Reward role granted",
		zap.String("user_id", userID),
		zap.String("role", role),
		zap.Int64("coins", balance))
}

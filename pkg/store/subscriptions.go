package store

import (
	"context"
	"time"

	"github.com/kasuganosora/ldm/pkg/types"
)

// Subscribe 注册离线订阅，重复订阅为幂等操作
func (s *Store) Subscribe(ctx context.Context, entityType types.SubscriptionEntity, entityID, user string) (*types.OfflineSubscription, error) {
	switch entityType {
	case types.SubscribePlatform:
		entityID = ""
	case types.SubscribeProject:
		if _, err := s.GetProject(ctx, entityID); err != nil {
			return nil, err
		}
	case types.SubscribeFile:
		if _, err := s.GetFile(ctx, entityID); err != nil {
			return nil, err
		}
	default:
		return nil, types.E(types.KindBadFormat, "unknown subscription entity %q", entityType)
	}

	sub := &types.OfflineSubscription{
		EntityType: entityType,
		EntityID:   entityID,
		User:       user,
		SyncStatus: types.SyncPending,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (entity_type, entity_id, user, sync_status)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(entity_type, entity_id, user) DO NOTHING`,
		string(entityType), entityID, user, string(types.SyncPending))
	if err != nil {
		return nil, types.Wrap(types.KindUnavailable, err, "insert subscription")
	}
	return sub, nil
}

// Unsubscribe 取消订阅
func (s *Store) Unsubscribe(ctx context.Context, entityType types.SubscriptionEntity, entityID, user string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE entity_type = ? AND entity_id = ? AND user = ?`,
		string(entityType), entityID, user)
	if err != nil {
		return types.Wrap(types.KindUnavailable, err, "delete subscription")
	}
	return requireAffected(res, "subscription", entityID)
}

// ListSubscriptions 列出用户的全部订阅；user为空列出全部
func (s *Store) ListSubscriptions(ctx context.Context, user string) ([]*types.OfflineSubscription, error) {
	query := `SELECT entity_type, entity_id, user, sync_status, last_sync_at FROM subscriptions`
	var args []interface{}
	if user != "" {
		query += ` WHERE user = ?`
		args = append(args, user)
	}
	query += ` ORDER BY entity_type, entity_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.Wrap(types.KindUnavailable, err, "list subscriptions")
	}
	defer rows.Close()

	var out []*types.OfflineSubscription
	for rows.Next() {
		sub := &types.OfflineSubscription{}
		var entityType, status, lastSync string
		if err := rows.Scan(&entityType, &sub.EntityID, &sub.User, &status, &lastSync); err != nil {
			return nil, types.Wrap(types.KindInternal, err, "scan subscription")
		}
		sub.EntityType = types.SubscriptionEntity(entityType)
		sub.SyncStatus = types.SyncStatus(status)
		sub.LastSyncAt = timeFromDB(lastSync)
		out = append(out, sub)
	}
	return out, rows.Err()
}

// SetSyncStatus 更新订阅同步状态，synced时记录时间
func (s *Store) SetSyncStatus(ctx context.Context, entityType types.SubscriptionEntity, entityID, user string, status types.SyncStatus) error {
	lastSync := ""
	if status == types.SyncSynced {
		lastSync = timeToDB(time.Now())
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET sync_status = ?,
			last_sync_at = CASE WHEN ? != '' THEN ? ELSE last_sync_at END
		 WHERE entity_type = ? AND entity_id = ? AND user = ?`,
		string(status), lastSync, lastSync, string(entityType), entityID, user)
	if err != nil {
		return types.Wrap(types.KindUnavailable, err, "set sync status")
	}
	return requireAffected(res, "subscription", entityID)
}

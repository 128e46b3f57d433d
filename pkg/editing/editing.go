// Package editing 实现行状态机与编辑锁。
// 每行至多一把活锁，租约到期由后台扫描释放；
// 译文提交走版本校验，评审通过的行自动进入项目关联的TM。
package editing

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/kasuganosora/ldm/pkg/store"
	"github.com/kasuganosora/ldm/pkg/tmsync"
	"github.com/kasuganosora/ldm/pkg/types"
)

// Events 编辑事件出口，由协作总线实现。nil安全
type Events interface {
	LockAcquired(fileID string, rowID int64, holder string)
	LockReleased(fileID string, rowID int64)
	CellUpdate(row *types.Row)
}

// ApprovePredicate 判定用户是否有审批权限
type ApprovePredicate func(user string) bool

type lockEntry struct {
	types.EditLock
	fileID string
}

// Service 行编辑服务
type Service struct {
	store   *store.Store
	sync    *tmsync.Manager
	events  Events
	lease   time.Duration
	approve ApprovePredicate

	mu    sync.Mutex
	locks map[int64]*lockEntry

	stop chan struct{}
	done chan struct{}
}

// New 创建编辑服务并启动租约扫描。
// approve为nil时默认放行任意非空用户
func New(st *store.Store, syncMgr *tmsync.Manager, events Events, lease time.Duration, approve ApprovePredicate) *Service {
	if lease <= 0 {
		lease = 90 * time.Second
	}
	if approve == nil {
		approve = func(user string) bool { return user != "" }
	}
	s := &Service{
		store:   st,
		sync:    syncMgr,
		events:  events,
		lease:   lease,
		approve: approve,
		locks:   make(map[int64]*lockEntry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Close 停止租约扫描
func (s *Service) Close() {
	close(s.stop)
	<-s.done
}

// sweep 周期性释放过期租约，周期不大于租约的1/3
func (s *Service) sweep() {
	defer close(s.done)
	ticker := time.NewTicker(s.lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.expireLocks(now)
		}
	}
}

func (s *Service) expireLocks(now time.Time) {
	type released struct {
		fileID string
		rowID  int64
	}
	var freed []released

	s.mu.Lock()
	for rowID, l := range s.locks {
		if !l.Live(now) {
			delete(s.locks, rowID)
			freed = append(freed, released{fileID: l.fileID, rowID: rowID})
		}
	}
	s.mu.Unlock()

	for _, f := range freed {
		if s.events != nil {
			s.events.LockReleased(f.fileID, f.rowID)
		}
	}
}

// BeginEdit 获取（或刷新）行编辑锁。
// 他人持有活锁时返回Locked并附带持有者
func (s *Service) BeginEdit(ctx context.Context, rowID int64, user string) (*types.EditLock, error) {
	if user == "" {
		return nil, types.E(types.KindUnauthorized, "edit requires an identity")
	}
	row, err := s.store.GetRow(ctx, rowID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s.mu.Lock()
	existing, held := s.locks[rowID]
	if held && existing.Live(now) && existing.Holder != user {
		holder := existing.Holder
		s.mu.Unlock()
		return nil, types.E(types.KindLocked, "row %d is being edited by %s", rowID, holder).
			WithDetail("holder", holder)
	}

	refreshed := held && existing.Live(now) && existing.Holder == user
	l := &lockEntry{
		EditLock: types.EditLock{
			RowID:          rowID,
			Holder:         user,
			AcquiredAt:     now,
			LeaseExpiresAt: now.Add(s.lease),
		},
		fileID: row.FileID,
	}
	if refreshed {
		l.AcquiredAt = existing.AcquiredAt
	}
	s.locks[rowID] = l
	s.mu.Unlock()

	if !refreshed && s.events != nil {
		s.events.LockAcquired(row.FileID, rowID, user)
	}
	lock := l.EditLock
	return &lock, nil
}

// RefreshLock 刷新持有者的租约
func (s *Service) RefreshLock(ctx context.Context, rowID int64, user string) (*types.EditLock, error) {
	s.mu.Lock()
	l, held := s.locks[rowID]
	if !held || !l.Live(time.Now()) || l.Holder != user {
		s.mu.Unlock()
		return nil, types.E(types.KindNotFound, "no live lock held by %s on row %d", user, rowID)
	}
	l.LeaseExpiresAt = time.Now().Add(s.lease)
	lock := l.EditLock
	s.mu.Unlock()
	return &lock, nil
}

// CancelEdit 放弃编辑并释放锁，状态不变
func (s *Service) CancelEdit(ctx context.Context, rowID int64, user string) error {
	s.releaseLock(rowID, user)
	return nil
}

// releaseLock 释放user持有的锁。他人的锁不动
func (s *Service) releaseLock(rowID int64, user string) {
	s.mu.Lock()
	l, held := s.locks[rowID]
	if !held || l.Holder != user {
		s.mu.Unlock()
		return
	}
	delete(s.locks, rowID)
	fileID := l.fileID
	s.mu.Unlock()

	if s.events != nil {
		s.events.LockReleased(fileID, rowID)
	}
}

// guard 状态变更前的锁检查：他人活锁挡路，自己的锁顺带续约
func (s *Service) guard(rowID int64, user string) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	l, held := s.locks[rowID]
	if !held || !l.Live(now) {
		return nil
	}
	if l.Holder != user {
		return types.E(types.KindLocked, "row %d is being edited by %s", rowID, l.Holder).
			WithDetail("holder", l.Holder)
	}
	l.LeaseExpiresAt = now.Add(s.lease)
	return nil
}

// Commit 提交译文。空白译文回到empty，empty提交非空译文进入pending，
// 其余状态保持。成功后释放锁
func (s *Service) Commit(ctx context.Context, rowID int64, user, target string, expectedVersion int64) (*types.Row, error) {
	if err := s.guard(rowID, user); err != nil {
		return nil, err
	}
	current, err := s.store.GetRow(ctx, rowID)
	if err != nil {
		return nil, err
	}

	status := current.Status
	if strings.TrimSpace(target) == "" {
		status = types.StatusEmpty
	} else if current.Status == types.StatusEmpty {
		status = types.StatusPending
	}

	row, err := s.store.CommitTarget(ctx, rowID, target, status, user, expectedVersion)
	if err != nil {
		return nil, err
	}

	s.releaseLock(rowID, user)
	if s.events != nil {
		s.events.CellUpdate(row)
	}
	return row, nil
}

// MarkTranslated pending → translated
func (s *Service) MarkTranslated(ctx context.Context, rowID int64, user string) (*types.Row, error) {
	return s.transition(ctx, rowID, user, types.StatusTranslated, types.StatusPending)
}

// ConfirmReview pending/translated → reviewed。
// 项目关联了TM时自动入库并入队索引
func (s *Service) ConfirmReview(ctx context.Context, rowID int64, user string) (*types.Row, error) {
	row, err := s.transition(ctx, rowID, user, types.StatusReviewed,
		types.StatusPending, types.StatusTranslated)
	if err != nil {
		return nil, err
	}

	if err := s.autoAddToTM(ctx, row, user); err != nil {
		// 入库失败不回滚评审，只延迟TM可用性
		log.Printf("[Editing] row %d tm auto-add failed: %v", rowID, err)
	}
	return row, nil
}

// Approve reviewed → approved，需审批权限
func (s *Service) Approve(ctx context.Context, rowID int64, user string) (*types.Row, error) {
	if !s.approve(user) {
		return nil, types.E(types.KindUnauthorized, "user %s cannot approve", user)
	}
	return s.transition(ctx, rowID, user, types.StatusApproved, types.StatusReviewed)
}

// transition 校验当前状态后迁移，顺带续约持有者租约
func (s *Service) transition(ctx context.Context, rowID int64, user string, to types.RowStatus, from ...types.RowStatus) (*types.Row, error) {
	if err := s.guard(rowID, user); err != nil {
		return nil, err
	}
	current, err := s.store.GetRow(ctx, rowID)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, f := range from {
		if current.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, types.E(types.KindOutOfRange, "row %d is %s, cannot move to %s",
			rowID, current.Status, to)
	}

	row, err := s.store.SetRowStatus(ctx, rowID, to, user)
	if err != nil {
		return nil, err
	}
	if s.events != nil {
		s.events.CellUpdate(row)
	}
	return row, nil
}

// autoAddToTM 评审通过的行写入项目关联TM
func (s *Service) autoAddToTM(ctx context.Context, row *types.Row, user string) error {
	file, err := s.store.GetFile(ctx, row.FileID)
	if err != nil {
		return err
	}
	project, err := s.store.GetProject(ctx, file.ProjectID)
	if err != nil {
		return err
	}
	if project.LinkedTMID == "" {
		return nil
	}

	entry, created, err := s.store.UpsertEntry(ctx, project.LinkedTMID,
		row.Source, row.Target, types.EntryReview, user)
	if err != nil {
		return err
	}
	if created {
		return s.sync.EnqueueAdd(ctx, entry)
	}
	return s.sync.EnqueueUpdate(ctx, entry)
}

// Locks 当前活锁快照（诊断用）
func (s *Service) Locks() []types.EditLock {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.EditLock, 0, len(s.locks))
	for _, l := range s.locks {
		if l.Live(now) {
			out = append(out, l.EditLock)
		}
	}
	return out
}

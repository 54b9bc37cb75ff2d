package audit

import (
	"sync/atomic"
	"time"

	"mitmhijack/internal/logger"
	"mitmhijack/pkg/domain"
)

// Auditor 记录每一次劫持决策，并分发到观察通道
type Auditor struct {
	enabled atomic.Bool
	records chan domain.HijackRecord
	dropped atomic.Int64
	log     logger.Logger
}

// New 创建一个新的审计员
func New(records chan domain.HijackRecord, l logger.Logger) *Auditor {
	if l == nil {
		l = logger.NewNop()
	}
	a := &Auditor{
		records: records,
		log:     l,
	}
	a.enabled.Store(true)
	return a
}

// SetEnabled 设置是否启用审计
func (a *Auditor) SetEnabled(enabled bool) {
	a.enabled.Store(enabled)
}

// Record 记录一次决策
func (a *Auditor) Record(session domain.SessionID, env *domain.PacketEnvelope, action domain.HijackAction) {
	if env == nil {
		return
	}
	if !a.enabled.Load() {
		a.log.Debug("[Auditor] 审计已禁用，跳过记录", "packetID", env.ID)
		return
	}

	rec := domain.HijackRecord{
		Session:   session,
		PacketID:  env.ID,
		Direction: env.Direction,
		URL:       env.URL,
		Method:    env.Method,
		Action:    action,
		Size:      len(env.Payload),
		Timestamp: time.Now().UnixMilli(),
	}
	a.dispatch(rec)
}

// Dropped 因通道满被丢弃的记录数
func (a *Auditor) Dropped() int64 {
	return a.dropped.Load()
}

// dispatch 分发到观察通道，通道满时丢弃
func (a *Auditor) dispatch(rec domain.HijackRecord) {
	if a.records == nil {
		return
	}

	select {
	case a.records <- rec:
	default:
		// 通道满时丢弃，防止阻塞劫持主流程
		a.dropped.Add(1)
		a.log.Warn("[Auditor] 审计记录通道已满，丢弃记录", "packetID", rec.PacketID, "action", rec.Action)
	}
}

package repo

import (
	"context"
	"sync"
	"time"

	"mitmhijack/internal/logger"
	"mitmhijack/internal/storage/model"
	"mitmhijack/pkg/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// HistoryOptions 历史仓库选项
type HistoryOptions struct {
	BatchSize     int           // 缓冲达到该数量时立即写入
	FlushInterval time.Duration // 定时写入间隔
	MaxBufferSize int           // 缓冲上限，超出时丢弃新记录
}

// HistoryRepo 劫持历史仓库，异步批量写入
type HistoryRepo struct {
	BaseRepository[model.HijackRecordRow]
	log      logger.Logger
	opts     HistoryOptions
	buffer   []*model.HijackRecordRow
	bufferMu sync.Mutex
	dropped  int64
	flushCh  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHistoryRepo 创建历史仓库并启动异步写入协程
func NewHistoryRepo(db *gorm.DB, l logger.Logger, opts HistoryOptions) *HistoryRepo {
	if l == nil {
		l = logger.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.MaxBufferSize <= 0 {
		opts.MaxBufferSize = opts.BatchSize * 20
	}

	r := &HistoryRepo{
		BaseRepository: *NewBaseRepository[model.HijackRecordRow](db),
		log:            l.With("component", "history"),
		opts:           opts,
		buffer:         make([]*model.HijackRecordRow, 0, opts.BatchSize),
		flushCh:        make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
	}
	r.wg.Add(1)
	go r.asyncWriter()
	return r
}

func (r *HistoryRepo) asyncWriter() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.flush()
			return
		case <-ticker.C:
			r.flush()
		case <-r.flushCh:
			r.flush()
		}
	}
}

func (r *HistoryRepo) flush() {
	r.bufferMu.Lock()
	if len(r.buffer) == 0 {
		r.bufferMu.Unlock()
		return
	}
	toWrite := r.buffer
	r.buffer = make([]*model.HijackRecordRow, 0, r.opts.BatchSize)
	r.bufferMu.Unlock()

	if err := r.CreateBatch(context.Background(), toWrite, 100); err != nil {
		r.log.Err(err, "写入劫持历史失败", "count", len(toWrite))
	}
}

// Record 缓冲一条记录，由写入协程异步落库
func (r *HistoryRepo) Record(rec domain.HijackRecord) {
	row := &model.HijackRecordRow{
		TraceID:   uuid.NewString(),
		Session:   string(rec.Session),
		PacketID:  rec.PacketID,
		Direction: string(rec.Direction),
		URL:       rec.URL,
		Method:    rec.Method,
		Action:    string(rec.Action),
		Size:      rec.Size,
		Timestamp: rec.Timestamp,
		CreatedAt: time.Now(),
	}

	r.bufferMu.Lock()
	if len(r.buffer) >= r.opts.MaxBufferSize {
		r.dropped++
		dropped := r.dropped
		r.bufferMu.Unlock()
		if dropped%100 == 1 {
			r.log.Warn("历史缓冲已满，丢弃记录", "dropped", dropped)
		}
		return
	}
	r.buffer = append(r.buffer, row)
	needFlush := len(r.buffer) >= r.opts.BatchSize
	r.bufferMu.Unlock()

	if needFlush {
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
}

// Consume 持续消费记录通道直到通道关闭或 ctx 结束
func (r *HistoryRepo) Consume(ctx context.Context, records <-chan domain.HijackRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			r.Record(rec)
		}
	}
}

// Flush 立即写入缓冲中的记录
func (r *HistoryRepo) Flush() {
	r.flush()
}

// Stop 停止写入协程，剩余记录会被写入
func (r *HistoryRepo) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}

// HistoryQuery 历史查询条件
type HistoryQuery struct {
	Session   string `json:"session"`
	Action    string `json:"action"`
	Direction string `json:"direction"`
	URL       string `json:"url"`
	Method    string `json:"method"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
	Offset    int    `json:"offset"`
	Limit     int    `json:"limit"`
}

// Apply 实现 Filter
func (q HistoryQuery) Apply(db *gorm.DB) *gorm.DB {
	if q.Session != "" {
		db = db.Where("session = ?", q.Session)
	}
	if q.Action != "" {
		db = db.Where("action = ?", q.Action)
	}
	if q.Direction != "" {
		db = db.Where("direction = ?", q.Direction)
	}
	if q.URL != "" {
		db = db.Where("url LIKE ?", "%"+q.URL+"%")
	}
	if q.Method != "" {
		db = db.Where("method = ?", q.Method)
	}
	if q.StartTime > 0 {
		db = db.Where("timestamp >= ?", q.StartTime)
	}
	if q.EndTime > 0 {
		db = db.Where("timestamp <= ?", q.EndTime)
	}
	return db
}

// Query 按条件查询历史，按时间倒序
func (r *HistoryRepo) Query(ctx context.Context, q HistoryQuery) ([]*model.HijackRecordRow, int64, error) {
	total, err := r.Count(ctx, q)
	if err != nil {
		return nil, 0, err
	}

	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}

	list := make([]*model.HijackRecordRow, 0)
	err = q.Apply(r.Db.WithContext(ctx).Model(&model.HijackRecordRow{})).
		Order("timestamp DESC").Order("id DESC").
		Offset(q.Offset).
		Limit(q.Limit).
		Find(&list).Error
	return list, total, err
}

// DeleteBefore 删除指定时间之前的记录
func (r *HistoryRepo) DeleteBefore(ctx context.Context, beforeTimestamp int64) (int64, error) {
	return r.Delete(ctx, FilterFunc(func(db *gorm.DB) *gorm.DB {
		return db.Where("timestamp < ?", beforeTimestamp)
	}))
}

// DeleteBySession 删除指定会话的记录
func (r *HistoryRepo) DeleteBySession(ctx context.Context, session string) (int64, error) {
	return r.Delete(ctx, FilterFunc(func(db *gorm.DB) *gorm.DB {
		return db.Where("session = ?", session)
	}))
}

// Cleanup 根据保留天数清理旧记录
func (r *HistoryRepo) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	return r.DeleteBefore(ctx, cutoff)
}

// ClearAll 清空全部记录
func (r *HistoryRepo) ClearAll(ctx context.Context) error {
	return r.Db.WithContext(ctx).Where("1 = 1").Delete(&model.HijackRecordRow{}).Error
}

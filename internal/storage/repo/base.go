// Package repo 提供基于 GORM 的数据仓库
package repo

import (
	"context"
	"errors"

	"mitmhijack/pkg/domain"

	"gorm.io/gorm"
)

// Filter 筛选器接口
type Filter interface {
	Apply(db *gorm.DB) *gorm.DB
}

// FilterFunc 函数形式的筛选器
type FilterFunc func(db *gorm.DB) *gorm.DB

// Apply 实现 Filter
func (f FilterFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

// Pagination 分页参数，Page 从 1 开始
type Pagination struct {
	Page  int
	Limit int
}

// Offset 计算偏移量
func (p *Pagination) Offset() int {
	if p.Limit <= 0 || p.Page <= 1 {
		return 0
	}
	return (p.Page - 1) * p.Limit
}

// Order 排序参数
type Order struct {
	Field string
	Sort  string
}

// Orders 排序参数切片
type Orders []Order

// QueryOption 查询选项
type QueryOption func(*QueryConfig)

// QueryConfig 查询配置
type QueryConfig struct {
	tx     *gorm.DB
	scopes []func(*gorm.DB) *gorm.DB
}

// WithTx 在事务中执行查询
func WithTx(tx *gorm.DB) QueryOption {
	return func(c *QueryConfig) {
		c.tx = tx
	}
}

// WithScopes 添加筛选作用域
func WithScopes(scopes ...func(*gorm.DB) *gorm.DB) QueryOption {
	return func(c *QueryConfig) {
		c.scopes = append(c.scopes, scopes...)
	}
}

// BaseRepository 基础DAO层
type BaseRepository[T any] struct {
	Db *gorm.DB
}

// NewBaseRepository 创建基础DAO层
func NewBaseRepository[T any](db *gorm.DB) *BaseRepository[T] {
	return &BaseRepository[T]{Db: db}
}

// Create 创建记录
func (r *BaseRepository[T]) Create(ctx context.Context, item *T) error {
	return r.Db.WithContext(ctx).Create(item).Error
}

// CreateBatch 批量创建记录
func (r *BaseRepository[T]) CreateBatch(ctx context.Context, items []*T, batchSize int) error {
	if len(items) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return r.Db.WithContext(ctx).CreateInBatches(items, batchSize).Error
}

// Delete 按主键或筛选器删除记录，返回影响行数
func (r *BaseRepository[T]) Delete(ctx context.Context, id any) (int64, error) {
	query := r.Db.WithContext(ctx)
	var result *gorm.DB
	if filter, ok := id.(Filter); ok {
		result = filter.Apply(query).Delete(new(T))
	} else {
		result = query.Delete(new(T), id)
	}
	return result.RowsAffected, result.Error
}

// FindOne 根据主键或筛选器查询记录，不存在时返回 domain.ErrRecordNotFound
func (r *BaseRepository[T]) FindOne(ctx context.Context, id any, opts ...QueryOption) (*T, error) {
	item := new(T)
	query := r.buildQuery(ctx, opts...)
	var err error

	if filter, ok := id.(Filter); ok {
		err = filter.Apply(query).First(item).Error
	} else {
		err = query.First(item, id).Error
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// FindAll 查询记录列表
func (r *BaseRepository[T]) FindAll(ctx context.Context, filter Filter, pagination *Pagination, orders Orders, opts ...QueryOption) ([]*T, error) {
	list := make([]*T, 0)
	query := r.buildQuery(ctx, opts...).Model(new(T))

	if filter != nil {
		query = filter.Apply(query)
	}
	if pagination != nil && pagination.Limit > 0 {
		query = query.Limit(pagination.Limit).Offset(pagination.Offset())
	}
	for _, order := range orders {
		query = query.Order(order.Field + " " + order.Sort)
	}

	if err := query.Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// Count 统计记录数量
func (r *BaseRepository[T]) Count(ctx context.Context, filter Filter, opts ...QueryOption) (int64, error) {
	var count int64
	query := r.buildQuery(ctx, opts...).Model(new(T))

	if filter != nil {
		query = filter.Apply(query)
	}
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *BaseRepository[T]) buildQuery(ctx context.Context, opts ...QueryOption) *gorm.DB {
	cfg := &QueryConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	db := r.Db
	if cfg.tx != nil {
		db = cfg.tx
	}
	query := db.WithContext(ctx)
	if len(cfg.scopes) > 0 {
		query = query.Scopes(cfg.scopes...)
	}
	return query
}

package repo

import (
	"context"
	"strings"

	"mitmhijack/internal/storage/model"

	"gorm.io/gorm"
)

// ScriptRepo 插件脚本仓库
type ScriptRepo struct {
	BaseRepository[model.ScriptRecord]
}

// NewScriptRepo 创建脚本仓库实例
func NewScriptRepo(db *gorm.DB) *ScriptRepo {
	return &ScriptRepo{
		BaseRepository: *NewBaseRepository[model.ScriptRecord](db),
	}
}

// Save 新建或按名称覆盖脚本
func (r *ScriptRepo) Save(ctx context.Context, rec *model.ScriptRecord) error {
	existing, err := r.FindByName(ctx, rec.Name)
	if err == nil {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		return r.Db.WithContext(ctx).Save(rec).Error
	}
	return r.Create(ctx, rec)
}

// FindByID 按 ID 查询脚本
func (r *ScriptRepo) FindByID(ctx context.Context, id int64) (*model.ScriptRecord, error) {
	return r.FindOne(ctx, id)
}

// FindByName 按名称查询脚本
func (r *ScriptRepo) FindByName(ctx context.Context, name string) (*model.ScriptRecord, error) {
	return r.FindOne(ctx, FilterFunc(func(db *gorm.DB) *gorm.DB {
		return db.Where("name = ?", name)
	}))
}

// List 按名称排序列出全部脚本
func (r *ScriptRepo) List(ctx context.Context) ([]*model.ScriptRecord, error) {
	return r.FindAll(ctx, nil, nil, Orders{{Field: "name", Sort: "ASC"}})
}

// Remove 删除脚本
func (r *ScriptRepo) Remove(ctx context.Context, id int64) error {
	_, err := r.Delete(ctx, id)
	return err
}

// SplitHookNames 解析逗号分隔的钩子名
func SplitHookNames(s string) []string {
	var names []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			names = append(names, part)
		}
	}
	return names
}

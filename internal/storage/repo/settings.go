package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"mitmhijack/internal/storage/model"
	"mitmhijack/pkg/domain"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gorm.io/gorm"
)

// Profile 持久化的劫持会话配置
type Profile struct {
	Host               string            `json:"host"`
	Port               int               `json:"port"`
	DownstreamProxy    string            `json:"downstreamProxy"`
	AutoForward        bool              `json:"autoForward"`
	HijackAllResponses bool              `json:"hijackAllResponses"`
	Filter             domain.FilterRule `json:"filter"`
}

// Flags 会话配置中的模式开关
func (p Profile) Flags() domain.ModeFlags {
	return domain.ModeFlags{AutoForward: p.AutoForward, HijackAllResponses: p.HijackAllResponses}
}

// 配置文档字段路径
const (
	ProfileHost               = "host"
	ProfilePort               = "port"
	ProfileDownstreamProxy    = "downstreamProxy"
	ProfileAutoForward        = "autoForward"
	ProfileHijackAllResponses = "hijackAllResponses"
	ProfileFilter             = "filter"
)

// SettingsRepo 设置仓库
type SettingsRepo struct {
	BaseRepository[model.Setting]
}

// NewSettingsRepo 创建设置仓库实例
func NewSettingsRepo(db *gorm.DB) *SettingsRepo {
	return &SettingsRepo{
		BaseRepository: *NewBaseRepository[model.Setting](db),
	}
}

// Get 获取设置值，不存在时返回 domain.ErrRecordNotFound
func (r *SettingsRepo) Get(ctx context.Context, key string) (string, error) {
	var setting model.Setting
	err := r.Db.WithContext(ctx).Where("key = ?", key).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", domain.ErrRecordNotFound
	}
	if err != nil {
		return "", err
	}
	return setting.Value, nil
}

// GetWithDefault 获取设置值，不存在时返回默认值
func (r *SettingsRepo) GetWithDefault(ctx context.Context, key, defaultValue string) string {
	val, err := r.Get(ctx, key)
	if err != nil {
		return defaultValue
	}
	return val
}

// Set 设置值（存在则更新，不存在则创建）
func (r *SettingsRepo) Set(ctx context.Context, key, value string) error {
	setting := model.Setting{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now(),
	}
	return r.Db.WithContext(ctx).Save(&setting).Error
}

// DeleteByKey 根据 key 删除设置
func (r *SettingsRepo) DeleteByKey(ctx context.Context, key string) error {
	return r.Db.WithContext(ctx).Delete(&model.Setting{}, "key = ?", key).Error
}

// GetAll 获取所有设置
func (r *SettingsRepo) GetAll(ctx context.Context) (map[string]string, error) {
	var settings []model.Setting
	if err := r.Db.WithContext(ctx).Find(&settings).Error; err != nil {
		return nil, err
	}

	result := make(map[string]string, len(settings))
	for _, s := range settings {
		result[s.Key] = s.Value
	}
	return result, nil
}

// SetMultiple 批量设置
func (r *SettingsRepo) SetMultiple(ctx context.Context, kvs map[string]string) error {
	return r.Db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		for key, value := range kvs {
			setting := model.Setting{Key: key, Value: value, UpdatedAt: now}
			if err := tx.Save(&setting).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetTheme 获取主题
func (r *SettingsRepo) GetTheme(ctx context.Context) string {
	return r.GetWithDefault(ctx, model.SettingKeyTheme, "system")
}

// SetTheme 设置主题
func (r *SettingsRepo) SetTheme(ctx context.Context, theme string) error {
	return r.Set(ctx, model.SettingKeyTheme, theme)
}

// GetLanguage 获取界面语言
func (r *SettingsRepo) GetLanguage(ctx context.Context) string {
	return r.GetWithDefault(ctx, model.SettingKeyLanguage, "zh")
}

// SetLanguage 设置界面语言
func (r *SettingsRepo) SetLanguage(ctx context.Context, lang string) error {
	return r.Set(ctx, model.SettingKeyLanguage, lang)
}

// GetProfile 读取会话配置，缺失字段取 defaults 中的值
func (r *SettingsRepo) GetProfile(ctx context.Context, defaults Profile) Profile {
	doc := r.GetWithDefault(ctx, model.SettingKeyProfile, "")
	if doc == "" || !gjson.Valid(doc) {
		return defaults
	}

	p := defaults
	fields := gjson.GetMany(doc, ProfileHost, ProfilePort, ProfileDownstreamProxy,
		ProfileAutoForward, ProfileHijackAllResponses, ProfileFilter)
	if fields[0].Exists() {
		p.Host = fields[0].String()
	}
	if fields[1].Exists() {
		p.Port = int(fields[1].Int())
	}
	if fields[2].Exists() {
		p.DownstreamProxy = fields[2].String()
	}
	if fields[3].Exists() {
		p.AutoForward = fields[3].Bool()
	}
	if fields[4].Exists() {
		p.HijackAllResponses = fields[4].Bool()
	}
	if fields[5].IsObject() {
		var rule domain.FilterRule
		if err := json.Unmarshal([]byte(fields[5].Raw), &rule); err == nil {
			p.Filter = rule
		}
	}
	return p
}

// PatchProfile 修改会话配置中的单个字段，其余字段保持不变
func (r *SettingsRepo) PatchProfile(ctx context.Context, path string, value any) error {
	return r.Db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var setting model.Setting
		doc := "{}"
		err := tx.Where("key = ?", model.SettingKeyProfile).First(&setting).Error
		switch {
		case err == nil && gjson.Valid(setting.Value):
			doc = setting.Value
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		next, err := sjson.Set(doc, path, value)
		if err != nil {
			return err
		}
		return tx.Save(&model.Setting{
			Key:       model.SettingKeyProfile,
			Value:     next,
			UpdatedAt: time.Now(),
		}).Error
	})
}

// SaveProfile 整体保存会话配置
func (r *SettingsRepo) SaveProfile(ctx context.Context, p Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.Set(ctx, model.SettingKeyProfile, string(raw))
}

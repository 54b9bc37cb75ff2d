package model

import (
	"time"
)

// Setting 用户设置表
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`  // 设置键
	Value     string    `gorm:"type:text" json:"value"` // 设置值
	UpdatedAt time.Time `json:"updatedAt"`              // 更新时间
}

// 预定义的设置 Key
const (
	SettingKeyProfile  = "mitm_profile" // 劫持会话配置 JSON
	SettingKeyTheme    = "theme"        // 主题
	SettingKeyLanguage = "language"     // 界面语言
)

// ScriptRecord 插件脚本表
type ScriptRecord struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;not null" json:"name"` // 脚本名称
	HookNames string    `gorm:"type:text" json:"hookNames"`       // 逗号分隔的钩子名
	Content   string    `gorm:"type:text" json:"content"`         // 脚本源码
	Params    string    `gorm:"type:text" json:"params"`          // 默认参数 JSON
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HijackRecordRow 劫持历史记录表
type HijackRecordRow struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TraceID   string    `gorm:"size:36;index" json:"traceId"`
	Session   string    `gorm:"index" json:"session"`
	PacketID  int64     `json:"packetId"`
	Direction string    `json:"direction"`
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	Action    string    `gorm:"index" json:"action"` // forwarded / modified / dropped ...
	Size      int       `json:"size"`
	Timestamp int64     `gorm:"index" json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName 指定表名
func (HijackRecordRow) TableName() string {
	return "hijack_history"
}

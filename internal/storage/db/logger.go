package db

import (
	"context"
	"errors"
	"time"

	"mitmhijack/internal/logger"

	"gorm.io/gorm"
	glog "gorm.io/gorm/logger"
)

// Logger 将 GORM 日志接入项目日志
type Logger struct {
	log           logger.Logger
	LogLevel      glog.LogLevel
	SlowThreshold time.Duration
}

// NewLogger 创建 GORM 日志适配器，默认只记录警告和错误
func NewLogger(l logger.Logger) *Logger {
	if l == nil {
		l = logger.NewNop()
	}
	return &Logger{
		log:           l.With("component", "gorm"),
		LogLevel:      glog.Warn,
		SlowThreshold: 500 * time.Millisecond,
	}
}

// LogMode 实现 glog.Interface
func (l *Logger) LogMode(level glog.LogLevel) glog.Interface {
	cp := *l
	cp.LogLevel = level
	return &cp
}

// Info 实现 glog.Interface
func (l *Logger) Info(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= glog.Info {
		l.log.Info(msg, "data", data)
	}
}

// Warn 实现 glog.Interface
func (l *Logger) Warn(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= glog.Warn {
		l.log.Warn(msg, "data", data)
	}
}

// Error 实现 glog.Interface
func (l *Logger) Error(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= glog.Error {
		l.log.Error(msg, "data", data)
	}
}

// Trace 记录 SQL 执行；未找到记录不算错误
func (l *Logger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= glog.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []any{"sql", sql, "rows", rows, "timeMs", float64(elapsed.Nanoseconds()) / 1e6}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.LogLevel >= glog.Error:
		l.log.Err(err, "SQL执行错误", fields...)
	case l.SlowThreshold > 0 && elapsed > l.SlowThreshold && l.LogLevel >= glog.Warn:
		l.log.Warn("慢SQL查询", append(fields, "threshold", l.SlowThreshold.String())...)
	case l.LogLevel >= glog.Info:
		l.log.Debug("SQL执行", fields...)
	}
}

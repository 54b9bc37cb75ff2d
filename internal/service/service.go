// Package service 组装配置、存储、拦截引擎、插件运行时与劫持协调器
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	cdpadapter "mitmhijack/internal/adapter/cdp"
	"mitmhijack/internal/audit"
	"mitmhijack/internal/config"
	"mitmhijack/internal/filter"
	"mitmhijack/internal/hijack"
	"mitmhijack/internal/hooks"
	"mitmhijack/internal/logger"
	"mitmhijack/internal/logstream"
	"mitmhijack/internal/mode"
	"mitmhijack/internal/plugin"
	"mitmhijack/internal/storage/db"
	"mitmhijack/internal/storage/model"
	"mitmhijack/internal/storage/repo"
	"mitmhijack/pkg/domain"
	"mitmhijack/pkg/errx"

	"gorm.io/gorm"
)

var _ Engine = (*cdpadapter.Engine)(nil)

// Engine 服务使用的拦截引擎
type Engine interface {
	hijack.Engine
	SetSink(sink domain.EventSink)
	Close() error
}

// targetLister 可列出已附着页面的引擎
type targetLister interface {
	Targets(ctx context.Context) ([]domain.TargetInfo, error)
}

// Options 服务选项
type Options struct {
	Config *config.Config
	Logger logger.Logger
	Engine Engine   // 为空时使用 CDP 引擎
	DB     *gorm.DB // 为空时按配置打开数据库
}

// Service 劫持服务
type Service struct {
	cfg *config.Config
	log logger.Logger

	gdb      *gorm.DB
	ownDB    bool
	settings *repo.SettingsRepo
	scripts  *repo.ScriptRepo
	history  *repo.HistoryRepo

	engine   Engine
	runtime  *plugin.Runtime
	registry *hooks.Registry
	modes    *mode.Controller
	coord    *hijack.Coordinator

	mu       sync.Mutex
	profile  repo.Profile
	defaults repo.Profile

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New 创建服务并恢复上次保存的会话配置
func New(opts Options) (*Service, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}

	s := &Service{cfg: cfg, log: l.With("component", "service"), gdb: opts.DB}
	if s.gdb == nil {
		gdb, err := openDB(cfg, l)
		if err != nil {
			return nil, err
		}
		s.gdb = gdb
		s.ownDB = true
	}
	if err := db.Migrate(s.gdb, &model.Setting{}, &model.ScriptRecord{}, &model.HijackRecordRow{}); err != nil {
		s.closeDB()
		return nil, errx.Wrap(errx.CodeDatabase, err, "migrate")
	}

	s.settings = repo.NewSettingsRepo(s.gdb)
	s.scripts = repo.NewScriptRepo(s.gdb)
	s.history = repo.NewHistoryRepo(s.gdb, l, repo.HistoryOptions{})

	s.defaults = defaultProfile(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	s.profile = s.settings.GetProfile(ctx, s.defaults)
	cancel()

	s.engine = opts.Engine
	if s.engine == nil {
		s.engine = cdpadapter.New(cdpadapter.Options{
			DevToolsURL:     cfg.MITM.DevToolsURL,
			LaunchBrowser:   cfg.MITM.LaunchBrowser,
			BrowserPath:     cfg.MITM.BrowserPath,
			Headless:        cfg.MITM.Headless,
			Concurrency:     cfg.Engine.Concurrency,
			PendingCapacity: cfg.Engine.PendingCapacity,
			TrackerTTL:      time.Duration(cfg.Engine.TrackerTTLSeconds) * time.Second,
			CommandTimeout:  cfg.Timing.CommandTimeout(),
			Logger:          l,
		})
	}

	records := make(chan domain.HijackRecord, 256)
	s.runtime = plugin.New(s.scripts, l)
	s.registry = hooks.New(s.runtime, l)
	s.modes = mode.New(s.profile.Flags(), 0)
	s.coord = hijack.New(hijack.Config{
		Engine:              s.engine,
		Hooks:               s.registry,
		Logs:                logstream.New(cfg.LogStream.Capacity),
		Filter:              filter.New(s.profile.Filter),
		Mode:                s.modes,
		Auditor:             audit.New(records, l),
		Logger:              l,
		RecoverInterval:     cfg.Timing.RecoverInterval(),
		HookRefreshInterval: cfg.Timing.HookRefreshInterval(),
		LogDiffInterval:     cfg.Timing.LogDiffInterval(),
		CommandTimeout:      cfg.Timing.CommandTimeout(),
	})
	s.engine.SetSink(s.coord)
	s.runtime.SetSink(s.coord)
	s.coord.OnFilter(s.persistFilter)

	bg, bgCancel := context.WithCancel(context.Background())
	s.cancel = bgCancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.history.Consume(bg, records)
	}()

	s.log.Info("服务已初始化", "host", s.profile.Host, "port", s.profile.Port,
		"autoForward", s.profile.AutoForward, "hijackAllResponses", s.profile.HijackAllResponses)
	return s, nil
}

func openDB(cfg *config.Config, l logger.Logger) (*gorm.DB, error) {
	opts := db.Options{Prefix: cfg.Sqlite.Prefix, Logger: db.NewLogger(l)}
	if filepath.IsAbs(cfg.Sqlite.Db) {
		opts.FullPath = cfg.Sqlite.Db
	} else {
		opts.Name = cfg.Sqlite.Db
	}
	gdb, err := db.New(opts)
	if err != nil {
		return nil, errx.Wrap(errx.CodeDatabase, fmt.Errorf("%w: %w", domain.ErrDatabaseNotInitialized, err), "open database")
	}
	return gdb, nil
}

// defaultProfile 配置文件中的代理地址优先于内置默认值
func defaultProfile(cfg *config.Config) repo.Profile {
	d := config.GetDefaultSettings()
	p := repo.Profile{
		Host:               d.Host,
		Port:               d.Port,
		DownstreamProxy:    d.DownstreamProxy,
		AutoForward:        d.AutoForward,
		HijackAllResponses: d.HijackAllResponses,
		Filter:             d.Filter,
	}
	if cfg.MITM.Host != "" {
		p.Host = cfg.MITM.Host
	}
	if cfg.MITM.Port > 0 {
		p.Port = cfg.MITM.Port
	}
	if cfg.MITM.DownstreamProxy != "" {
		p.DownstreamProxy = cfg.MITM.DownstreamProxy
	}
	return p
}

// Coordinator 劫持协调器
func (s *Service) Coordinator() *hijack.Coordinator { return s.coord }

// Profile 当前会话配置
func (s *Service) Profile() repo.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.profile
	p.Filter = s.coord.Filter()
	return p
}

// Start 启动劫持，未填写的参数取自会话配置
func (s *Service) Start(ctx context.Context, opts domain.StartOptions) error {
	s.mu.Lock()
	if opts.Host == "" {
		opts.Host = s.profile.Host
	}
	if opts.Port == 0 {
		opts.Port = s.profile.Port
	}
	if opts.DownstreamProxy == "" {
		opts.DownstreamProxy = s.profile.DownstreamProxy
	}
	flags := s.profile.Flags()
	s.mu.Unlock()

	// 引擎侧的开关与过滤器在首个事件到达前就位
	_ = s.engine.SetAutoForward(ctx, flags.AutoForward)
	_ = s.engine.SetFilter(ctx, s.coord.Filter())

	if err := s.coord.Start(ctx, opts); err != nil {
		return err
	}

	s.mu.Lock()
	s.profile.Host = opts.Host
	s.profile.Port = opts.Port
	s.profile.DownstreamProxy = opts.DownstreamProxy
	s.mu.Unlock()
	s.patch(repo.ProfileHost, opts.Host)
	s.patch(repo.ProfilePort, opts.Port)
	s.patch(repo.ProfileDownstreamProxy, opts.DownstreamProxy)
	return nil
}

// Stop 停止劫持，并把保存的模式开关重新应用到协调器
func (s *Service) Stop(ctx context.Context) error {
	err := s.coord.Stop(ctx)

	s.mu.Lock()
	flags := s.profile.Flags()
	s.mu.Unlock()
	s.modes.SetAutoForward(flags.AutoForward)
	s.modes.SetHijackAllResponses(flags.HijackAllResponses)

	if err != nil && !errors.Is(err, domain.ErrEngineNotRunning) {
		return err
	}
	return nil
}

// Attach 附着到引擎上已在运行的会话
func (s *Service) Attach(ctx context.Context) (domain.StreamInfo, error) {
	return s.coord.Attach(ctx)
}

// State 状态快照
func (s *Service) State() domain.StateSnapshot { return s.coord.Snapshot() }

// Forward 以编辑后的内容放行
func (s *Service) Forward(ctx context.Context, id int64, edited []byte) error {
	return s.coord.Forward(ctx, id, edited)
}

// ForwardOriginal 原样放行
func (s *Service) ForwardOriginal(ctx context.Context, id int64) error {
	return s.coord.ForwardOriginal(ctx, id)
}

// Drop 丢弃
func (s *Service) Drop(ctx context.Context, id int64) error {
	return s.coord.Drop(ctx, id)
}

// Recover 恢复信号
func (s *Service) Recover(ctx context.Context) error {
	return s.coord.Recover(ctx)
}

// SetAutoForward 切换自动放行并保存
func (s *Service) SetAutoForward(ctx context.Context, on bool) error {
	err := s.coord.SetAutoForward(ctx, on)
	s.mu.Lock()
	s.profile.AutoForward = on
	s.mu.Unlock()
	s.patch(repo.ProfileAutoForward, on)
	return err
}

// SetHijackAllResponses 切换劫持全部响应并保存
func (s *Service) SetHijackAllResponses(ctx context.Context, on bool) error {
	err := s.coord.SetHijackAllResponses(ctx, on)
	s.mu.Lock()
	s.profile.HijackAllResponses = on
	s.mu.Unlock()
	s.patch(repo.ProfileHijackAllResponses, on)
	return err
}

// AllowCurrentResponseHijack 劫持当前请求的响应
func (s *Service) AllowCurrentResponseHijack(ctx context.Context) error {
	return s.coord.AllowCurrentResponseHijack(ctx)
}

// GetFilter 当前过滤规则
func (s *Service) GetFilter() domain.FilterRule { return s.coord.Filter() }

// SetFilter 更新过滤规则，保存由过滤器变化回调完成
func (s *Service) SetFilter(ctx context.Context, rule domain.FilterRule) error {
	return s.coord.SetFilter(ctx, rule)
}

func (s *Service) persistFilter(rule domain.FilterRule) {
	s.mu.Lock()
	s.profile.Filter = rule
	s.mu.Unlock()
	s.patch(repo.ProfileFilter, rule)
}

// patch 保存会话配置的单个字段，失败只记录日志
func (s *Service) patch(path string, value any) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.settings.PatchProfile(ctx, path, value); err != nil {
		s.log.Err(err, "保存会话配置失败", "field", path)
	}
}

// Hooks 当前钩子集合
func (s *Service) Hooks() []domain.HookDescriptor { return s.registry.Snapshot() }

// SubscribeHooks 订阅钩子集合变化
func (s *Service) SubscribeHooks(fn func([]domain.HookDescriptor)) { s.registry.OnChange(fn) }

// AddHook 按脚本 id 挂载钩子
func (s *Service) AddHook(ctx context.Context, scriptID int64, params map[string]string) error {
	return s.registry.AddHook(ctx, scriptID, params)
}

// SubmitScript 提交临时脚本
func (s *Service) SubmitScript(ctx context.Context, source string) error {
	return s.registry.SubmitScriptContent(ctx, source)
}

// RemoveHookEntry 移除钩子绑定
func (s *Service) RemoveHookEntry(ctx context.Context, hookName, entryKey string, confirm hooks.Confirmer) error {
	return s.registry.RemoveHookEntry(ctx, hookName, entryKey, confirm)
}

// SaveScript 保存插件脚本
func (s *Service) SaveScript(ctx context.Context, rec *model.ScriptRecord) error {
	if rec == nil || rec.Name == "" {
		return fmt.Errorf("script name is required: %w", domain.ErrInvalidConfig)
	}
	if err := s.scripts.Save(ctx, rec); err != nil {
		return errx.Wrap(errx.CodeDatabase, err, "save script")
	}
	return nil
}

// ListScripts 列出插件脚本
func (s *Service) ListScripts(ctx context.Context) ([]*model.ScriptRecord, error) {
	return s.scripts.List(ctx)
}

// DeleteScript 删除插件脚本
func (s *Service) DeleteScript(ctx context.Context, id int64) error {
	return s.scripts.Remove(ctx, id)
}

// LatestLogs 最近发布的插件日志
func (s *Service) LatestLogs() []domain.LogEvent {
	return s.coord.Logs().Latest()
}

// SubscribeLogs 订阅日志快照
func (s *Service) SubscribeLogs(fn func([]domain.LogEvent)) func() {
	return s.coord.Logs().Subscribe(func(snap logstream.Snapshot) { fn(snap) })
}

// QueryHistory 查询劫持历史，先写入缓冲中的记录
func (s *Service) QueryHistory(ctx context.Context, q repo.HistoryQuery) ([]*model.HijackRecordRow, int64, error) {
	s.history.Flush()
	return s.history.Query(ctx, q)
}

// CleanupHistory 按保留天数清理历史
func (s *Service) CleanupHistory(ctx context.Context, retentionDays int) (int64, error) {
	return s.history.Cleanup(ctx, retentionDays)
}

// Targets 已附着的浏览器页面
func (s *Service) Targets(ctx context.Context) ([]domain.TargetInfo, error) {
	if tl, ok := s.engine.(targetLister); ok {
		return tl.Targets(ctx)
	}
	return nil, domain.ErrEngineNotRunning
}

// HeldHostIPs 解析挂起报文目标主机的 IP，主机本身是 IP 时直接返回
func (s *Service) HeldHostIPs(ctx context.Context) (domain.HostIPs, error) {
	held := s.coord.Held()
	if held == nil {
		return domain.HostIPs{}, errx.Wrap(errx.CodeInvalidState, domain.ErrNotHijacked, "resolve held host")
	}
	host := held.Host()
	if host == "" {
		return domain.HostIPs{}, errx.Wrapf(errx.CodeInvalidState, domain.ErrNotHijacked, "held packet %d has no host", held.ID)
	}
	if ip := net.ParseIP(host); ip != nil {
		return domain.HostIPs{Host: host, IPs: []string{ip.String()}}, nil
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.Timing.CommandTimeout())
	defer cancel()
	addrs, err := net.DefaultResolver.LookupIPAddr(cctx, host)
	if err != nil {
		s.log.Warn("解析挂起报文主机失败", "host", host, "error", err)
		return domain.HostIPs{}, fmt.Errorf("lookup %s: %w", host, err)
	}
	ips := make([]string, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP.String())
	}
	return domain.HostIPs{Host: host, IPs: ips}, nil
}

// Notices 状态与错误通知
func (s *Service) Notices() <-chan domain.Notice { return s.coord.Notices() }

// Close 停止劫持并释放全部资源
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	s.closeOnce.Do(func() {
		if s.coord.Status() != domain.StatusIdle {
			if err := s.coord.Stop(ctx); err != nil && !errors.Is(err, domain.ErrEngineNotRunning) {
				errs = append(errs, err)
			}
		}
		if err := s.engine.Close(); err != nil {
			errs = append(errs, err)
		}
		s.cancel()
		s.wg.Wait()
		s.history.Stop()
		s.closeDB()
		s.log.Info("服务已关闭")
	})
	return errors.Join(errs...)
}

func (s *Service) closeDB() {
	if !s.ownDB || s.gdb == nil {
		return
	}
	if err := db.Close(s.gdb); err != nil {
		s.log.Warn("关闭数据库失败", "error", err)
	}
}

package cdp

import (
	"context"
	"fmt"
	"sync"

	"mitmhijack/internal/logger"
	"mitmhijack/pkg/domain"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/rpcc"
	"golang.org/x/sync/errgroup"
)

// TargetSession 一个已附着的浏览器页面
type TargetSession struct {
	ID     domain.TargetID
	URL    string
	Client *cdp.Client
	Conn   *rpcc.Conn
	Ctx    context.Context
	Cancel context.CancelFunc
}

// ClientManager 管理到浏览器各页面的 CDP 连接
type ClientManager struct {
	devtoolsURL string
	log         logger.Logger
	mu          sync.RWMutex
	sessions    map[domain.TargetID]*TargetSession
}

// NewClientManager 创建连接管理器
func NewClientManager(url string, l logger.Logger) *ClientManager {
	if l == nil {
		l = logger.NewNop()
	}
	return &ClientManager{
		devtoolsURL: url,
		log:         l,
		sessions:    make(map[domain.TargetID]*TargetSession),
	}
}

// URL DevTools 地址
func (m *ClientManager) URL() string { return m.devtoolsURL }

// Ping 测试 DevTools 是否可达
func (m *ClientManager) Ping(ctx context.Context) error {
	if _, err := devtool.New(m.devtoolsURL).List(ctx); err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrDevToolsUnreachable, m.devtoolsURL, err)
	}
	return nil
}

// ListTargets 列出 page 类型的目标
func (m *ClientManager) ListTargets(ctx context.Context) ([]domain.TargetInfo, error) {
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDevToolsUnreachable, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.TargetInfo, 0, len(targets))
	for _, t := range targets {
		if t == nil || t.Type != "page" {
			continue
		}
		id := domain.TargetID(t.ID)
		_, attached := m.sessions[id]
		res = append(res, domain.TargetInfo{
			ID:       id,
			Type:     string(t.Type),
			URL:      t.URL,
			Title:    t.Title,
			Attached: attached,
		})
	}
	return res, nil
}

// AttachAll 并发附着所有页面，会话生命周期挂在 ctx 上；onAttach 在每个新会话建立后调用
func (m *ClientManager) AttachAll(ctx context.Context, onAttach func(*TargetSession) error) ([]*TargetSession, error) {
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDevToolsUnreachable, err)
	}

	var (
		mu       sync.Mutex
		attached []*TargetSession
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		if t == nil || t.Type != "page" {
			continue
		}
		t := t
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			s, err := m.attach(ctx, t)
			if err != nil {
				return err
			}
			if onAttach != nil {
				if err := onAttach(s); err != nil {
					_ = m.Detach(s.ID)
					return err
				}
			}
			mu.Lock()
			attached = append(attached, s)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return attached, err
	}
	if len(attached) == 0 {
		return nil, domain.ErrNoTargetAttached
	}
	return attached, nil
}

func (m *ClientManager) attach(ctx context.Context, t *devtool.Target) (*TargetSession, error) {
	id := domain.TargetID(t.ID)
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		m.log.Debug("页面已附着，复用现有会话", "targetID", string(id))
		return s, nil
	}

	sctx, cancel := context.WithCancel(ctx)
	conn, err := rpcc.DialContext(sctx, t.WebSocketDebuggerURL,
		rpcc.WithWriteBufferSize(16*1024*1024),
		rpcc.WithCompression())
	if err != nil {
		cancel()
		m.log.Err(err, "CDP 连接建立失败", "targetID", string(id), "wsURL", t.WebSocketDebuggerURL)
		return nil, err
	}

	s := &TargetSession{
		ID:     id,
		URL:    t.URL,
		Client: cdp.NewClient(conn),
		Conn:   conn,
		Ctx:    sctx,
		Cancel: cancel,
	}
	m.sessions[id] = s
	m.log.Info("页面附着成功", "targetID", string(id), "url", t.URL)
	return s, nil
}

// Detach 断开一个页面
func (m *ClientManager) Detach(id domain.TargetID) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	s.Cancel()
	return s.Conn.Close()
}

// DetachAll 断开全部页面
func (m *ClientManager) DetachAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[domain.TargetID]*TargetSession)
	m.mu.Unlock()
	for id, s := range sessions {
		s.Cancel()
		if err := s.Conn.Close(); err != nil {
			m.log.Debug("关闭 CDP 连接失败", "targetID", string(id), "error", err)
		}
	}
}

// Session 获取会话
func (m *ClientManager) Session(id domain.TargetID) (*TargetSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len 已附着页面数
func (m *ClientManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Package filter 保存当前的包含/排除过滤规则
package filter

import (
	"net/url"
	"path"
	"strings"
	"sync"

	"mitmhijack/internal/regexutil"
	"mitmhijack/pkg/domain"
)

// Store 过滤规则存储，整体替换，不做字段合并
type Store struct {
	mu      sync.RWMutex
	rule    domain.FilterRule
	version uint64
	hosts   *regexutil.Cache
}

// New 创建过滤规则存储
func New(initial domain.FilterRule) *Store {
	return &Store{rule: initial.Clone(), hosts: regexutil.New()}
}

// Apply 原子替换整条规则，返回新版本号
func (s *Store) Apply(rule domain.FilterRule) uint64 {
	cp := rule.Clone()
	s.mu.Lock()
	s.rule = cp
	s.version++
	v := s.version
	s.mu.Unlock()
	return v
}

// Get 返回当前规则的副本
func (s *Store) Get() domain.FilterRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rule.Clone()
}

// Version 返回规则被替换的次数
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Allows 判断请求是否应进入劫持流程
func (s *Store) Allows(rawURL, method string) bool {
	s.mu.RLock()
	rule := s.rule
	s.mu.RUnlock()

	for _, m := range rule.ExcludeMethod {
		if strings.EqualFold(strings.TrimSpace(m), method) {
			return false
		}
	}

	host, ext := splitURL(rawURL)

	if matchSuffix(rule.ExcludeSuffix, ext) {
		return false
	}
	for _, p := range rule.ExcludeHostname {
		if s.hosts.MatchHost(p, host) {
			return false
		}
	}

	if len(rule.IncludeSuffix) > 0 && !matchSuffix(rule.IncludeSuffix, ext) {
		return false
	}
	if len(rule.IncludeHostname) > 0 {
		for _, p := range rule.IncludeHostname {
			if s.hosts.MatchHost(p, host) {
				return true
			}
		}
		return false
	}
	return true
}

// splitURL 拆出主机名与路径扩展名（小写，带点）
func splitURL(rawURL string) (host, ext string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", ""
	}
	return u.Hostname(), strings.ToLower(path.Ext(u.Path))
}

func matchSuffix(list []string, ext string) bool {
	if ext == "" {
		return false
	}
	for _, s := range list {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if !strings.HasPrefix(s, ".") {
			s = "." + s
		}
		if s == ext {
			return true
		}
	}
	return false
}

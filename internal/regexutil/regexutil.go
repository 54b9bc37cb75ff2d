// Package regexutil 提供带并发安全缓存的主机名通配符编译工具
package regexutil

import (
	"regexp"
	"strings"
	"sync"
)

// Cache 通配符编译缓存，读多写少
type Cache struct {
	cache sync.Map
}

// New 创建一个新的缓存实例
func New() *Cache {
	return &Cache{}
}

// Get 获取编译后的正则表达式对象
func (c *Cache) Get(p string) (*regexp.Regexp, error) {
	if val, ok := c.cache.Load(p); ok {
		return val.(*regexp.Regexp), nil
	}

	compiled, err := regexp.Compile(p)
	if err != nil {
		return nil, err
	}

	c.cache.Store(p, compiled)
	return compiled, nil
}

// Glob 将主机名通配符编译为整串匹配、忽略大小写的正则
// "*" 匹配任意字符，"?" 匹配单个字符，其余字符按字面量处理
func (c *Cache) Glob(pattern string) (*regexp.Regexp, error) {
	return c.Get(GlobToRegexp(pattern))
}

// MatchHost 判断主机名是否命中通配符；不含通配符时按主机名或其子域匹配
func (c *Cache) MatchHost(pattern, host string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || host == "" {
		return false
	}
	if !strings.ContainsAny(pattern, "*?") {
		p := strings.ToLower(pattern)
		h := strings.ToLower(host)
		return h == p || strings.HasSuffix(h, "."+p)
	}
	re, err := c.Glob(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(host)
}

// GlobToRegexp 返回通配符对应的正则源码
func GlobToRegexp(pattern string) string {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

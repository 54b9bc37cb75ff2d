package config

import "mitmhijack/pkg/domain"

// DefaultSettings 定义所有设置的默认值
type DefaultSettings struct {
	Language           string
	Theme              string
	Host               string
	Port               int
	DownstreamProxy    string
	AutoForward        bool
	HijackAllResponses bool
	Filter             domain.FilterRule
}

// GetDefaultSettings 返回默认设置
func GetDefaultSettings() DefaultSettings {
	return DefaultSettings{
		Language:        "zh",
		Theme:           "system",
		Host:            "127.0.0.1",
		Port:            8083,
		DownstreamProxy: "", // 空表示直连
		AutoForward:     true,
		Filter: domain.FilterRule{
			ExcludeSuffix: []string{".png", ".jpg", ".jpeg", ".gif", ".ico", ".woff", ".woff2", ".ttf", ".svg"},
		},
	}
}

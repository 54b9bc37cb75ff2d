package domain

import (
	"net"
	"net/url"
	"strconv"
	"time"
)

// SessionID 会话ID
type SessionID string

// TargetID 目标ID
type TargetID string

// Direction 劫持包方向
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// HijackStatus 劫持状态
type HijackStatus string

const (
	StatusIdle      HijackStatus = "idle"      // 未启动代理
	StatusHijacking HijackStatus = "hijacking" // 代理运行中，无挂起包
	StatusHijacked  HijackStatus = "hijacked"  // 有一个包等待操作
)

// PacketEnvelope 被拦截的单个报文
type PacketEnvelope struct {
	ID         int64       `json:"id"`
	Direction  Direction   `json:"direction"`
	Payload    []byte      `json:"payload"`
	URL        string      `json:"url,omitempty"`
	Method     string      `json:"method,omitempty"`
	ResponseID int64       `json:"responseId,omitempty"`
	IsHTTPS    bool        `json:"isHttps,omitempty"`
	Filter     *FilterRule `json:"filter,omitempty"` // 引擎随事件附带的最新过滤器
}

// IsResponse 是否为响应包
func (e *PacketEnvelope) IsResponse() bool {
	return e.Direction == DirectionResponse
}

// CommandID 返回下发引擎命令时使用的 id，响应使用关联的请求 id
func (e *PacketEnvelope) CommandID() int64 {
	if e.IsResponse() {
		return e.ResponseID
	}
	return e.ID
}

// Host 解析 URL 中的主机名
func (e *PacketEnvelope) Host() string {
	if e.URL == "" {
		return ""
	}
	u, err := url.Parse(e.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Clone 深拷贝
func (e *PacketEnvelope) Clone() *PacketEnvelope {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	if e.Filter != nil {
		f := e.Filter.Clone()
		cp.Filter = &f
	}
	return &cp
}

// ModeFlags 转发模式开关
type ModeFlags struct {
	AutoForward                bool `json:"autoForward"`
	HijackAllResponses         bool `json:"hijackAllResponses"`
	AllowCurrentResponseHijack bool `json:"allowCurrentResponseHijack"`
}

// FilterRule 过滤规则，每项均为有序字符串列表
type FilterRule struct {
	IncludeSuffix   []string `json:"includeSuffix"`
	ExcludeSuffix   []string `json:"excludeSuffix"`
	IncludeHostname []string `json:"includeHostname"`
	ExcludeHostname []string `json:"excludeHostname"`
	ExcludeMethod   []string `json:"excludeMethod"`
}

// Clone 深拷贝过滤规则
func (r FilterRule) Clone() FilterRule {
	return FilterRule{
		IncludeSuffix:   cloneStrings(r.IncludeSuffix),
		ExcludeSuffix:   cloneStrings(r.ExcludeSuffix),
		IncludeHostname: cloneStrings(r.IncludeHostname),
		ExcludeHostname: cloneStrings(r.ExcludeHostname),
		ExcludeMethod:   cloneStrings(r.ExcludeMethod),
	}
}

// IsEmpty 所有列表均为空
func (r FilterRule) IsEmpty() bool {
	return len(r.IncludeSuffix) == 0 && len(r.ExcludeSuffix) == 0 &&
		len(r.IncludeHostname) == 0 && len(r.ExcludeHostname) == 0 &&
		len(r.ExcludeMethod) == 0
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// HookEntry 钩子下的一条插件绑定
type HookEntry struct {
	Verbose    string `json:"verbose"`
	ScriptID   int64  `json:"scriptId,omitempty"`
	ScriptName string `json:"scriptName,omitempty"`
}

// Key 返回删除绑定时使用的键
func (e HookEntry) Key() string {
	if e.ScriptName != "" {
		return e.ScriptName
	}
	return e.Verbose
}

// Label 展示名称，形如 name[id]
func (e HookEntry) Label() string {
	if e.ScriptName == "" {
		return e.Verbose
	}
	return e.ScriptName + "[" + strconv.FormatInt(e.ScriptID, 10) + "]"
}

// HookDescriptor 一个钩子名及其绑定
type HookDescriptor struct {
	HookName string      `json:"hookName"`
	Entries  []HookEntry `json:"entries"`
}

// Clone 深拷贝
func (d HookDescriptor) Clone() HookDescriptor {
	entries := make([]HookEntry, len(d.Entries))
	copy(entries, d.Entries)
	return HookDescriptor{HookName: d.HookName, Entries: entries}
}

// LogEvent 插件执行日志
type LogEvent struct {
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// StartOptions 启动代理参数
type StartOptions struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	DownstreamProxy string `json:"downstreamProxy,omitempty"`
}

// Addr 返回 host:port
func (o StartOptions) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// StreamInfo 引擎当前会话信息，用于重新附着
type StreamInfo struct {
	Running bool   `json:"running"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	Pending bool   `json:"pending"`             // 引擎侧仍有未决的劫持包
	Current int64  `json:"current,omitempty"`   // 未决包的 id
	Started int64  `json:"startedAt,omitempty"` // 毫秒时间戳
}

// TargetInfo 目标信息
type TargetInfo struct {
	ID       TargetID `json:"id"`
	Type     string   `json:"type"`
	URL      string   `json:"url"`
	Title    string   `json:"title"`
	Attached bool     `json:"attached"`
}

// HijackAction 一次劫持决策的结果
type HijackAction string

const (
	ActionHeld          HijackAction = "held"
	ActionForwarded     HijackAction = "forwarded"
	ActionModified      HijackAction = "modified"
	ActionDropped       HijackAction = "dropped"
	ActionAutoForwarded HijackAction = "auto_forwarded"
	ActionSuperseded    HijackAction = "superseded"
	ActionViolation     HijackAction = "violation"
)

// HijackRecord 劫持审计记录
type HijackRecord struct {
	Session   SessionID    `json:"session"`
	PacketID  int64        `json:"packetId"`
	Direction Direction    `json:"direction"`
	URL       string       `json:"url"`
	Method    string       `json:"method"`
	Action    HijackAction `json:"action"`
	Size      int          `json:"size"`
	Timestamp int64        `json:"timestamp"`
}

// NoticeKind 通知类型
type NoticeKind string

const (
	NoticeStatus NoticeKind = "status"
	NoticeError  NoticeKind = "error"
	NoticeInfo   NoticeKind = "info"
)

// Notice 推送给操作者的一次性通知
type Notice struct {
	Kind    NoticeKind   `json:"kind"`
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message,omitempty"`
	Status  HijackStatus `json:"status"`
	Time    time.Time    `json:"time"`
}

// StateSnapshot 协调器状态快照
type StateSnapshot struct {
	Session SessionID       `json:"session"`
	Status  HijackStatus    `json:"status"`
	Held    *PacketEnvelope `json:"held,omitempty"`
	Flags   ModeFlags       `json:"flags"`
	Filter  FilterRule      `json:"filter"`
}

// HostIPs 挂起报文目标主机的解析结果
type HostIPs struct {
	Host string   `json:"host"`
	IPs  []string `json:"ips"`
}

// EventSink 引擎推送事件的接收方
type EventSink interface {
	OnHijacked(env *PacketEnvelope)
	OnError(message string)
	OnFilterChanged(rule FilterRule)
	OnHooks(descs []HookDescriptor)
	OnLogMessage(ev LogEvent)
	OnStarted()
}

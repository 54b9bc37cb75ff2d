// Package httpapi 以 JSON 请求包络暴露劫持服务，供无界面模式与脚本调用
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"mitmhijack/internal/hooks"
	"mitmhijack/internal/logger"
	"mitmhijack/internal/storage/repo"
	api "mitmhijack/pkg/api"
	"mitmhijack/pkg/domain"
	"mitmhijack/pkg/errx"
)

// Server HTTP 控制接口
type Server struct {
	svc api.Service
	log logger.Logger
}

// NewServer 创建 HTTP 控制接口
func NewServer(svc api.Service, l logger.Logger) *Server {
	if l == nil {
		l = logger.NewNop()
	}
	return &Server{svc: svc, log: l.With("component", "httpapi")}
}

// ServeHTTP 处理所有请求
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ErrInvalidRequest.withError(err))
		return
	}
	res := s.dispatch(r.Context(), &req)
	writeResponse(w, res)
}

// Request 通用请求结构
type Request struct {
	Method string          `json:"method"`
	ID     string          `json:"id,omitempty"`
	Params json.RawMessage `json:"params"`
}

// Response 通用响应结构
type Response struct {
	ID     string       `json:"id,omitempty"`
	Result any          `json:"result,omitempty"`
	Error  *ErrorObject `json:"error,omitempty"`
}

// ErrorObject 错误信息
type ErrorObject struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ApiError 内部错误类型
type ApiError struct {
	Code string
	Err  error
}

func (e ApiError) withError(err error) ApiError {
	return ApiError{Code: e.Code, Err: err}
}

var (
	// ErrInvalidRequest 无效请求
	ErrInvalidRequest = ApiError{Code: "invalid_request"}
	// ErrMethodNotFound 方法不存在
	ErrMethodNotFound = ApiError{Code: "method_not_found"}
	// ErrInvalidParams 参数错误
	ErrInvalidParams = ApiError{Code: "invalid_params"}
	// ErrInternal 内部错误
	ErrInternal = ApiError{Code: "internal"}
)

// handlerFunc 单个方法的处理函数
type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// startParams 启动参数，未填写的字段取自保存的会话配置
type startParams struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	DownstreamProxy string `json:"downstreamProxy"`
}

// forwardParams 放行参数；Payload 为空时原样放行
type forwardParams struct {
	ID      int64  `json:"id"`
	Payload string `json:"payload"`
}

// idParams 仅包含报文 id 的参数
type idParams struct {
	ID int64 `json:"id"`
}

// toggleParams 开关参数
type toggleParams struct {
	On bool `json:"on"`
}

// hookAddParams 按脚本 id 挂载或提交临时脚本
type hookAddParams struct {
	ScriptID int64             `json:"scriptId"`
	Params   map[string]string `json:"params"`
	Source   string            `json:"source"`
}

// hookRemoveParams 移除钩子绑定，Confirm 代替界面上的确认对话框
type hookRemoveParams struct {
	HookName string `json:"hookName"`
	EntryKey string `json:"entryKey"`
	Confirm  bool   `json:"confirm"`
}

// historyResult 历史查询结果
type historyResult struct {
	Records any   `json:"records"`
	Total   int64 `json:"total"`
}

// statusResult 状态查询结果
type statusResult struct {
	State   domain.StateSnapshot `json:"state"`
	Profile repo.Profile         `json:"profile"`
}

func (s *Server) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		"mitm.start":              s.handleStart,
		"mitm.stop":               s.handleStop,
		"mitm.status":             s.handleStatus,
		"mitm.forward":            s.handleForward,
		"mitm.drop":               s.handleDrop,
		"mitm.recover":            s.handleRecover,
		"mitm.autoForward":        s.handleAutoForward,
		"mitm.hijackAllResponses": s.handleHijackAllResponses,
		"mitm.allowResponse":      s.handleAllowResponse,
		"mitm.heldIP":             s.handleHeldIP,
		"filter.get":              s.handleFilterGet,
		"filter.set":              s.handleFilterSet,
		"hooks.list":              s.handleHooksList,
		"hooks.add":               s.handleHooksAdd,
		"hooks.remove":            s.handleHooksRemove,
		"logs.latest":             s.handleLogsLatest,
		"history.query":           s.handleHistoryQuery,
	}
}

// dispatch 根据 method 分发请求
func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	h, ok := s.routes()[req.Method]
	if !ok {
		return &Response{ID: req.ID, Error: toErrorObject(ErrMethodNotFound)}
	}
	result, err := h(ctx, req.Params)
	if err != nil {
		s.log.Debug("请求失败", "method", req.Method, "error", err)
		return &Response{ID: req.ID, Error: s.errorObject(err)}
	}
	return &Response{ID: req.ID, Result: result}
}

// errorObject 携带业务码的错误原样透出，其余归为 internal
func (s *Server) errorObject(err error) *ErrorObject {
	var apiErr ApiError
	if errors.As(err, &apiErr) {
		return toErrorObject(apiErr)
	}
	if code := errx.CodeOf(err); code != "" {
		return &ErrorObject{Code: string(code), Message: err.Error()}
	}
	return toErrorObject(ErrInternal.withError(err))
}

// Error 实现 error 以便处理函数直接返回
func (e ApiError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

// writeResponse 写出统一响应
func writeResponse(w http.ResponseWriter, res *Response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(res)
}

// writeError 写出错误响应
func writeError(w http.ResponseWriter, apiErr ApiError) {
	writeResponse(w, &Response{Error: toErrorObject(apiErr)})
}

// toErrorObject 转换错误为响应错误对象
func toErrorObject(e ApiError) *ErrorObject {
	msg := e.Code
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return &ErrorObject{Code: e.Code, Message: msg}
}

// decode 解析参数，params 缺省时保留零值
func decode(params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return ErrInvalidParams.withError(err)
	}
	return nil
}

func (s *Server) handleStart(ctx context.Context, params json.RawMessage) (any, error) {
	var p startParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Port < 0 || p.Port > 65535 {
		return nil, ErrInvalidParams.withError(errors.New("port out of range"))
	}
	opts := domain.StartOptions{Host: p.Host, Port: p.Port, DownstreamProxy: p.DownstreamProxy}
	if err := s.svc.Start(ctx, opts); err != nil {
		return nil, err
	}
	return s.svc.State(), nil
}

func (s *Server) handleStop(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := s.svc.Stop(ctx); err != nil {
		return nil, err
	}
	return s.svc.State(), nil
}

func (s *Server) handleStatus(_ context.Context, _ json.RawMessage) (any, error) {
	return statusResult{State: s.svc.State(), Profile: s.svc.Profile()}, nil
}

func (s *Server) handleForward(ctx context.Context, params json.RawMessage) (any, error) {
	var p forwardParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.ID <= 0 {
		return nil, ErrInvalidParams.withError(errors.New("id is required"))
	}
	if p.Payload == "" {
		return nil, s.svc.ForwardOriginal(ctx, p.ID)
	}
	return nil, s.svc.Forward(ctx, p.ID, []byte(p.Payload))
}

func (s *Server) handleDrop(ctx context.Context, params json.RawMessage) (any, error) {
	var p idParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.ID <= 0 {
		return nil, ErrInvalidParams.withError(errors.New("id is required"))
	}
	return nil, s.svc.Drop(ctx, p.ID)
}

func (s *Server) handleRecover(ctx context.Context, _ json.RawMessage) (any, error) {
	return nil, s.svc.Recover(ctx)
}

func (s *Server) handleAutoForward(ctx context.Context, params json.RawMessage) (any, error) {
	var p toggleParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.svc.SetAutoForward(ctx, p.On); err != nil {
		return nil, err
	}
	return s.svc.State().Flags, nil
}

func (s *Server) handleHijackAllResponses(ctx context.Context, params json.RawMessage) (any, error) {
	var p toggleParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.svc.SetHijackAllResponses(ctx, p.On); err != nil {
		return nil, err
	}
	return s.svc.State().Flags, nil
}

func (s *Server) handleAllowResponse(ctx context.Context, _ json.RawMessage) (any, error) {
	return nil, s.svc.AllowCurrentResponseHijack(ctx)
}

func (s *Server) handleHeldIP(ctx context.Context, _ json.RawMessage) (any, error) {
	return s.svc.HeldHostIPs(ctx)
}

func (s *Server) handleFilterGet(_ context.Context, _ json.RawMessage) (any, error) {
	return s.svc.GetFilter(), nil
}

func (s *Server) handleFilterSet(ctx context.Context, params json.RawMessage) (any, error) {
	var rule domain.FilterRule
	if err := decode(params, &rule); err != nil {
		return nil, err
	}
	if err := s.svc.SetFilter(ctx, rule); err != nil {
		return nil, err
	}
	return s.svc.GetFilter(), nil
}

func (s *Server) handleHooksList(_ context.Context, _ json.RawMessage) (any, error) {
	return s.svc.Hooks(), nil
}

func (s *Server) handleHooksAdd(ctx context.Context, params json.RawMessage) (any, error) {
	var p hookAddParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	switch {
	case p.Source != "":
		if err := s.svc.SubmitScript(ctx, p.Source); err != nil {
			return nil, err
		}
	case p.ScriptID > 0:
		if err := s.svc.AddHook(ctx, p.ScriptID, p.Params); err != nil {
			return nil, err
		}
	default:
		return nil, ErrInvalidParams.withError(errors.New("scriptId or source is required"))
	}
	return s.svc.Hooks(), nil
}

func (s *Server) handleHooksRemove(ctx context.Context, params json.RawMessage) (any, error) {
	var p hookRemoveParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.HookName == "" || p.EntryKey == "" {
		return nil, ErrInvalidParams.withError(errors.New("hookName and entryKey are required"))
	}
	var confirm hooks.Confirmer = func(context.Context, string, domain.HookEntry) (bool, error) {
		return p.Confirm, nil
	}
	if err := s.svc.RemoveHookEntry(ctx, p.HookName, p.EntryKey, confirm); err != nil {
		if errors.Is(err, domain.ErrConfirmDeclined) {
			return nil, ApiError{Code: "confirm_declined", Err: err}
		}
		return nil, err
	}
	return s.svc.Hooks(), nil
}

func (s *Server) handleLogsLatest(_ context.Context, _ json.RawMessage) (any, error) {
	return s.svc.LatestLogs(), nil
}

func (s *Server) handleHistoryQuery(ctx context.Context, params json.RawMessage) (any, error) {
	var q repo.HistoryQuery
	if err := decode(params, &q); err != nil {
		return nil, err
	}
	rows, total, err := s.svc.QueryHistory(ctx, q)
	if err != nil {
		return nil, errx.Wrap(errx.CodeDatabase, err, "query history")
	}
	return historyResult{Records: rows, Total: total}, nil
}

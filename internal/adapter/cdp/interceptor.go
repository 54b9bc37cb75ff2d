package cdp

import (
	"context"
	"encoding/base64"
	"time"

	"mitmhijack/internal/logger"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
)

// Interceptor 对单个页面的 Fetch 域操作
type Interceptor struct {
	log     logger.Logger
	timeout time.Duration
}

// NewInterceptor 创建拦截适配器
func NewInterceptor(l logger.Logger, timeout time.Duration) *Interceptor {
	if l == nil {
		l = logger.NewNop()
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Interceptor{log: l, timeout: timeout}
}

// Enable 开启请求与响应两个阶段的拦截
func (i *Interceptor) Enable(ctx context.Context, client *cdp.Client) error {
	p := "*"
	patterns := []fetch.RequestPattern{
		{URLPattern: &p, RequestStage: fetch.RequestStageRequest},
		{URLPattern: &p, RequestStage: fetch.RequestStageResponse},
	}
	return client.Fetch.Enable(ctx, &fetch.EnableArgs{Patterns: patterns})
}

// Disable 关闭拦截
func (i *Interceptor) Disable(ctx context.Context, client *cdp.Client) error {
	return client.Fetch.Disable(ctx)
}

// Consume 按到达顺序把拦截事件交给 handler，流关闭或 ctx 取消时返回
func (i *Interceptor) Consume(ctx context.Context, client *cdp.Client, handler func(ev *fetch.RequestPausedReply)) error {
	rp, err := client.Fetch.RequestPaused(ctx)
	if err != nil {
		i.log.Err(err, "订阅拦截事件流失败")
		return err
	}
	defer rp.Close()

	for {
		ev, err := rp.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			i.log.Err(err, "接收拦截事件失败")
			return err
		}
		i.log.Debug("收到拦截事件", "requestID", ev.RequestID, "stage", stageOf(ev), "url", ev.Request.URL)
		handler(ev)
	}
}

// Continue 原样放行，按阶段选择命令
func (i *Interceptor) Continue(ctx context.Context, client *cdp.Client, ev *fetch.RequestPausedReply) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	var err error
	if isResponseStage(ev) {
		err = client.Fetch.ContinueResponse(ctx, &fetch.ContinueResponseArgs{RequestID: ev.RequestID})
	} else {
		err = client.Fetch.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: ev.RequestID})
	}
	if err != nil {
		i.log.Err(err, "放行失败", "requestID", ev.RequestID, "stage", stageOf(ev))
	}
	return err
}

// ContinueModified 以改写后的请求放行
func (i *Interceptor) ContinueModified(ctx context.Context, client *cdp.Client, ev *fetch.RequestPausedReply, req *ParsedRequest) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	args := &fetch.ContinueRequestArgs{RequestID: ev.RequestID, Headers: req.Headers}
	if req.URL != "" && req.URL != ev.Request.URL {
		args.URL = &req.URL
	}
	if req.Method != "" && req.Method != ev.Request.Method {
		args.Method = &req.Method
	}
	if len(req.Body) > 0 {
		args.PostData = req.Body
	}
	return client.Fetch.ContinueRequest(ctx, args)
}

// Fulfill 以改写后的响应结束请求
func (i *Interceptor) Fulfill(ctx context.Context, client *cdp.Client, ev *fetch.RequestPausedReply, resp *ParsedResponse) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	return client.Fetch.FulfillRequest(ctx, &fetch.FulfillRequestArgs{
		RequestID:       ev.RequestID,
		ResponseCode:    resp.StatusCode,
		ResponseHeaders: resp.Headers,
		Body:            resp.Body,
	})
}

// Fail 丢弃：让请求以 Aborted 失败
func (i *Interceptor) Fail(ctx context.Context, client *cdp.Client, ev *fetch.RequestPausedReply) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	return client.Fetch.FailRequest(ctx, &fetch.FailRequestArgs{
		RequestID:   ev.RequestID,
		ErrorReason: network.ErrorReasonAborted,
	})
}

// ResponseBody 读取响应体
func (i *Interceptor) ResponseBody(ctx context.Context, client *cdp.Client, ev *fetch.RequestPausedReply) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	rb, err := client.Fetch.GetResponseBody(ctx, &fetch.GetResponseBodyArgs{RequestID: ev.RequestID})
	if err != nil {
		return nil, err
	}
	if rb.Base64Encoded {
		return base64.StdEncoding.DecodeString(rb.Body)
	}
	return []byte(rb.Body), nil
}

func isResponseStage(ev *fetch.RequestPausedReply) bool {
	return ev.ResponseStatusCode != nil
}

func stageOf(ev *fetch.RequestPausedReply) string {
	if isResponseStage(ev) {
		return "response"
	}
	return "request"
}

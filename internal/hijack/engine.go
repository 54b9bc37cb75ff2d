package hijack

import (
	"context"

	"mitmhijack/pkg/domain"
)

// Engine 拦截引擎边界，事件通过 domain.EventSink 回推
type Engine interface {
	Start(ctx context.Context, opts domain.StartOptions) error
	Stop(ctx context.Context) error

	ForwardRequest(ctx context.Context, id int64) error
	ForwardResponse(ctx context.Context, id int64) error
	ForwardModifiedRequest(ctx context.Context, payload []byte, id int64) error
	ForwardModifiedResponse(ctx context.Context, payload []byte, id int64) error
	DropRequest(ctx context.Context, id int64) error
	DropResponse(ctx context.Context, id int64) error

	AllowResponseHijack(ctx context.Context, id int64) error
	SetAutoForward(ctx context.Context, on bool) error
	SetFilter(ctx context.Context, rule domain.FilterRule) error
	Recover(ctx context.Context) error
	CurrentStream(ctx context.Context) (domain.StreamInfo, error)
}

// forwardOriginal 原样放行
func forwardOriginal(ctx context.Context, e Engine, env *domain.PacketEnvelope) error {
	if env.IsResponse() {
		return e.ForwardResponse(ctx, env.CommandID())
	}
	return e.ForwardRequest(ctx, env.CommandID())
}

// forwardModified 以新内容放行
func forwardModified(ctx context.Context, e Engine, env *domain.PacketEnvelope, payload []byte) error {
	if env.IsResponse() {
		return e.ForwardModifiedResponse(ctx, payload, env.CommandID())
	}
	return e.ForwardModifiedRequest(ctx, payload, env.CommandID())
}

// drop 丢弃
func drop(ctx context.Context, e Engine, env *domain.PacketEnvelope) error {
	if env.IsResponse() {
		return e.DropResponse(ctx, env.CommandID())
	}
	return e.DropRequest(ctx, env.CommandID())
}

package broker

import (
	"context"

	"github.com/nextide/sessiond/src/sessiond/entity"
	"github.com/nextide/sessiond/src/sessiond/mapper"
	"go.lsp.dev/jsonrpc2"
)

func (r *jsonRPCRouter) acquireServer(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var cfg entity.LaunchConfig
	if err := mapper.RequestToParams(req, &cfg); err != nil {
		return reply(ctx, nil, err)
	}
	result, err := r.broker.AcquireServer(ctx, cfg)
	return r.replyResult(ctx, reply, result, err)
}

func (r *jsonRPCRouter) releaseServer(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var p entity.ReleaseParams
	if err := mapper.RequestToParams(req, &p); err != nil {
		return reply(ctx, nil, err)
	}
	err := r.broker.ReleaseServer(ctx, p.Server)
	return r.replyResult(ctx, reply, nil, err)
}

// forwardRequest hands the replier to the broker; the reply is issued when the
// child responds or the request is cancelled, not here.
func (r *jsonRPCRouter) forwardRequest(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var p entity.ServerRequestParams
	if err := mapper.RequestToParams(req, &p); err != nil {
		return reply(ctx, nil, err)
	}
	call, ok := req.(*jsonrpc2.Call)
	if !ok {
		// Notification form of server/request carries no ID to answer.
		return r.replyResult(ctx, reply, nil, r.broker.ForwardNotification(ctx, (*entity.ServerNotifyParams)(&p)))
	}
	if err := r.broker.ForwardRequest(ctx, &p, call.ID(), reply); err != nil {
		return r.replyResult(ctx, reply, nil, err)
	}
	return nil
}

func (r *jsonRPCRouter) forwardNotification(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var p entity.ServerNotifyParams
	if err := mapper.RequestToParams(req, &p); err != nil {
		return reply(ctx, nil, err)
	}
	err := r.broker.ForwardNotification(ctx, &p)
	if _, isCall := req.(*jsonrpc2.Call); !isCall && err == nil {
		return nil
	}
	return r.replyResult(ctx, reply, nil, err)
}

func (r *jsonRPCRouter) cancelRequest(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var p entity.CancelParams
	if err := mapper.RequestToParams(req, &p); err != nil {
		return reply(ctx, nil, err)
	}
	err := r.broker.CancelRequest(ctx, &p)
	if _, isCall := req.(*jsonrpc2.Call); !isCall && err == nil {
		return nil
	}
	return r.replyResult(ctx, reply, nil, err)
}

func (r *jsonRPCRouter) syncOpen(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var p entity.SyncOpenParams
	if err := mapper.RequestToParams(req, &p); err != nil {
		return reply(ctx, nil, err)
	}
	result, err := r.docSync.Open(ctx, &p)
	return r.replyResult(ctx, reply, result, err)
}

func (r *jsonRPCRouter) syncClose(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var p entity.SyncCloseParams
	if err := mapper.RequestToParams(req, &p); err != nil {
		return reply(ctx, nil, err)
	}
	err := r.docSync.Close(ctx, &p)
	return r.replyResult(ctx, reply, nil, err)
}

func (r *jsonRPCRouter) syncDelta(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var p entity.SyncDeltaParams
	if err := mapper.RequestToParams(req, &p); err != nil {
		return reply(ctx, nil, err)
	}
	result, err := r.docSync.ApplyDelta(ctx, &p)
	return r.replyResult(ctx, reply, result, err)
}

func (r *jsonRPCRouter) syncSnapshot(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var p entity.SyncSnapshotParams
	if err := mapper.RequestToParams(req, &p); err != nil {
		return reply(ctx, nil, err)
	}
	result, err := r.docSync.Snapshot(ctx, &p)
	return r.replyResult(ctx, reply, result, err)
}

func (r *jsonRPCRouter) syncTransfer(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var p entity.SyncTransferParams
	if err := mapper.RequestToParams(req, &p); err != nil {
		return reply(ctx, nil, err)
	}
	result, err := r.docSync.Transfer(ctx, &p)
	return r.replyResult(ctx, reply, result, err)
}

// Package app assembles the sessiond application graph.
package app

import (
	"context"
	"time"

	brokerctl "github.com/nextide/sessiond/src/sessiond/controller/broker"
	docsync "github.com/nextide/sessiond/src/sessiond/controller/doc-sync"
	sessionclient "github.com/nextide/sessiond/src/sessiond/gateway/session-client"
	brokerhandler "github.com/nextide/sessiond/src/sessiond/handler/broker"
	"github.com/nextide/sessiond/src/sessiond/internal/core"
	"github.com/nextide/sessiond/src/sessiond/internal/jsonrpcfx"
	"github.com/nextide/sessiond/src/sessiond/internal/launcher"
	"github.com/nextide/sessiond/src/sessiond/internal/serverinfofile"
	"github.com/nextide/sessiond/src/sessiond/repository/session"
	tally "github.com/uber-go/tally"
	"go.uber.org/fx"
)

// Module defines the sessiond application module.
var Module = fx.Options(
	core.ConfigModule,
	core.LoggerModule,
	jsonrpcfx.Module,
	serverinfofile.Module,
	launcher.Module,
	docsync.Module,
	brokerctl.Module,
	brokerhandler.Module,
	fx.Provide(session.New),
	fx.Provide(sessionclient.New),
	fx.Provide(func(lc fx.Lifecycle) tally.Scope {
		rs, closer := tally.NewRootScope(tally.ScopeOptions{
			Tags: map[string]string{
				"service": "sessiond",
			},
		}, 1*time.Second)

		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return closer.Close()
			},
		})

		return rs
	}),
	// Handler registers itself as the endpoint's connection manager; invoking
	// it forces construction before the listener starts accepting.
	fx.Invoke(func(brokerhandler.Handler) {}),
)

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/nogipx/rpcmesh/config"
	"github.com/nogipx/rpcmesh/internal/lifecycle"
	"github.com/nogipx/rpcmesh/internal/registry"
	"github.com/nogipx/rpcmesh/internal/router"
	"github.com/nogipx/rpcmesh/pkg/contract"
	"github.com/nogipx/rpcmesh/pkg/transport"
)

// runtime owns the listener accept loop and the admin HTTP server: the two
// long-running goroutines an fx.Lifecycle hook starts and stops.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	dir      *registry.Directory
	sup      *lifecycle.Supervisor
	adminSrv *http.Server

	listener net.Listener
}

func newRuntime(cfg *config.Config, logger *slog.Logger, dir *registry.Directory, sup *lifecycle.Supervisor, adminSrv *http.Server) *runtime {
	return &runtime{cfg: cfg, logger: logger, dir: dir, sup: sup, adminSrv: adminSrv}
}

func (r *runtime) start(context.Context) error {
	addr := fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cmd: listen %s: %w", addr, err)
	}
	r.listener = ln

	svc := router.New(r.dir)
	sc, err := svc.Contract()
	if err != nil {
		return fmt.Errorf("cmd: router contract: %w", err)
	}

	go r.acceptLoop(ln, sc)
	go func() {
		if err := r.adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("admin http server error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (r *runtime) acceptLoop(ln net.Listener, sc *contract.ServiceContract) {
	for {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		conn := transport.NewConn(raw, false, r.cfg.MaxFrameLength)
		connCtx, cancel := context.WithCancel(context.Background())
		if !r.sup.Track(conn, cancel) {
			cancel()
			conn.Close()
			continue
		}

		responder := contract.NewResponder(conn, r.logger)
		responder.Register(sc)
		go func() {
			defer r.sup.Untrack(conn)
			responder.Serve(connCtx)
		}()
	}
}

func (r *runtime) stop(ctx context.Context) error {
	if r.listener != nil {
		r.listener.Close()
	}
	r.sup.Shutdown(ctx)
	return r.adminSrv.Shutdown(ctx)
}

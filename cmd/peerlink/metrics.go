package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/peerlink"
)

func metricsHandler(metrics *peerlink.Metrics) (http.Handler, error) {
	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux, nil
}

func serveMetrics(ctx context.Context, addr string, handler http.Handler) error {
	ls, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WithStack(err)
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Get(ctx).Info("Serving metrics", zap.Stringer("address", ls.Addr()))

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("server", parallel.Fail, func(ctx context.Context) error {
			err := server.Serve(ls)
			if errors.Is(err, http.ErrServerClosed) {
				return errors.WithStack(ctx.Err())
			}
			return errors.WithStack(err)
		})
		spawn("watchdog", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			_ = server.Close()
			return errors.WithStack(ctx.Err())
		})
		return nil
	})
}

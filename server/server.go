package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	grpcmw "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/peer"

	"github.com/spacemeshos/powsubnet/broadcaster"
	"github.com/spacemeshos/powsubnet/logging"
	"github.com/spacemeshos/powsubnet/rpc"
	"github.com/spacemeshos/powsubnet/rpc/api"
	"github.com/spacemeshos/powsubnet/transport"
	"github.com/spacemeshos/powsubnet/validator"
)

type Server struct {
	cfg Config

	validator   *validator.Validator
	events      *transport.InMemory
	broadcaster *broadcaster.Broadcaster

	rpcListener  net.Listener
	httpListener net.Listener
}

type newServerOptions struct {
	validatorOpts []validator.OptionFunc
}

type OptionFunc func(*newServerOptions)

// WithValidatorOptions passes extra options (e.g. a weight setter) to the validator.
func WithValidatorOptions(opts ...validator.OptionFunc) OptionFunc {
	return func(o *newServerOptions) {
		o.validatorOpts = append(o.validatorOpts, opts...)
	}
}

func New(ctx context.Context, cfg Config, opts ...OptionFunc) (*Server, error) {
	options := newServerOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	rpcListener, err := listen(cfg.RawRPCListener)
	if err != nil {
		return nil, err
	}
	httpListener, err := listen(cfg.RawHTTPListener)
	if err != nil {
		return nil, multierror.Append(err, rpcListener.Close())
	}

	events := transport.NewInMemory(cfg.EventQueueSize)
	validatorOpts := append(
		[]validator.OptionFunc{validator.WithConfig(cfg.Validator), validator.WithEventSink(events)},
		options.validatorOpts...,
	)
	v, err := validator.New(ctx, cfg.DbDir, validatorOpts...)
	if err != nil {
		return nil, multierror.Append(
			fmt.Errorf("creating validator: %w", err),
			rpcListener.Close(),
			httpListener.Close(),
		)
	}

	return &Server{
		cfg:          cfg,
		validator:    v,
		events:       events,
		broadcaster:  broadcaster.New(broadcaster.WithLogger(logging.FromContext(ctx).Named("broadcaster"))),
		rpcListener:  rpcListener,
		httpListener: httpListener,
	}, nil
}

func listen(raw string) (net.Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", raw)
	if err != nil {
		return nil, err
	}
	l, err := net.Listen(addr.Network(), addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", raw, err)
	}
	return l, nil
}

// Close closes the database and any listener Start has not consumed.
func (s *Server) Close() error {
	var result *multierror.Error
	for _, l := range []net.Listener{s.rpcListener, s.httpListener} {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	if err := s.validator.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Validator returns the validator served by s.
func (s *Server) Validator() *validator.Validator {
	return s.validator
}

// Broadcaster returns the websocket feed of ledger events.
func (s *Server) Broadcaster() *broadcaster.Broadcaster {
	return s.broadcaster
}

// GrpcAddr returns the address that server is listening on for GRPC.
func (s *Server) GrpcAddr() net.Addr {
	return s.rpcListener.Addr()
}

// HTTPAddr returns the address serving metrics and the event feed.
func (s *Server) HTTPAddr() net.Addr {
	return s.httpListener.Addr()
}

// Start runs the validator and serves RPC and HTTP until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	serverGroup, ctx := errgroup.WithContext(ctx)

	logger := logging.FromContext(ctx)
	logger.Info("starting validator", zap.Object("config", s.cfg))

	metrics := grpc_prometheus.NewServerMetrics(
		grpc_prometheus.WithServerHandlingTimeHistogram(
			grpc_prometheus.WithHistogramBuckets(prometheus.ExponentialBuckets(0.001, 2, 16)),
		),
	)

	serverGroup.Go(func() error {
		return s.validator.Run(ctx)
	})
	serverGroup.Go(func() error {
		return s.broadcaster.Run(ctx, s.events.Events())
	})

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(grpcmw.ChainUnaryServer(
			loggerInterceptor(logger),
			metrics.UnaryServerInterceptor(),
		)),
		// Long lived miner connections survive idle load balancers.
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     time.Minute * 120,
			MaxConnectionAge:      time.Minute * 180,
			MaxConnectionAgeGrace: time.Minute * 10,
			Time:                  time.Minute,
			Timeout:               time.Minute * 3,
		}),
	)
	api.RegisterPowServiceServer(grpcServer, rpc.NewServer(s.validator))
	metrics.InitializeMetrics(grpcServer)
	if err := prometheus.Register(metrics); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return fmt.Errorf("registering grpc metrics: %w", err)
		}
	}

	serverGroup.Go(func() error {
		logger.Sugar().Infof("GRPC server listening on %s", s.rpcListener.Addr())
		return grpcServer.Serve(s.rpcListener)
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/events", s.broadcaster)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: time.Second * 5}
	serverGroup.Go(func() error {
		logger.Sugar().Infof("HTTP server listening on %s", s.httpListener.Addr())
		err := server.Serve(s.httpListener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	// Wait for the server to shut down gracefully
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	grpcServer.GracefulStop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown http server", zap.Error(err))
	}
	if err := serverGroup.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("error when waiting to shutdown servers", zap.Error(err))
		return err
	}
	return nil
}

// loggerInterceptor returns UnaryServerInterceptor handler to log all RPC server incoming requests.
func loggerInterceptor(
	logger *zap.Logger,
) func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		logger := logger.Named(info.FullMethod).With(zap.Stringer("request_id", uuid.New()))
		ctx = logging.NewContext(ctx, logger)

		if msg, ok := req.(fmt.Stringer); ok {
			fields := []zap.Field{zap.Stringer("message", msg)}
			if p, ok := peer.FromContext(ctx); ok {
				fields = append(fields, zap.Stringer("from", p.Addr))
			}
			logger.Debug("new GRPC", fields...)
		}

		resp, err := handler(ctx, req)
		if err != nil {
			logger.Info("FAILURE", zap.Error(err))
		}
		return resp, err
	}
}

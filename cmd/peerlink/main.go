package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/peerlink"
	"github.com/outofforest/peerlink/mesh"
	"github.com/outofforest/peerlink/stream"
	"github.com/outofforest/peerlink/wire"
)

type flags struct {
	PeerID       string
	Backend      string
	ListenAddr   string
	MaxChunkSize uint64
	DialTimeout  time.Duration
	MetricsAddr  string
	Seeds        []string
}

type transport interface {
	peerlink.Transport
	PeerID() wire.PeerID
	Run(ctx context.Context) error
}

func main() {
	log := logger.New(logger.DefaultConfig)
	ctx, cancel := signal.NotifyContext(logger.WithLogger(context.Background(), log), os.Interrupt,
		syscall.SIGTERM)
	defer cancel()

	if err := rootCmd().ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Command failed", zap.Error(err))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:           "peerlink",
		Short:         "Exchanges messages between peers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&f.PeerID, "id", "", "ID of the local peer, random one is generated if empty")
	cmd.PersistentFlags().StringVar(&f.Backend, "backend", "stream", "transport to use: stream or mesh")
	cmd.PersistentFlags().StringVar(&f.ListenAddr, "listen", "localhost:0", "address to listen on")
	cmd.PersistentFlags().Uint64Var(&f.MaxChunkSize, "chunk-size", 1024, "maximum size of a chunk")
	cmd.PersistentFlags().DurationVar(&f.DialTimeout, "dial-timeout", 10*time.Second, "timeout of connecting to peer")
	cmd.PersistentFlags().StringVar(&f.MetricsAddr, "metrics", "", "address of prometheus endpoint, disabled if empty")

	cmd.PersistentFlags().StringSliceVar(&f.Seeds, "seed", nil, "address checked for listening peers by discover")

	cmd.AddCommand(listenCmd(&f), sendCmd(&f), discoverCmd(&f))
	return cmd
}

func listenCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Accepts peers and prints received messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), f, func(ctx context.Context, engine *peerlink.Engine,
				events <-chan any,
			) error {
				if err := engine.StartService(ctx); err != nil {
					return err
				}

				log := logger.Get(ctx)
				for ev := range events {
					switch ev := ev.(type) {
					case peerlink.MessageReceived:
						fmt.Printf("%s: %s\n", ev.PeerID, ev.Payload)
					case peerlink.ServiceStateChanged:
						log.Info("Service state changed", zap.Stringer("state", ev.State))
						if ev.State.Kind == peerlink.Failed {
							return ev.State.Err
						}
					default:
						log.Info("Event", zap.Any("event", ev))
					}
				}
				return errors.WithStack(ctx.Err())
			})
		},
	}
}

func sendCmd(f *flags) *cobra.Command {
	var peerID string

	cmd := &cobra.Command{
		Use:   "send <address> <message>...",
		Short: "Connects to peer and sends messages to it",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), f, func(ctx context.Context, engine *peerlink.Engine,
				events <-chan any,
			) error {
				remote := peerlink.Peer{ID: wire.PeerID(peerID), Address: args[0]}
				if err := engine.Connect(ctx, remote); err != nil {
					return err
				}

				for ev := range events {
					switch ev := ev.(type) {
					case peerlink.PeerConnected:
						for _, msg := range args[1:] {
							if err := engine.Send(ctx, ev.PeerID, []byte(msg)); err != nil {
								return err
							}
						}
						return engine.Disconnect(ctx, ev.PeerID)
					case peerlink.PeerFailedToConnect:
						return ev.Err
					}
				}
				return errors.WithStack(ctx.Err())
			})
		},
	}
	cmd.Flags().StringVar(&peerID, "peer", "", "ID of the remote peer")
	if err := cmd.MarkFlagRequired("peer"); err != nil {
		panic(err)
	}
	return cmd
}

func discoverCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Prints peers listening on seed addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(f.Seeds) == 0 {
				return errors.New("no seeds specified")
			}

			return runNode(cmd.Context(), f, func(ctx context.Context, engine *peerlink.Engine,
				events <-chan any,
			) error {
				if err := engine.StartDiscovery(ctx); err != nil {
					return err
				}

				for ev := range events {
					switch ev := ev.(type) {
					case peerlink.PeerDiscovered:
						fmt.Printf("+ %s %s\n", ev.Peer.ID, ev.Peer.Address)
					case peerlink.PeerLost:
						fmt.Printf("- %s\n", ev.PeerID)
					}
				}
				return errors.WithStack(ctx.Err())
			})
		},
	}
}

func runNode(
	ctx context.Context,
	f *flags,
	fn func(ctx context.Context, engine *peerlink.Engine, events <-chan any) error,
) error {
	config := peerlink.DefaultConfig
	config.Metrics = peerlink.NewMetrics(f.Backend)
	engine, events, err := peerlink.New(config)
	if err != nil {
		return err
	}

	var metrics http.Handler
	if f.MetricsAddr != "" {
		if metrics, err = metricsHandler(config.Metrics); err != nil {
			return err
		}
	}

	t, err := newTransport(f, engine)
	if err != nil {
		return err
	}
	logger.Get(ctx).Info("Starting peer", zap.String("peerID", string(t.PeerID())),
		zap.String("backend", f.Backend))

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		if metrics != nil {
			spawn("metrics", parallel.Fail, func(ctx context.Context) error {
				return serveMetrics(ctx, f.MetricsAddr, metrics)
			})
		}
		spawn("transport", parallel.Fail, t.Run)
		spawn("engine", parallel.Fail, func(ctx context.Context) error {
			return engine.Run(ctx, t)
		})
		spawn("app", parallel.Exit, func(ctx context.Context) error {
			return fn(ctx, engine, events)
		})
		return nil
	})
}

func newTransport(f *flags, sink peerlink.Sink) (transport, error) {
	peerID := wire.PeerID(f.PeerID)
	if peerID == "" {
		peerID = wire.NewPeerID()
	}

	switch f.Backend {
	case "stream":
		return stream.New(stream.Config{
			PeerID:       peerID,
			ListenAddr:   f.ListenAddr,
			MaxChunkSize: f.MaxChunkSize,
			DialTimeout:  f.DialTimeout,
			Seeds:        f.Seeds,
		}, sink)
	case "mesh":
		return mesh.New(mesh.Config{
			PeerID:       peerID,
			ListenAddr:   f.ListenAddr,
			MaxChunkSize: f.MaxChunkSize,
			DialTimeout:  f.DialTimeout,
			Seeds:        f.Seeds,
		}, sink)
	default:
		return nil, errors.Errorf("unknown backend %q", f.Backend)
	}
}

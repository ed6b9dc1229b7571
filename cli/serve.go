package cli

import (
	"context"
	"log/slog"
	"net"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/melodium-lang/melodium/descriptor"
	"github.com/melodium-lang/melodium/distribution"
	"github.com/melodium-lang/melodium/world"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Listen for a distribution controller and serve tracks out of a world",
		RunE:  runServe,
	}

	cmd.Flags().String("addr", "127.0.0.1:4160", "Listen address")
	cmd.Flags().String("ledger", "", "SQLite DSN for a persisted track ledger (crash diagnosis); empty disables it")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))

	worldOpts := []world.Option{world.WithLogger(logger)}
	if dsn, _ := cmd.Flags().GetString("ledger"); dsn != "" {
		ledger, err := world.OpenSQLiteLedger(dsn)
		if err != nil {
			return exitError(exitRuntime, "opening ledger: %v", err)
		}
		defer ledger.Close()
		worldOpts = append(worldOpts, world.WithLedger(ledger))
	}

	collection := descriptor.NewCollection()
	w := world.NewWorld(collection.Wrap(), worldOpts...)
	if err := registerBuiltins(collection, w.Builder()); err != nil {
		return exitError(exitRuntime, "registering builtins: %v", err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return exitError(exitRuntime, "listening on %s: %v", addr, err)
	}
	defer ln.Close()

	logger.Info("serving", "addr", ln.Addr().String())

	ctx := cmd.Context()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return exitError(exitRuntime, "accepting connection: %v", err)
		}
		go serveConn(ctx, conn, w, logger)
	}
}

func serveConn(ctx context.Context, conn net.Conn, w *world.World, logger *slog.Logger) {
	peerID := uuid.NewString()
	defer conn.Close()

	wireConn := distribution.NewConn(conn)
	defer wireConn.Close()

	worker := distribution.NewWorker(wireConn, peerID, w, distribution.WithWorkerLogger(logger))
	if err := worker.Run(ctx); err != nil {
		logger.Error("worker connection ended", "peer_id", peerID, "error", err)
		return
	}
	logger.Info("worker connection closed", "peer_id", peerID)
}

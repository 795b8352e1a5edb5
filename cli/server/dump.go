package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/nspcc-dev/rpcnode/cli/options"
	"github.com/nspcc-dev/rpcnode/pkg/core/block"
	"github.com/nspcc-dev/rpcnode/pkg/core/chaindump"
	"github.com/urfave/cli"
	"go.uber.org/zap"
)

func dumpDB(ctx *cli.Context) error {
	cfg, err := options.GetConfigFromContext(ctx)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	log, _, logCloser, err := options.HandleLoggingParams(ctx.Bool("debug"), cfg.ApplicationConfiguration)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	if logCloser != nil {
		defer func() { _ = logCloser() }()
	}
	var (
		start = uint64(ctx.Uint("start"))
		count = uint64(ctx.Uint("count"))
		out   io.Writer = ctx.App.Writer
	)
	if out == nil {
		out = os.Stdout
	}
	if name := ctx.String("out"); name != "" {
		f, err := os.Create(name)
		if err != nil {
			return cli.NewExitError(fmt.Errorf("can't create output file: %w", err), 1)
		}
		defer f.Close()
		out = f
	}

	ledger, err := initLedger(cfg.ApplicationConfiguration.DBConfiguration, log)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	defer ledger.Close()

	chainCount := ledger.BlockCount()
	if count == 0 && start < chainCount {
		count = chainCount - start
	}
	if start+count > chainCount || count == 0 {
		return cli.NewExitError(fmt.Errorf("chain is not that high (%d) to dump %d blocks starting from %d", chainCount, count, start), 1)
	}
	w := bufio.NewWriter(out)
	if err := chaindump.Dump(ledger, w, start, count); err != nil {
		return cli.NewExitError(err, 1)
	}
	if err := w.Flush(); err != nil {
		return cli.NewExitError(err, 1)
	}
	log.Info("blocks dumped", zap.Uint64("start", start), zap.Uint64("count", count))
	return nil
}

func restoreDB(ctx *cli.Context) error {
	cfg, err := options.GetConfigFromContext(ctx)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	log, _, logCloser, err := options.HandleLoggingParams(ctx.Bool("debug"), cfg.ApplicationConfiguration)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	if logCloser != nil {
		defer func() { _ = logCloser() }()
	}
	var (
		skip       = uint64(ctx.Uint("skip"))
		count      = uint64(ctx.Uint("count"))
		in         io.Reader = os.Stdin
		gctx, stop = newGraceContext()
	)
	defer stop()
	if name := ctx.String("in"); name != "" {
		f, err := os.Open(name)
		if err != nil {
			return cli.NewExitError(fmt.Errorf("can't open input file: %w", err), 1)
		}
		defer f.Close()
		in = f
	}

	ledger, err := initLedger(cfg.ApplicationConfiguration.DBConfiguration, log)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	defer ledger.Close()

	var added uint64
	err = chaindump.Restore(ledger, bufio.NewReader(in), skip, count, func(b *block.Block) error {
		added++
		log.Debug("block restored", zap.Uint64("number", b.Number), zap.String("hash", b.Hash))
		return gctx.Err()
	})
	if err != nil {
		if gctx.Err() != nil {
			err = fmt.Errorf("restore interrupted: %w", context.Cause(gctx))
		}
		return cli.NewExitError(err, 1)
	}
	log.Info("blocks restored", zap.Uint64("added", added), zap.Uint64("height", ledger.BlockCount()))
	return nil
}

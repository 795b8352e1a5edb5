/*
Package options contains a set of common CLI options and helper functions to use them.
*/
package options

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nspcc-dev/rpcnode/pkg/config"
	"github.com/nspcc-dev/rpcnode/pkg/rpcclient"
	"github.com/urfave/cli"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultTimeout is the default timeout used for RPC requests.
const DefaultTimeout = 10 * time.Second

// RPCEndpointFlag is a long flag name for an RPC endpoint. It can be used to
// check for flag presence in the context.
const RPCEndpointFlag = "rpc-endpoint"

// RPC is a set of flags used for RPC connections (endpoint and timeout).
var RPC = []cli.Flag{
	cli.StringFlag{
		Name:  RPCEndpointFlag + ", r",
		Usage: "RPC node address",
	},
	cli.DurationFlag{
		Name:  "timeout, s",
		Value: DefaultTimeout,
		Usage: "Timeout for the operation",
	},
}

// ConfigFile is a flag for commands that use node configuration.
var ConfigFile = cli.StringFlag{
	Name:  "config-file, c",
	Value: config.DefaultConfigPath,
	Usage: "path to the node configuration file",
}

// Debug is a flag for commands that allow node in debug mode usage.
var Debug = cli.BoolFlag{
	Name:  "debug, d",
	Usage: "enable debug logging (LOTS of output, overrides configuration)",
}

// Local is a flag switching the node to the local database.
var Local = cli.BoolFlag{
	Name:  "local",
	Usage: "serve calls from the local database (overrides configuration)",
}

var errNoEndpoint = errors.New("no RPC endpoint specified, use option '--" + RPCEndpointFlag + "' or '-r'")

// GetTimeoutContext returns a context.Context with the default or a user-set timeout.
func GetTimeoutContext(ctx *cli.Context) (context.Context, func()) {
	dur := ctx.Duration("timeout")
	if dur == 0 {
		dur = DefaultTimeout
	}
	return context.WithTimeout(context.Background(), dur)
}

// GetRPCClient returns an RPC client instance for the given Context.
func GetRPCClient(ctx *cli.Context) (*rpcclient.Client, cli.ExitCoder) {
	endpoint := ctx.String(RPCEndpointFlag)
	if len(endpoint) == 0 {
		return nil, cli.NewExitError(errNoEndpoint, 1)
	}
	c, err := rpcclient.New(endpoint, rpcclient.Options{
		RequestTimeout: ctx.Duration("timeout"),
		UserAgent:      config.Config{}.GenerateUserAgent(),
	})
	if err != nil {
		return nil, cli.NewExitError(err, 1)
	}
	return c, nil
}

// GetConfigFromContext loads the configuration file given in the context and
// applies command line overrides.
func GetConfigFromContext(ctx *cli.Context) (config.Config, error) {
	configFile := ctx.String("config-file")
	if configFile == "" {
		configFile = config.DefaultConfigPath
	}
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return config.Config{}, err
	}
	if ctx.Bool("local") {
		cfg.ApplicationConfiguration.Service.UseLocalDatabase = true
	}
	return cfg, nil
}

// ParseLogLevel returns the configured logging level, info is the default.
func ParseLogLevel(debug bool, cfg config.ApplicationConfiguration) (zapcore.Level, error) {
	if debug {
		return zapcore.DebugLevel, nil
	}
	if len(cfg.LogLevel) == 0 {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("log setting: %w", err)
	}
	return level, nil
}

// HandleLoggingParams reads logging parameters.
// If a user selected debug level -- function enables it.
// If logPath is configured -- function creates a dir and a rotated file for
// logging, the returned closer closes it. The level can be changed later via
// the returned AtomicLevel.
func HandleLoggingParams(debug bool, cfg config.ApplicationConfiguration) (*zap.Logger, *zap.AtomicLevel, func() error, error) {
	level, err := ParseLogLevel(debug, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	atom := zap.NewAtomicLevelAt(level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeDuration = zapcore.StringDurationEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), atom)

	var closer func() error
	if logPath := cfg.LogPath; logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), os.ModePerm); err != nil {
			return nil, nil, nil, fmt.Errorf("could not create dir for logger: %w", err)
		}
		if fi, err := os.Stat(logPath); err == nil && fi.IsDir() {
			return nil, nil, nil, fmt.Errorf("log path %s is a directory", logPath)
		}
		rot := &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    cfg.LogRotation.MaxSize,
			MaxBackups: cfg.LogRotation.MaxBackups,
			MaxAge:     cfg.LogRotation.MaxAge,
			Compress:   cfg.LogRotation.Compress,
		}
		fileEnc := zap.NewProductionEncoderConfig()
		fileEnc.EncodeTime = zapcore.ISO8601TimeEncoder
		fileEnc.EncodeDuration = zapcore.StringDurationEncoder
		core = zapcore.NewTee(core, zapcore.NewCore(zapcore.NewJSONEncoder(fileEnc), zapcore.AddSync(rot), atom))
		closer = rot.Close
	}

	return zap.New(core), &atom, closer, nil
}

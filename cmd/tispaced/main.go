package main

import (
	"context"
	"errors"
	"net"
	"os"

	"github.com/rs/zerolog"

	"github.com/tispace-dev/tispace/internal/tispaced"
)

// Exit codes the operator-facing documentation promises: 0 graceful,
// 1 config error, 2 state-file unreadable, 3 listener bind failure.
const (
	exitOK          = 0
	exitConfigError = 1
	exitStateError  = 2
	exitBindError   = 3
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &logger

	server, err := tispaced.New(context.Background())
	if err != nil {
		logger.Error().Err(err).Msg("failed to build server")
		os.Exit(exitCodeFor(err))
	}

	if err := server.Run(context.Background()); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		os.Exit(exitCodeFor(err))
	}

	os.Exit(exitOK)
}

func exitCodeFor(err error) int {
	var configErr *tispaced.ConfigError
	var stateErr *tispaced.StateError
	var netErr *net.OpError
	switch {
	case errors.As(err, &configErr):
		return exitConfigError
	case errors.As(err, &stateErr):
		return exitStateError
	case errors.As(err, &netErr):
		return exitBindError
	default:
		return exitConfigError
	}
}

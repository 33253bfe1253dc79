// Package logging builds the engine's zap logger and keeps secrets out of
// log output.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger constructs the process logger. Local environments get the
// human-readable development encoder; everything else logs structured JSON
// at info level.
func NewLogger(env string) (*zap.Logger, error) {
	var logger *zap.Logger
	var err error

	if env == "local" || env == "test" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

// Package runlog builds the job logger: console always, plus an optional
// append-to-file sink so long scans leave an inspectable trail.
package runlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns the run logger and a flush func for deferred Sync. An empty
// logFile disables the file sink. jsonLogs switches the encoding for
// machine consumption.
func New(logFile string, jsonLogs bool) (*zap.SugaredLogger, func(), error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	if jsonLogs {
		cfg.Encoding = "json"
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.DisableStacktrace = true
	cfg.OutputPaths = []string{"stdout"}
	if logFile != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, logFile)
	}
	cfg.ErrorOutputPaths = []string{"stderr"}

	log, err := cfg.Build()
	if err != nil {
		return nil, nil, err
	}
	sugar := log.Sugar()
	return sugar, func() { _ = log.Sync() }, nil
}

package logger

import (
	"fmt"
	"os"
	"strings"

	"escrowgo/internal/config"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a JSON logger for production and a console logger otherwise.
func NewLogger(cfg *config.Config) *zap.Logger {
	var zc zap.Config
	if cfg.Logger.Env == "production" {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if lvl, err := zapcore.ParseLevel(cfg.Logger.Level); err == nil {
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}

	logger, err := zc.Build()
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger.With(zap.String("service", "escrowd"))
}

type gooseLogger struct {
	sugar *zap.SugaredLogger
}

// GooseZapLogger routes goose migration output through zap.
func GooseZapLogger(logger *zap.Logger) goose.Logger {
	return &gooseLogger{sugar: logger.With(zap.String("component", "migrations")).Sugar()}
}

func (l *gooseLogger) Fatalf(format string, v ...interface{}) {
	l.sugar.Fatalf(strings.TrimSpace(format), v...)
}

func (l *gooseLogger) Printf(format string, v ...interface{}) {
	l.sugar.Infof(strings.TrimSpace(format), v...)
}

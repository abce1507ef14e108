package observability

import (
	"math/rand"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger builds the service logger using the default service name.
func InitLogger() (*zap.Logger, error) {
	return InitLoggerWithService("tenantads")
}

// InitLoggerWithService builds the service logger at the level selected by
// ENV and LOG_LEVEL.
func InitLoggerWithService(serviceName string) (*zap.Logger, error) {
	return InitLoggerWithLevel(LevelFromEnv(), serviceName)
}

// InitLoggerWithLevel builds a JSON logger named after the service and
// installs it as the global logger.
func InitLoggerWithLevel(level zapcore.Level, serviceName string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	logger = logger.Named(serviceName).With(zap.String("service", serviceName))
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// LevelFromEnv returns LOG_LEVEL when it parses, otherwise debug for
// development environments and info everywhere else.
func LevelFromEnv() zapcore.Level {
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(strings.ToLower(raw))); err == nil {
			return lvl
		}
	}
	switch strings.ToLower(os.Getenv("ENV")) {
	case "development", "dev":
		return zap.DebugLevel
	default:
		return zap.InfoLevel
	}
}

var samplingRates = map[string]float64{
	"development": 1.0,
	"dev":         1.0,
	"staging":     0.5,
	"test":        0.5,
}

// GetSamplingRate returns the share of per-request info logs to keep in the
// current environment. Production keeps one in ten.
func GetSamplingRate() float64 {
	if r, ok := samplingRates[strings.ToLower(os.Getenv("ENV"))]; ok {
		return r
	}
	return 0.1
}

// ShouldSample reports whether a log line sampled at rate should be written.
func ShouldSample(rate float64) bool {
	switch {
	case rate >= 1:
		return true
	case rate <= 0:
		return false
	}
	return rand.Float64() < rate
}

// AdRuntimeLogger derives the logger used by the ad runtime. In debug mode
// the base logger is returned unchanged; otherwise entries below level
// (DEBUG/INFO/WARN/ERROR) are dropped.
func AdRuntimeLogger(base *zap.Logger, debug bool, level string) *zap.Logger {
	named := base.Named("ads")
	if debug {
		return named
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		lvl = zap.WarnLevel
	}
	return named.WithOptions(zap.IncreaseLevel(lvl))
}

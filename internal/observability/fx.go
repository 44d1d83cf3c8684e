package observability

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/paymeter/settle/internal/config"
	"github.com/paymeter/settle/internal/observability/logger"
	"github.com/paymeter/settle/internal/observability/tracing"
)

// Module wires the zap logger and the OpenTelemetry tracer provider.
var Module = fx.Module("observability",
	fx.Provide(func(cfg config.Config) (*zap.Logger, error) {
		return logger.New(cfg.Environment)
	}),
	fx.Provide(tracing.NewProvider),
	fx.Invoke(func(log *zap.Logger) {
		log.Info("observability initialized")
	}),
)

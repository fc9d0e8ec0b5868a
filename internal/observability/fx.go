package observability

import (
	"github.com/uppalcrm/billing/internal/config"
	"github.com/uppalcrm/billing/internal/observability/logger"
	"github.com/uppalcrm/billing/internal/observability/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		provideLoggerConfig,
		logger.New,
	),
	fx.Invoke(configureSchedulerMetrics),
)

func provideLoggerConfig(cfg config.Config) logger.Config {
	return logger.Config{
		ServiceName:         cfg.AppName,
		Environment:         cfg.Environment,
		Version:             cfg.AppVersion,
		IncludeCaller:       true,
		IncludeStackOnError: true,
	}
}

func configureSchedulerMetrics(cfg config.Config) {
	metrics.SchedulerWithConfig(metrics.Config{
		ServiceName: cfg.AppName,
		Environment: cfg.Environment,
	})
}

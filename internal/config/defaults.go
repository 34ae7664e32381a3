package config

import "strings"

// 默认值常量
const (
	defaultAppEnv          = "dev"
	defaultAppLogLevel     = "info"
	defaultAppHTTPAddr     = ":9991"
	defaultAppLogPath      = "/data/logs/marketresearch.log"
	defaultDataRoot        = "/data/bars"
	defaultDataSource      = "binance"
	defaultBinanceREST     = "https://fapi.binance.com"
	defaultHTTPTimeoutSecs = 15
	defaultRatePerMin      = 1100
	defaultMaxBatch        = 1000
	defaultMaxJobs         = 2
	defaultStrategy        = "sma_cross"
	defaultTrainRatio      = 0.7
	defaultNumValidation   = 3
	defaultReportHours     = 24
	defaultMaxSpans        = 2
	defaultResultsPath     = "/data/db/results.db"
)

var defaultPeriods = []string{"m15", "H1", "H4", "D1"}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Data.applyDefaults(keys)
	c.Replay.applyDefaults(keys)
	c.Results.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (d *DataConfig) applyDefaults(keys keySet) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("data.root", &d.Root, defaultDataRoot),
		stringFieldDefault("data.default_source", &d.DefaultSource, defaultDataSource),
		stringFieldDefault("data.binance_base_url", &d.BinanceBaseURL, defaultBinanceREST),
		intFieldDefault("data.http_timeout_seconds", &d.HTTPTimeoutSeconds, defaultHTTPTimeoutSecs),
		intFieldDefault("data.rate_limit_per_min", &d.RateLimitPerMin, defaultRatePerMin),
		intFieldDefault("data.max_batch", &d.MaxBatch, defaultMaxBatch),
		intFieldDefault("data.max_concurrent_jobs", &d.MaxConcurrentJobs, defaultMaxJobs),
	)
}

func (r *ReplayConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("replay.strategy", &r.Strategy, defaultStrategy),
		intFieldDefault("replay.num_validation_sets", &r.NumValidationSets, defaultNumValidation),
		intFieldDefault("replay.report_every_hours", &r.ReportEveryHours, defaultReportHours),
		intFieldDefault("replay.max_concurrent_spans", &r.MaxConcurrentSpans, defaultMaxSpans),
		fieldDefault{
			key:   "replay.periods",
			need:  func() bool { return len(r.Periods) == 0 },
			apply: func() { r.Periods = append([]string{}, defaultPeriods...) },
		},
		fieldDefault{
			key:   "replay.train_ratio",
			need:  func() bool { return r.TrainRatio <= 0 },
			apply: func() { r.TrainRatio = defaultTrainRatio },
		},
	)
}

func (r *ResultsConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("results.path", &r.Path, defaultResultsPath),
	)
}

// Helper functions

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

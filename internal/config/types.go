package config

import "strings"

// Config 是 marketresearch 的主配置载体。
type Config struct {
	App     AppConfig     `toml:"app"`
	Data    DataConfig    `toml:"data"`
	Replay  ReplayConfig  `toml:"replay"`
	Results ResultsConfig `toml:"results"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

// DataConfig 描述 K 线落盘位置与远端补齐行为。
type DataConfig struct {
	Root               string `toml:"root"`
	DefaultSource      string `toml:"default_source"`
	BinanceBaseURL     string `toml:"binance_base_url"`
	HTTPTimeoutSeconds int    `toml:"http_timeout_seconds"`
	RateLimitPerMin    int    `toml:"rate_limit_per_min"`
	MaxBatch           int    `toml:"max_batch"`
	MaxConcurrentJobs  int    `toml:"max_concurrent_jobs"`
}

// ReplayConfig 是回放引擎的缺省参数，可被单次请求覆盖。
type ReplayConfig struct {
	Periods            []string `toml:"periods"`
	Strategy           string   `toml:"strategy"`
	TrainRatio         float64  `toml:"train_ratio"`
	NumValidationSets  int      `toml:"num_validation_sets"`
	ReportEveryHours   int      `toml:"report_every_hours"`
	MaxConcurrentSpans int      `toml:"max_concurrent_spans"`
}

type ResultsConfig struct {
	Path string `toml:"path"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	_, ok := k[strings.ToLower(strings.TrimSpace(path))]
	return ok
}

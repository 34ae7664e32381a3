package config

import (
	"fmt"
	"strings"

	"marketresearch/internal/market"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Data.validate(); err != nil {
		return err
	}
	if err := c.Replay.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Results.Path) == "" {
		return fmt.Errorf("results.path 不能为空")
	}
	return nil
}

func (d *DataConfig) validate() error {
	if strings.TrimSpace(d.Root) == "" {
		return fmt.Errorf("data.root 不能为空")
	}
	if d.RateLimitPerMin < 0 {
		return fmt.Errorf("data.rate_limit_per_min 不能为负")
	}
	if d.MaxBatch < 0 {
		return fmt.Errorf("data.max_batch 不能为负")
	}
	return nil
}

func (r *ReplayConfig) validate() error {
	if r.TrainRatio <= 0 || r.TrainRatio >= 1 {
		return fmt.Errorf("replay.train_ratio 必须落在 (0,1): %v", r.TrainRatio)
	}
	if r.NumValidationSets < 1 {
		return fmt.Errorf("replay.num_validation_sets 至少为 1: %d", r.NumValidationSets)
	}
	if len(r.Periods) == 0 {
		return fmt.Errorf("replay.periods 不能为空")
	}
	for _, name := range r.Periods {
		if _, err := market.ParsePeriod(name); err != nil {
			return fmt.Errorf("replay.periods 含非法周期 %q: %w", name, err)
		}
	}
	if strings.TrimSpace(r.Strategy) == "" {
		return fmt.Errorf("replay.strategy 不能为空")
	}
	return nil
}

// Package strategy 收录内置回放策略并按名称暴露工厂。
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"marketresearch/internal/backtest"
)

// Registry 管理策略名到工厂的映射。
type Registry struct {
	mu        sync.RWMutex
	factories map[string]backtest.StrategyFactory
}

// NewRegistry 返回带全部内置策略的注册表。
func NewRegistry() (*Registry, error) {
	r := &Registry{factories: make(map[string]backtest.StrategyFactory)}
	smaCross, err := NewSMACrossFactory()
	if err != nil {
		return nil, err
	}
	if err := r.Register(NameSMACross, smaCross); err != nil {
		return nil, err
	}
	return r, nil
}

// Register 注册一个策略工厂；重名报错。
func (r *Registry) Register(name string, factory backtest.StrategyFactory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("策略名与工厂均不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("策略 %s 已注册", name)
	}
	r.factories[name] = factory
	return nil
}

// Factories 返回映射副本，供引擎初始化。
func (r *Registry) Factories() map[string]backtest.StrategyFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]backtest.StrategyFactory, len(r.factories))
	for k, v := range r.factories {
		out[k] = v
	}
	return out
}

// Names 返回已注册的策略名（字典序）。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package cache

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cuemby/nimbus/pkg/config"
	"github.com/cuemby/nimbus/pkg/log"
	"github.com/cuemby/nimbus/pkg/types"
)

const janitorInterval = time.Minute

// Manager owns the named caches and the daily clear schedule
type Manager struct {
	InstanceDetails *Cache[map[string]any]
	InstanceStates  *Cache[*types.InstanceState]
	Products        *Cache[[]*types.Product]
	Templates       *Cache[*types.Template]
	MergedInstances *Cache[[]*types.InstanceState]

	cron *cron.Cron
}

// NewManager builds the named caches from configuration
func NewManager(cfg config.CacheConfig) (*Manager, error) {
	m := &Manager{}

	var err error
	if m.InstanceDetails, err = New[map[string]any]("instanceDetails", cfg.MaxSize, cfg.InstanceDetailsTTL); err != nil {
		return nil, err
	}
	if m.InstanceStates, err = New[*types.InstanceState]("instanceStates", cfg.MaxSize, cfg.InstanceStatesTTL); err != nil {
		return nil, err
	}
	if m.Products, err = New[[]*types.Product]("products", cfg.MaxSize, cfg.ProductsTTL); err != nil {
		return nil, err
	}
	if m.Templates, err = New[*types.Template]("templates", cfg.MaxSize, cfg.TemplatesTTL); err != nil {
		return nil, err
	}
	if m.MergedInstances, err = New[[]*types.InstanceState]("mergedInstances", cfg.MaxSize, cfg.TTL); err != nil {
		return nil, err
	}

	return m, nil
}

// Start launches the janitors and the daily clear cron
func (m *Manager) Start(clearTime string) error {
	m.InstanceDetails.StartJanitor(janitorInterval)
	m.InstanceStates.StartJanitor(janitorInterval)
	m.Products.StartJanitor(janitorInterval)
	m.Templates.StartJanitor(janitorInterval)
	m.MergedInstances.StartJanitor(janitorInterval)

	spec, err := config.ParseClearTime(clearTime)
	if err != nil {
		return err
	}

	m.cron = cron.New()
	if _, err := m.cron.AddFunc(spec, m.dailyClear); err != nil {
		return err
	}
	m.cron.Start()

	logger := log.WithComponent("cache")
	logger.Info().
		Str("clear_time", clearTime).
		Msg("cache manager started")
	return nil
}

// Stop halts the janitors and the cron
func (m *Manager) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
	m.InstanceDetails.StopJanitor()
	m.InstanceStates.StopJanitor()
	m.Products.StopJanitor()
	m.Templates.StopJanitor()
	m.MergedInstances.StopJanitor()
}

// InvalidateInstance drops every cached view of one instance
func (m *Manager) InvalidateInstance(instanceID string) {
	m.InstanceDetails.Delete(instanceID)
	m.InstanceStates.Delete(instanceID)
	m.MergedInstances.Clear()
}

// AllStats returns the counters of every named cache
func (m *Manager) AllStats() []Stats {
	return []Stats{
		m.InstanceDetails.Stats(),
		m.InstanceStates.Stats(),
		m.Products.Stats(),
		m.Templates.Stats(),
		m.MergedInstances.Stats(),
	}
}

// ClearAll empties every named cache
func (m *Manager) ClearAll() {
	m.InstanceDetails.Clear()
	m.InstanceStates.Clear()
	m.Products.Clear()
	m.Templates.Clear()
	m.MergedInstances.Clear()
}

func (m *Manager) dailyClear() {
	logger := log.WithComponent("cache")
	for _, s := range m.AllStats() {
		logger.Info().
			Str("cache", s.Name).
			Int("size", s.Size).
			Uint64("hits", s.Hits).
			Uint64("misses", s.Misses).
			Uint64("sets", s.Sets).
			Uint64("evictions", s.Evictions).
			Msg("cache stats before scheduled clear")
	}
	m.ClearAll()
	logger.Info().Msg("scheduled cache clear completed")
}

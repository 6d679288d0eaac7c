package dependency

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// DependencyConfig controls DependencyManager's behavior.
type DependencyConfig struct {
	EnableFallbacks bool
}

// HealthReport summarizes every circuit breaker and registered fallback the
// manager tracks.
type HealthReport struct {
	Circuits            map[string]CircuitState
	FallbacksAvailable  []string
}

// DependencyManager is a registry of named circuit breakers and fallback
// providers for health reporting. aegis's own call sites build their
// breakers directly and do not register them here.
type DependencyManager struct {
	mu        sync.RWMutex
	cfg       *DependencyConfig
	logger    *logrus.Logger
	breakers  map[string]*CircuitBreaker
	fallbacks map[string]FallbackProvider
}

// NewDependencyManager builds a manager from cfg.
func NewDependencyManager(cfg *DependencyConfig, logger *logrus.Logger) *DependencyManager {
	if cfg == nil {
		cfg = &DependencyConfig{}
	}
	return &DependencyManager{
		cfg:       cfg,
		logger:    logger,
		breakers:  make(map[string]*CircuitBreaker),
		fallbacks: make(map[string]FallbackProvider),
	}
}

// RegisterCircuitBreaker adds a named breaker the manager tracks for health
// reporting. Registering the same name twice replaces the prior breaker.
func (m *DependencyManager) RegisterCircuitBreaker(cb *CircuitBreaker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers[cb.GetName()] = cb
}

// RegisterFallback adds a named fallback provider. Returns an error when
// fallbacks are disabled by configuration.
func (m *DependencyManager) RegisterFallback(name string, provider FallbackProvider) error {
	if !m.cfg.EnableFallbacks {
		return fmt.Errorf("fallbacks are disabled in dependency configuration")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks[name] = provider
	return nil
}

// GetHealthReport snapshots every registered breaker and fallback name.
func (m *DependencyManager) GetHealthReport() HealthReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	report := HealthReport{
		Circuits:           make(map[string]CircuitState, len(m.breakers)),
		FallbacksAvailable: make([]string, 0, len(m.fallbacks)),
	}
	for name, cb := range m.breakers {
		report.Circuits[name] = cb.GetState()
	}
	for name := range m.fallbacks {
		report.FallbacksAvailable = append(report.FallbacksAvailable, name)
	}
	return report
}

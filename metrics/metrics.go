package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sbt"

// MetricsRegistry hands out counters for one subsystem, creating and
// registering them on first use.
type MetricsRegistry struct {
	subsystem  string
	registerer prometheus.Registerer

	lock     sync.Mutex
	counters map[string]prometheus.Counter
}

func NewMetricsRegistry(registerer prometheus.Registerer, subsystem string) *MetricsRegistry {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	return &MetricsRegistry{
		subsystem:  subsystem,
		registerer: registerer,
		counters:   make(map[string]prometheus.Counter),
	}
}

// Counter returns the counter called name, registering it if needed.
func (m *MetricsRegistry) Counter(name string) prometheus.Counter {
	m.lock.Lock()
	defer m.lock.Unlock()

	if c, ok := m.counters[name]; ok {
		return c
	}

	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: m.subsystem,
		Name:      name,
	})
	if err := m.registerer.Register(c); err != nil {
		// Another registry for the same subsystem got there first.
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
		c = are.ExistingCollector.(prometheus.Counter)
	}
	m.counters[name] = c
	return c
}

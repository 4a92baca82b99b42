package routing

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/prime399/study-flow-kiro-sub000/internal/chaterr"
)

var errProviderFailed = errors.New("provider failed")

// Availability tracks which catalog models the platform can serve: the
// provider must have a platform key and its circuit breaker must not be open.
type Availability struct {
	catalog    *Catalog
	configured map[string]bool
	breakers   map[string]*gobreaker.CircuitBreaker
}

// NewAvailability builds breakers for every provider that has a platform key.
func NewAvailability(catalog *Catalog, configured []string) *Availability {
	a := &Availability{
		catalog:    catalog,
		configured: make(map[string]bool),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, p := range configured {
		a.configured[p] = true
		settings := gobreaker.Settings{
			Name:        p,
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		a.breakers[p] = gobreaker.NewCircuitBreaker(settings)
	}
	return a
}

// Available lists servable model ids in canonical order.
func (a *Availability) Available() []string {
	var ids []string
	for _, m := range a.catalog.models {
		if a.Up(m.Provider) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Up reports whether provider p is configured and its breaker is not open.
func (a *Availability) Up(p string) bool {
	cb, ok := a.breakers[p]
	if !ok || !a.configured[p] {
		return false
	}
	return cb.State() != gobreaker.StateOpen
}

// Report records the outcome of a platform call against p. Only failures
// that say something about the provider's health count against it.
func (a *Availability) Report(p string, err *chaterr.Error) {
	cb, ok := a.breakers[p]
	if !ok {
		return
	}
	_, _ = cb.Execute(func() (interface{}, error) {
		if err != nil && err.Kind.IsServerSide() {
			return nil, errProviderFailed
		}
		return nil, nil
	})
}

func (a *Availability) State(p string) gobreaker.State {
	if cb, ok := a.breakers[p]; ok {
		return cb.State()
	}
	return gobreaker.StateOpen
}

package memtap

import (
	"log/slog"
	"time"

	"github.com/pior/memtap/binprot"
	"github.com/sony/gobreaker/v2"
)

// CircuitBreaker guards the round trips to one server. Only transport and
// protocol failures count: a response with a non-zero status is a success.
type CircuitBreaker = *gobreaker.CircuitBreaker[binprot.Message]

// NewCircuitBreakerConfig returns a function that creates circuit breakers for servers.
// The breaker opens once at least 3 requests were made in the interval and
// 60% of them failed. State changes are logged to logger when it is not nil.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration, logger *slog.Logger) func(string) CircuitBreaker {
	return func(serverAddr string) CircuitBreaker {
		settings := gobreaker.Settings{
			Name:        serverAddr,
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
		}
		if logger != nil {
			settings.OnStateChange = func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change", "server", name, "from", from.String(), "to", to.String())
			}
		}
		return gobreaker.NewCircuitBreaker[binprot.Message](settings)
	}
}

package core

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// probeTimeout bounds the whole health check.
const probeTimeout = 2 * time.Second

// HealthProbe checks one dependency the notifier needs to send mail.
type HealthProbe interface {
	Name() string
	// Check returns nil when the dependency is usable. It must honour ctx.
	Check(ctx context.Context) error
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

type probeOutcome struct {
	name string
	err  error
}

// HandleHealth serves GET /health. Probes run in parallel; any failure, panic
// or probe still running at the deadline makes the response a 503.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	outcomes := make(chan probeOutcome, len(s.HealthProbes))
	for _, p := range s.HealthProbes {
		go func() {
			outcomes <- probeOutcome{name: p.Name(), err: runProbe(ctx, p)}
		}()
	}

	components := make(map[string]componentStatus, len(s.HealthProbes))
	for _, p := range s.HealthProbes {
		components[p.Name()] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
	}
	healthy := true
collect:
	for range s.HealthProbes {
		select {
		case o := <-outcomes:
			if o.err != nil {
				healthy = false
				components[o.name] = componentStatus{Status: "unhealthy", Message: o.err.Error()}
				continue
			}
			components[o.name] = componentStatus{Status: "healthy"}
		case <-ctx.Done():
			healthy = false
			break collect
		}
	}

	resp := healthResponse{Status: "healthy", Components: components}
	status := http.StatusOK
	if !healthy {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	if len(components) == 0 {
		resp.Components = nil
	}
	JSON(w, r, status, resp)
}

func runProbe(ctx context.Context, p HealthProbe) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("probe panicked: %v", rec)
		}
	}()
	return p.Check(ctx)
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseProbe checks the Postgres pool.
type DatabaseProbe struct {
	DB Pinger
}

func (p DatabaseProbe) Name() string { return "database" }

func (p DatabaseProbe) Check(ctx context.Context) error {
	return p.DB.Ping(ctx)
}

// RedisProbe checks the Redis lock backend.
type RedisProbe struct {
	Client redis.UniversalClient
}

func (p RedisProbe) Name() string { return "redis" }

func (p RedisProbe) Check(ctx context.Context) error {
	return p.Client.Ping(ctx).Err()
}

// TickSource reports when the dispatch loop last completed a tick and when
// the running tick, if any, began.
type TickSource interface {
	LastTick() time.Time
	TickStarted() time.Time
}

// TickProbe fails when the dispatch loop has not ticked within MaxAge. A
// loop that has not ticked yet is healthy during the first MaxAge after
// Started. A tick still in progress counts as alive until it has run for
// MaxRunning; zero MaxRunning never fails a running tick.
type TickProbe struct {
	Source     TickSource
	MaxAge     time.Duration
	MaxRunning time.Duration
	Started    time.Time
	Now        func() time.Time
}

func (p TickProbe) Name() string { return "dispatch" }

func (p TickProbe) Check(context.Context) error {
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	if running := p.Source.TickStarted(); !running.IsZero() {
		if age := now.Sub(running); p.MaxRunning > 0 && age > p.MaxRunning {
			return fmt.Errorf("tick running for %s", age.Truncate(time.Second))
		}
		return nil
	}
	last := p.Source.LastTick()
	if last.IsZero() {
		last = p.Started
	}
	if age := now.Sub(last); age > p.MaxAge {
		return fmt.Errorf("last tick %s ago", age.Truncate(time.Second))
	}
	return nil
}

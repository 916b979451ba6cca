// ABOUTME: Tool dispatcher: resolves a tool to a live instance, forwards with failover.
// ABOUTME: Candidates are ranked by load metric; every attempt lands in the collaboration log.

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"mcp-broker/internal/collab"
	"mcp-broker/internal/registry"
)

// ErrNoLiveInstance indicates the tool is known but no serving instance is
// currently alive.
var ErrNoLiveInstance = errors.New("no live instance for tool")

// BadRequestError reports parameter validation failure against the tool's
// schema. Returned before any dispatch state is touched.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string {
	return "bad request: " + e.Reason
}

// InstanceFailure records why one candidate failed during a dispatch.
type InstanceFailure struct {
	Instance string `json:"instance"`
	Reason   string `json:"reason"`
}

// AllInstancesFailedError aggregates the per-instance failures after every
// live candidate has been tried once.
type AllInstancesFailedError struct {
	Tool     string
	Failures []InstanceFailure
}

func (e *AllInstancesFailedError) Error() string {
	reasons := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		reasons[i] = f.Instance + ": " + f.Reason
	}
	return fmt.Sprintf("all %d instances failed for tool %q: %s",
		len(e.Failures), e.Tool, strings.Join(reasons, "; "))
}

// BreakerConfig tunes the per-instance circuit breakers.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before an
	// instance's circuit opens.
	MaxFailures uint32
	// OpenTimeout is how long the circuit stays open before allowing a
	// probe call.
	OpenTimeout time.Duration
}

// Default breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 3
	defaultBreakerOpenTimeout time.Duration = 30 * time.Second
)

// Dispatcher resolves tool calls to live agent instances and forwards them.
// It decouples the logical capability (tool name) from the serving process:
// scaling a group means registering more instances, nothing else.
type Dispatcher struct {
	registry *registry.Registry
	recorder *collab.Recorder
	caller   Caller

	callTimeout time.Duration
	breakerCfg  BreakerConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[json.RawMessage] // instance name -> breaker

	logger *slog.Logger
}

// New creates a dispatcher. callTimeout bounds each forwarded attempt.
func New(reg *registry.Registry, rec *collab.Recorder, caller Caller, callTimeout time.Duration, breakerCfg BreakerConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if breakerCfg.MaxFailures == 0 {
		breakerCfg.MaxFailures = defaultBreakerMaxFailures
	}
	if breakerCfg.OpenTimeout == 0 {
		breakerCfg.OpenTimeout = defaultBreakerOpenTimeout
	}
	return &Dispatcher{
		registry:    reg,
		recorder:    rec,
		caller:      caller,
		callTimeout: callTimeout,
		breakerCfg:  breakerCfg,
		breakers:    make(map[string]*gobreaker.CircuitBreaker[json.RawMessage]),
		logger:      logger.With("component", "dispatcher"),
	}
}

// breakerFor returns the circuit breaker guarding an instance, creating it
// on first use.
func (d *Dispatcher) breakerFor(instance string) *gobreaker.CircuitBreaker[json.RawMessage] {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cb, ok := d.breakers[instance]; ok {
		return cb
	}

	maxFailures := d.breakerCfg.MaxFailures
	cb := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "agent:" + instance,
		MaxRequests: 1, // one probe in half-open state
		Timeout:     d.breakerCfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	d.breakers[instance] = cb
	return cb
}

// Call dispatches a tool call. decisionID, when present, roots the causal
// chain: the schedule entry is parented to it and each execution entry to
// the schedule.
//
// Failure of a single instance is recovered by retrying the next-ranked
// candidate and is never surfaced to the caller unless every live candidate
// has failed.
func (d *Dispatcher) Call(ctx context.Context, tool string, params json.RawMessage, decisionID *int64) (json.RawMessage, error) {
	desc, err := d.registry.Tool(tool)
	if err != nil {
		return nil, err
	}

	// Validate before touching dispatch state or load metrics.
	if err := desc.ValidateParams(params); err != nil {
		return nil, &BadRequestError{Reason: err.Error()}
	}

	candidates := d.registry.Candidates(desc.Group)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("tool %q (group %q): %w", tool, desc.Group, ErrNoLiveInstance)
	}

	scheduleID, err := d.recorder.RecordSchedule(ctx, decisionID, candidates[0].Name, tool, params)
	if err != nil {
		return nil, fmt.Errorf("recording schedule: %w", err)
	}
	schedRef := &scheduleID

	var failures []InstanceFailure
	for i, cand := range candidates {
		result, callErr := d.attempt(ctx, cand, tool, params, schedRef)
		if callErr == nil {
			if i > 0 {
				d.logger.Info("dispatched via fallback instance",
					"tool", tool,
					"instance", cand.Name,
					"attempt", i+1,
				)
			}
			return result, nil
		}

		failures = append(failures, InstanceFailure{
			Instance: cand.Name,
			Reason:   callErr.Error(),
		})
		d.logger.Warn("instance failed, trying next candidate",
			"tool", tool,
			"instance", cand.Name,
			"attempt", i+1,
			"error", callErr,
		)
	}

	return nil, &AllInstancesFailedError{Tool: tool, Failures: failures}
}

// attempt forwards one call to one candidate, flipping its status Busy for
// the duration and recording the outcome as an execution entry.
func (d *Dispatcher) attempt(ctx context.Context, cand registry.Candidate, tool string, params json.RawMessage, scheduleID *int64) (json.RawMessage, error) {
	if err := d.registry.SetStatus(cand.Name, registry.StatusBusy); err != nil {
		// Unregistered between ranking and dispatch.
		return nil, fmt.Errorf("instance gone: %w", err)
	}

	callCtx := ctx
	if d.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.callTimeout)
		defer cancel()
	}

	result, err := d.breakerFor(cand.Name).Execute(func() (json.RawMessage, error) {
		return d.caller.Call(callCtx, cand.Endpoint, tool, params)
	})

	if err != nil {
		// The next heartbeat confirms whether the instance is actually
		// alive; until then it stays in Error.
		if stErr := d.registry.SetStatus(cand.Name, registry.StatusError); stErr != nil {
			d.logger.Debug("could not mark instance error", "instance", cand.Name, "error", stErr)
		}
		if _, recErr := d.recorder.RecordExecution(ctx, scheduleID, cand.Name, tool, collab.StatusError, nil, err); recErr != nil {
			d.logger.Error("failed to record execution failure", "instance", cand.Name, "error", recErr)
		}
		return nil, err
	}

	if stErr := d.registry.SetStatus(cand.Name, registry.StatusOnline); stErr != nil {
		d.logger.Debug("could not restore instance online", "instance", cand.Name, "error", stErr)
	}

	if _, recErr := d.recorder.RecordExecution(ctx, scheduleID, cand.Name, tool, collab.StatusSuccess, result, nil); recErr != nil {
		d.logger.Error("failed to record execution success", "instance", cand.Name, "error", recErr)
	}
	return result, nil
}

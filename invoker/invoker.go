package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kadirpekel/orcacore/accessfilter"
	"github.com/kadirpekel/orcacore/orcherr"
	"github.com/kadirpekel/orcacore/providerclient"
	"github.com/kadirpekel/orcacore/sessionstore"
	"github.com/kadirpekel/orcacore/toolregistry"
)

// Registry is the subset of *toolregistry.Registry the invoker needs: a way
// to get the RPC client for a provider once the Access Filter has told it
// which provider owns a tool.
type Registry interface {
	Client(providerID string) (toolregistry.Client, bool)
}

// Invoker executes one tool call at a time, applying validation, cache
// lookup, single-flight dispatch coalescing and retry (spec §4.3).
type Invoker struct {
	registry     Registry
	cache        sessionstore.Cache
	validator    *schemaValidator
	group        singleflight.Group
	callTimeout  time.Duration
	cacheTTLSecs int
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithCallTimeout overrides DefaultCallTimeout.
func WithCallTimeout(d time.Duration) Option {
	return func(i *Invoker) { i.callTimeout = d }
}

// WithCacheTTLSeconds overrides DefaultCacheTTLSeconds.
func WithCacheTTLSeconds(ttl int) Option {
	return func(i *Invoker) { i.cacheTTLSecs = ttl }
}

// New builds an Invoker over registry (for provider dispatch) and cache
// (the Session Store's cache substrate, §4.5).
func New(registry Registry, cache sessionstore.Cache, opts ...Option) *Invoker {
	inv := &Invoker{
		registry:     registry,
		cache:        cache,
		validator:    newSchemaValidator(),
		callTimeout:  DefaultCallTimeout,
		cacheTTLSecs: DefaultCacheTTLSeconds,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Invoke executes req.ToolName against the provider named in surface, or
// produces an error LineageRecord without dispatching if the tool is
// unknown or its arguments fail validation (spec §4.3, Testable Property
// 12 and scenario S6).
func (inv *Invoker) Invoke(ctx context.Context, surface *accessfilter.Surface, req Request) Result {
	start := time.Now()

	schema, ok := surface.Schema(req.ToolName)
	if !ok {
		return inv.failResult(req, "", start, orcherr.ErrUnknownTool, "tool not present in caller's visible surface")
	}
	providerID, _ := surface.ProviderFor(req.ToolName)

	if err := inv.validator.Validate(schema, req.Arguments); err != nil {
		return inv.failResult(req, providerID, start, orcherr.ErrInvalidArguments, err.Error())
	}

	arguments := withAccessContext(req.Arguments, req.Access)
	key := cacheKey(providerID, req.ToolName, arguments, req.Access)

	if entry, hit, err := inv.cache.CacheGet(ctx, key); err == nil && hit {
		return Result{
			Lineage: sessionstore.LineageRecord{
				ToolName:      req.ToolName,
				ProviderID:    providerID,
				Arguments:     arguments,
				ResultSummary: summarize(entry.Value),
				Result:        entry.Value,
				Timestamp:     time.Now(),
				Outcome:       sessionstore.OutcomeCached,
				DurationMs:    time.Since(start).Milliseconds(),
			},
			ResultForModel: entry.Value,
		}
	}

	client, ok := inv.registry.Client(providerID)
	if !ok {
		return inv.failResult(req, providerID, start, orcherr.ErrUnknownTool, "provider not configured")
	}

	// Single-flight coalesces concurrent cold-cache dispatches on the same
	// key into one outbound call (spec Testable Property 6).
	v, err, _ := inv.group.Do(key, func() (any, error) {
		return inv.dispatchWithRetry(ctx, client, req.ToolName, arguments)
	})

	duration := time.Since(start).Milliseconds()
	if err != nil {
		var toolErr *toolregistry.ToolCallError
		if errors.As(err, &toolErr) {
			payload := map[string]any{"error": map[string]any{"message": toolErr.Message, "kind": toolErr.Kind}}
			return Result{
				Lineage: sessionstore.LineageRecord{
					ToolName:      req.ToolName,
					ProviderID:    providerID,
					Arguments:     arguments,
					ResultSummary: toolErr.Message,
					Result:        payload,
					Timestamp:     time.Now(),
					Outcome:       sessionstore.OutcomeError,
					ErrorKind:     orcherr.Kind(orcherr.ErrTool),
					DurationMs:    duration,
				},
				ResultForModel: payload,
			}
		}

		// Transport failure after retry exhaustion: threaded back to the
		// model as a tool-result error, not a fatal turn failure (spec §7).
		payload := map[string]any{"error": map[string]any{"message": err.Error(), "kind": orcherr.Kind(orcherr.ErrTransport)}}
		return Result{
			Lineage: sessionstore.LineageRecord{
				ToolName:      req.ToolName,
				ProviderID:    providerID,
				Arguments:     arguments,
				ResultSummary: err.Error(),
				Result:        payload,
				Timestamp:     time.Now(),
				Outcome:       sessionstore.OutcomeError,
				ErrorKind:     orcherr.Kind(orcherr.ErrTransport),
				DurationMs:    duration,
			},
			ResultForModel: payload,
		}
	}

	if cacheErr := inv.cache.CachePut(ctx, key, v, inv.cacheTTLSecs); cacheErr != nil {
		slog.Warn("invoker: cache write failed", "tool", req.ToolName, "err", cacheErr)
	}

	return Result{
		Lineage: sessionstore.LineageRecord{
			ToolName:      req.ToolName,
			ProviderID:    providerID,
			Arguments:     arguments,
			ResultSummary: summarize(v),
			Result:        v,
			Timestamp:     time.Now(),
			Outcome:       sessionstore.OutcomeSuccess,
			DurationMs:    duration,
		},
		ResultForModel: v,
	}
}

// dispatchWithRetry calls the provider, retrying only transport-level
// failures up to MaxRetries additional times with exponential backoff
// (spec §4.3). A structured tool-level error is returned unwrapped so the
// singleflight group and the caller above can distinguish it from a
// transport failure via errors.As.
func (inv *Invoker) dispatchWithRetry(ctx context.Context, client toolregistry.Client, name string, arguments map[string]any) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, inv.callTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			delay := providerclient.Backoff(attempt-1, 500*time.Millisecond, 4*time.Second)
			select {
			case <-time.After(delay):
			case <-callCtx.Done():
				return nil, callCtx.Err()
			}
		}

		result, toolErr, err := client.CallTool(callCtx, name, arguments)
		if toolErr != nil {
			return nil, toolErr
		}
		if err == nil {
			return result, nil
		}

		lastErr = err
		if providerclient.Classify(err) != providerclient.Retry {
			return nil, err
		}
	}
	return nil, lastErr
}

func (inv *Invoker) failResult(req Request, providerID string, start time.Time, sentinel error, detail string) Result {
	kind := orcherr.Kind(sentinel)
	payload := map[string]any{"error": map[string]any{"message": detail, "kind": kind}}
	return Result{
		Lineage: sessionstore.LineageRecord{
			ToolName:      req.ToolName,
			ProviderID:    providerID,
			Arguments:     req.Arguments,
			ResultSummary: detail,
			Result:        payload,
			Timestamp:     time.Now(),
			Outcome:       sessionstore.OutcomeError,
			ErrorKind:     kind,
			DurationMs:    time.Since(start).Milliseconds(),
		},
		ResultForModel: payload,
	}
}

// withAccessContext returns a copy of arguments with access_context
// populated, per §6.1: "The arguments object MUST include an
// access_context sub-object containing at minimum {user_id, roles}"
// (Testable Property 12: a call that omits it is augmented, not rejected).
func withAccessContext(arguments map[string]any, access accessfilter.AccessContext) map[string]any {
	out := make(map[string]any, len(arguments)+1)
	for k, v := range arguments {
		out[k] = v
	}
	out["access_context"] = map[string]any{
		"user_id": access.UserID,
		"roles":   access.Roles,
	}
	return out
}

func summarize(v any) string {
	return fmt.Sprintf("%v", v)
}

package meander

import (
	"log/slog"
	"sync"
	"time"

	"github.com/meanderhq/meander-go/internal/clock"
	"github.com/meanderhq/meander-go/internal/event"
	"github.com/meanderhq/meander-go/internal/runner"
	"github.com/meanderhq/meander-go/internal/value"
)

// Identity supplies the current user identity. The SDK reads the distinct
// id on every tracked event and writes it back when Identify completes a
// transition. Implementations must be safe for concurrent use.
type Identity interface {
	DistinctID() string
	SetDistinctID(id string)
	SetUserProperties(props Properties)
}

// Enricher layers ambient properties (app version, device, locale) under
// each event's custom properties. Custom keys win on collision.
type Enricher interface {
	EnrichedProperties(custom Properties) Properties
}

// ConditionEnv is the data a condition is evaluated against.
type ConditionEnv struct {
	// Event is the event that prompted the evaluation; nil when a timer
	// or signal re-check drove it.
	Event *Event
	// JourneyID, Context, and Values are populated when the condition
	// guards a running journey: Context is the trigger event's property
	// snapshot, Values is the journey's live view model.
	JourneyID string
	Context   Properties
	Values    Properties
	// DistinctID is the user the condition concerns.
	DistinctID string
	// Queries runs behavioral queries against the local event log.
	Queries *Queries
}

// ConditionEvaluator decides campaign trigger audiences, goal conditions,
// and waitUntil conditions. The condition document comes through exactly
// as written in the campaign definition; its language is the host's
// choice. Errors fail closed: the condition counts as not met.
type ConditionEvaluator interface {
	Evaluate(condition Properties, env ConditionEnv) (bool, error)
}

// RemoteCaller executes remote actions. Returned errors are retried on
// the action backoff; wrap with Permanent to exit the journey instead.
type RemoteCaller interface {
	Call(endpoint string, params Properties) error
}

// FilterFunc drops event properties by key or value. Return false to
// drop the entry.
type FilterFunc func(key string, v any) bool

// Config wires a Client. DatabasePath plus either Endpoint or Transport
// is the minimum; everything else has a default or is optional.
type Config struct {
	// DatabasePath is the SQLite file backing the event log and journey
	// snapshots. Required.
	DatabasePath string

	// Endpoint is the backend base URL for the default HTTP transport.
	// APIKey rides along as the X-Api-Key header.
	Endpoint string
	APIKey   string
	// Transport replaces the HTTP transport entirely; Endpoint and
	// APIKey are then ignored.
	Transport Transport

	// Identity defaults to an in-memory identity starting on a
	// generated anonymous id.
	Identity Identity
	// Sessions scopes events to sessions. Optional.
	Sessions Sessions
	// Enricher adds ambient properties to every event. Optional.
	Enricher Enricher
	// Evaluator decides campaign conditions. Optional; without it any
	// condition-carrying trigger, goal, or wait never passes.
	Evaluator ConditionEvaluator
	// Navigator is the presentation layer journeys drive. Optional for
	// headless use.
	Navigator Navigator
	// Assignments supplies server-side experiment assignments.
	// Optional; experiments without one assign locally.
	Assignments Assignments
	// Remote executes remote actions. Optional; remote actions without
	// one fail their journey.
	Remote RemoteCaller

	// Transform rewrites or vetoes events after enrichment and
	// filtering. Optional.
	Transform TransformFunc
	// Filter drops properties before Transform runs. Optional.
	Filter FilterFunc

	// Campaigns are definition documents activated during New, before
	// suspended journeys are restored. ActivateCampaign adds more later.
	Campaigns [][]byte

	// Delivery tuning. Zero fields use the queue defaults.
	FlushAt        int
	FlushInterval  time.Duration
	MaxQueueSize   int
	MaxBatchSize   int
	MaxRetries     int
	RetryBaseDelay time.Duration

	// ActionRetryDelay paces retries of failed journey actions.
	ActionRetryDelay time.Duration

	// MaxScan bounds how many events one behavioral query examines.
	MaxScan int

	// Retention. When either is set, events beyond the newest
	// MaxEventCount or older than MaxEventAge are purged during New.
	MaxEventCount int
	MaxEventAge   time.Duration

	Logger *slog.Logger

	// Test seams, reachable from this package's tests only.
	clock clock.Clock
	ids   event.IDGenerator
}

func (c Config) validate() error {
	if c.DatabasePath == "" {
		return configErr("new", "database path is required")
	}
	if c.Transport == nil && c.Endpoint == "" {
		return configErr("new", "endpoint or transport is required")
	}
	return nil
}

// memoryIdentity is the default identity: an anonymous generated id that
// Identify later replaces. User properties are held but unused locally;
// they ride to the backend on the identify event.
type memoryIdentity struct {
	mu    sync.Mutex
	id    string
	props value.Object
}

func (m *memoryIdentity) DistinctID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

func (m *memoryIdentity) SetDistinctID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = id
}

func (m *memoryIdentity) SetUserProperties(props value.Object) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.props = value.Merge(m.props, props)
}

// The adapters below translate between the public Properties surface and
// the internal value representation.

type identityAdapter struct {
	i Identity
}

func (a identityAdapter) DistinctID() string { return a.i.DistinctID() }

func (a identityAdapter) SetDistinctID(id string) { a.i.SetDistinctID(id) }

func (a identityAdapter) SetUserProperties(props value.Object) {
	a.i.SetUserProperties(props.Native())
}

type enricherAdapter struct {
	e Enricher
}

func (a enricherAdapter) EnrichedProperties(custom value.Object) value.Object {
	return value.Sanitize(a.e.EnrichedProperties(custom.Native()))
}

type evaluatorAdapter struct {
	e       ConditionEvaluator
	queries *Queries
}

func (a evaluatorAdapter) Evaluate(cond value.Object, env runner.Env) (bool, error) {
	out := ConditionEnv{Queries: a.queries}
	if env.Event != nil {
		out.Event = env.Event
		out.DistinctID = env.Event.DistinctID
	}
	if env.Journey != nil {
		out.JourneyID = env.Journey.ID
		out.DistinctID = env.Journey.DistinctID
		out.Context = env.Journey.Context.Native()
		out.Values = env.Journey.Flow.ViewModel.Native()
	}
	return a.e.Evaluate(cond.Native(), out)
}

type remoteAdapter struct {
	r RemoteCaller
}

func (a remoteAdapter) Call(endpoint string, params value.Object) error {
	return a.r.Call(endpoint, params.Native())
}

func filterAdapter(f FilterFunc) func(key string, v value.Value) bool {
	if f == nil {
		return nil
	}
	return func(key string, v value.Value) bool {
		return f(key, value.Native(v))
	}
}

// Permanent marks a collaborator error as non-retryable: the journey
// whose action failed exits with reason "error" instead of retrying.
func Permanent(err error) error {
	return runner.Permanent(err)
}

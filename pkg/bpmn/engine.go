package bpmn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/abada-io/abada-engine/pkg/bpmn/model/flow"
	"github.com/abada-io/abada-engine/pkg/bpmn/runtime"
	"github.com/abada-io/abada-engine/pkg/script"
	"github.com/abada-io/abada-engine/pkg/storage"
)

const (
	defaultTimerPollInterval = 1 * time.Second
	defaultTaskRetries       = 3

	// terminalCacheSize bounds the cache of recently finished instance keys
	// used to reject late callbacks without a storage round trip.
	terminalCacheSize = 4096
	terminalCacheTTL  = 10 * time.Minute
)

// DelegateFunc is an embedded service task handler. It runs synchronously on
// the advancing goroutine; variables written into the holder are propagated
// into the instance scope when the handler returns without error.
type DelegateFunc func(ctx context.Context, variables *runtime.VariableHolder) error

type Engine struct {
	name        string
	logger      hclog.Logger
	snowflake   *snowflake.Node
	persistence storage.Storage
	evaluator   *expressionEvaluator
	scripts     *script.JsRuntime
	metrics     *engineMetrics

	delegatesMu sync.RWMutex
	delegates   map[string]DelegateFunc

	// instanceLocks serializes all mutations of one process instance; the
	// engine is a single writer per instance key. Entries are reference
	// counted and dropped once the last holder releases.
	instanceLocksMu sync.Mutex
	instanceLocks   map[int64]*instanceLock

	// terminalInstances remembers keys that recently reached a terminal
	// state so that stale worker callbacks and timer fires can be rejected
	// cheaply.
	terminalInstances *lru.LRU[int64, runtime.InstanceState]

	timerManager      *timerManager
	timerPollInterval time.Duration
	defaultRetries    int

	scriptCtx       context.Context
	scriptCtxCancel context.CancelFunc
}

type EngineOption = func(*Engine)

// NewEngine creates a new engine instance. Without options it runs on an
// in-process snowflake generator, the default logger and no persistence;
// EngineWithStorage is effectively mandatory for any real use.
func NewEngine(options ...EngineOption) *Engine {
	name := fmt.Sprintf("abada-engine-%d", getGlobalSnowflakeIdGenerator().Generate().Int64())
	scriptCtx, scriptCancel := context.WithCancel(context.Background())
	engine := Engine{
		name:              name,
		logger:            hclog.Default().Named("bpmn-engine"),
		snowflake:         getGlobalSnowflakeIdGenerator(),
		evaluator:         newExpressionEvaluator(),
		metrics:           newEngineMetrics(),
		delegates:         map[string]DelegateFunc{},
		instanceLocks:     map[int64]*instanceLock{},
		terminalInstances: lru.NewLRU[int64, runtime.InstanceState](terminalCacheSize, nil, terminalCacheTTL),
		defaultRetries:    defaultTaskRetries,
		scriptCtx:         scriptCtx,
		scriptCtxCancel:   scriptCancel,
	}
	engine.scripts = script.NewJsRuntime(scriptCtx, 10, 1)

	for _, option := range options {
		option(&engine)
	}

	engine.timerManager = newTimerManager(
		engine.fireTimer,
		engine.pollDueTimers,
		engine.timerPollIntervalOrDefault(),
		engine.logger,
	)
	return &engine
}

func EngineWithStorage(persistence storage.Storage) EngineOption {
	return func(engine *Engine) {
		engine.persistence = persistence
	}
}

func EngineWithName(name string) EngineOption {
	return func(engine *Engine) {
		engine.name = name
	}
}

func EngineWithLogger(logger hclog.Logger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

func EngineWithDefaultRetries(retries int) EngineOption {
	return func(engine *Engine) {
		engine.defaultRetries = retries
	}
}

// EngineWithTimerPollInterval overrides how often the timer manager scans
// storage for due timers.
func EngineWithTimerPollInterval(interval time.Duration) EngineOption {
	return func(engine *Engine) {
		engine.timerPollInterval = interval
	}
}

func (engine *Engine) timerPollIntervalOrDefault() time.Duration {
	if engine.timerPollInterval <= 0 {
		return defaultTimerPollInterval
	}
	return engine.timerPollInterval
}

// Name returns the name of the engine, only useful in case you control multiple ones
func (engine *Engine) Name() string {
	return engine.name
}

// Start launches the background timer manager. It must be paired with Stop.
func (engine *Engine) Start() {
	engine.timerManager.start()
}

func (engine *Engine) Stop() {
	engine.timerManager.stop()
	engine.scriptCtxCancel()
}

// RegisterDelegate binds an embedded service task handler to a delegate
// reference. Registering the same ref twice replaces the previous handler.
func (engine *Engine) RegisterDelegate(ref string, handler DelegateFunc) {
	engine.delegatesMu.Lock()
	defer engine.delegatesMu.Unlock()
	engine.delegates[ref] = handler
}

func (engine *Engine) delegate(ref string) (DelegateFunc, bool) {
	engine.delegatesMu.RLock()
	defer engine.delegatesMu.RUnlock()
	h, ok := engine.delegates[ref]
	return h, ok
}

// Deploy validates the definition graph and stores it. Deploying a definition
// with an id that already exists replaces the previous graph; instances are
// relinked to the latest graph when loaded, so a replacement must keep the
// node ids its parked tokens and wait points reference.
func (engine *Engine) Deploy(ctx context.Context, definition *flow.Definition) error {
	if err := definition.Prepare(); err != nil {
		return errors.Join(newEngineErrorf("invalid process definition"), err)
	}
	if err := engine.persistence.SaveProcessDefinition(ctx, definition); err != nil {
		return errors.Join(newEngineErrorf("failed to store process definition %s", definition.Id), err)
	}
	engine.logger.Info("deployed process definition", "definitionId", definition.Id, "nodes", len(definition.Nodes))
	return nil
}

// FindProcessDefinition returns the stored graph for the given definition id.
func (engine *Engine) FindProcessDefinition(ctx context.Context, definitionId string) (*flow.Definition, error) {
	return engine.persistence.FindProcessDefinitionById(ctx, definitionId)
}

func (engine *Engine) FindProcessDefinitions(ctx context.Context) ([]*flow.Definition, error) {
	return engine.persistence.FindProcessDefinitions(ctx)
}

// StartInstanceById creates a new instance of the given definition and
// advances it from the start event until every token reaches a wait point or
// the instance completes.
// Might return EngineError, when no definition with given id was found.
func (engine *Engine) StartInstanceById(ctx context.Context, definitionId string, variables map[string]interface{}, startedBy string) (runtime.ProcessInstance, error) {
	definition, err := engine.persistence.FindProcessDefinitionById(ctx, definitionId)
	if err != nil {
		return runtime.ProcessInstance{}, errors.Join(newEngineErrorf("no process with id=%s was found (prior deployed into the engine)", definitionId), err)
	}

	instance := runtime.ProcessInstance{
		Key:          engine.generateKey(),
		DefinitionId: definition.Id,
		Definition:   definition,
		Variables:    variables,
		State:        runtime.InstanceStateRunning,
		StartedBy:    startedBy,
		CreatedAt:    time.Now(),
	}

	unlock := engine.lockInstance(instance.Key)
	defer unlock()

	advErr := engine.advanceFrom(ctx, &instance, definition.StartNodeId())
	if err := engine.saveInstance(ctx, &instance); err != nil {
		return instance, err
	}
	engine.metrics.instancesStarted.Inc()
	if advErr != nil {
		return instance, errors.Join(newEngineErrorf("failed to run process instance %d", instance.Key), advErr)
	}
	return instance, nil
}

// FindProcessInstance searches for a given processInstanceKey and returns the
// instance snapshot with its definition graph relinked.
func (engine *Engine) FindProcessInstance(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	return engine.loadInstance(ctx, processInstanceKey)
}

func (engine *Engine) FindProcessInstances(ctx context.Context) ([]runtime.ProcessInstance, error) {
	return engine.persistence.FindProcessInstances(ctx)
}

// SuspendInstance pauses the instance: tokens stay parked and every resume
// trigger (task completion, correlation, timer fire, worker callback) is
// rejected until ResumeInstance.
func (engine *Engine) SuspendInstance(ctx context.Context, processInstanceKey int64) error {
	unlock := engine.lockInstance(processInstanceKey)
	defer unlock()

	instance, err := engine.loadInstance(ctx, processInstanceKey)
	if err != nil {
		return err
	}
	if instance.IsTerminal() {
		return newEngineErrorf("cannot suspend process instance %d in terminal state %s", processInstanceKey, instance.State)
	}
	if instance.Suspended {
		return nil
	}
	instance.Suspended = true
	instance.State = runtime.InstanceStateSuspended
	return engine.saveInstance(ctx, &instance)
}

// ResumeInstance lifts a suspension. Wait points that fired while suspended
// are not replayed; the instance simply becomes receptive again.
func (engine *Engine) ResumeInstance(ctx context.Context, processInstanceKey int64) error {
	unlock := engine.lockInstance(processInstanceKey)
	defer unlock()

	instance, err := engine.loadInstance(ctx, processInstanceKey)
	if err != nil {
		return err
	}
	if instance.IsTerminal() {
		return newEngineErrorf("cannot resume process instance %d in terminal state %s", processInstanceKey, instance.State)
	}
	if !instance.Suspended {
		return nil
	}
	instance.Suspended = false
	instance.State = runtime.InstanceStateRunning
	return engine.saveInstance(ctx, &instance)
}

// CancelInstance terminates the instance, cancels its open user tasks and
// drops its timers, subscriptions and external task jobs.
func (engine *Engine) CancelInstance(ctx context.Context, processInstanceKey int64, reason string) error {
	unlock := engine.lockInstance(processInstanceKey)
	defer unlock()

	instance, err := engine.loadInstance(ctx, processInstanceKey)
	if err != nil {
		return err
	}
	if instance.IsTerminal() {
		return newEngineErrorf("cannot cancel process instance %d in terminal state %s", processInstanceKey, instance.State)
	}
	now := time.Now()
	instance.State = runtime.InstanceStateCancelled
	instance.Suspended = false
	instance.CancelReason = reason
	instance.EndedAt = &now
	instance.ActiveTokens = nil
	instance.JoinArrivals = nil

	if err := engine.cancelOpenWork(ctx, &instance, now); err != nil {
		return err
	}
	if err := engine.saveInstance(ctx, &instance); err != nil {
		return err
	}
	engine.logger.Info("cancelled process instance", "processInstanceKey", processInstanceKey, "reason", reason)
	return nil
}

// cancelOpenWork closes every wait point owned by the instance.
func (engine *Engine) cancelOpenWork(ctx context.Context, instance *runtime.ProcessInstance, now time.Time) error {
	tasks, err := engine.persistence.FindTasksByProcessInstance(ctx, instance.Key)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if !t.IsOpen() {
			continue
		}
		t.State = runtime.TaskStateCancelled
		t.EndedAt = &now
		if err := engine.persistence.SaveTask(ctx, t); err != nil {
			return err
		}
	}
	timers, err := engine.persistence.FindTimersByProcessInstance(ctx, instance.Key)
	if err != nil {
		return err
	}
	for _, t := range timers {
		if err := engine.persistence.DeleteTimer(ctx, t.Key); err != nil {
			return err
		}
	}
	jobs, err := engine.persistence.FindExternalTasksByProcessInstance(ctx, instance.Key)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if err := engine.persistence.DeleteExternalTask(ctx, j.Id); err != nil {
			return err
		}
	}
	subs, err := engine.persistence.FindMessageSubscriptionsByProcessInstance(ctx, instance.Key)
	if err != nil {
		return err
	}
	for _, ms := range subs {
		if err := engine.persistence.DeleteMessageSubscription(ctx, ms.Key); err != nil {
			return err
		}
	}
	return nil
}

// instanceLock is one per-instance mutex map entry. waiters counts every
// goroutine between acquire and release, holders and blocked ones alike, so
// the entry is only removed when nobody can still reference it.
type instanceLock struct {
	mu      sync.Mutex
	waiters int
}

// lockInstance acquires the per-instance mutex and returns its release func.
func (engine *Engine) lockInstance(processInstanceKey int64) func() {
	engine.instanceLocksMu.Lock()
	entry, ok := engine.instanceLocks[processInstanceKey]
	if !ok {
		entry = &instanceLock{}
		engine.instanceLocks[processInstanceKey] = entry
	}
	entry.waiters++
	engine.instanceLocksMu.Unlock()
	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		engine.instanceLocksMu.Lock()
		entry.waiters--
		if entry.waiters == 0 {
			delete(engine.instanceLocks, processInstanceKey)
		}
		engine.instanceLocksMu.Unlock()
	}
}

// loadInstance fetches the instance and relinks its definition graph.
func (engine *Engine) loadInstance(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		return instance, err
	}
	if instance.Definition == nil {
		definition, err := engine.persistence.FindProcessDefinitionById(ctx, instance.DefinitionId)
		if err != nil {
			return instance, errors.Join(newEngineErrorf("process instance %d references unknown definition %s", processInstanceKey, instance.DefinitionId), err)
		}
		instance.Definition = definition
	}
	return instance, nil
}

// saveInstance persists the snapshot and maintains the terminal cache and
// metrics on state transitions.
func (engine *Engine) saveInstance(ctx context.Context, instance *runtime.ProcessInstance) error {
	if instance.IsTerminal() && instance.EndedAt == nil {
		now := time.Now()
		instance.EndedAt = &now
	}
	if err := engine.persistence.SaveProcessInstance(ctx, *instance); err != nil {
		return errors.Join(newEngineErrorf("failed to save process instance %d", instance.Key), err)
	}
	if instance.IsTerminal() {
		engine.terminalInstances.Add(instance.Key, instance.State)
		switch instance.State {
		case runtime.InstanceStateCompleted:
			engine.metrics.instancesCompleted.Inc()
		case runtime.InstanceStateFailed:
			engine.metrics.instancesFailed.Inc()
		}
	}
	return nil
}

// knownTerminal reports a cached terminal state for the key, avoiding a
// storage read for late callbacks. A cache miss proves nothing.
func (engine *Engine) knownTerminal(processInstanceKey int64) (runtime.InstanceState, bool) {
	return engine.terminalInstances.Get(processInstanceKey)
}

package experiment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// weightTolerance is the allowed deviation when variant weights are summed.
const weightTolerance = 1e-3

// MetricsRecorder receives engine counters. Implemented by
// internal/metrics.Collector; a nil recorder disables instrumentation.
type MetricsRecorder interface {
	RecordTestTransition(testID, from, to string)
	RecordAssignment(testID, variantID string)
	RecordResult(testID, metric string)
	RecordAnalysis(testID, recommendation string, duration time.Duration)
	RecordAutoStop(testID, recommendation string)
}

// Engine 实验引擎
// Constructed explicitly with its configuration and store and injected into
// callers; Start and Close bracket the background scheduler so shutdown is
// deterministic.
type Engine struct {
	cfg      Config
	store    Store
	analyzer *Analyzer
	bus      *EventBus
	audit    *AuditLogger
	metrics  MetricsRecorder
	logger   *zap.Logger

	// limiter bounds count-triggered re-analyses so a burst of result
	// writes cannot stampede the analyzer.
	limiter *rate.Limiter

	// mu serializes test mutation so lifecycle checks and writes are atomic.
	mu sync.Mutex

	sched   *scheduler
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// Option 引擎可选配置
type Option func(*Engine)

// WithMetrics attaches a metrics recorder to the engine.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAnalysisRateLimit overrides the limiter for count-triggered analyses.
func WithAnalysisRateLimit(limit rate.Limit, burst int) Option {
	return func(e *Engine) { e.limiter = rate.NewLimiter(limit, burst) }
}

// NewEngine 创建实验引擎
func NewEngine(cfg Config, store Store, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		cfg:      cfg,
		store:    store,
		analyzer: NewAnalyzer(cfg.MinTestDuration, logger),
		bus:      NewEventBus(logger),
		audit:    NewAuditLogger(logger, cfg.AuditLogging, cfg.AnonymizeData),
		logger:   logger.With(zap.String("component", "experiment_engine")),
		limiter:  rate.NewLimiter(rate.Every(time.Second), 4),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Events exposes the engine's event bus for subscribers.
func (e *Engine) Events() *EventBus { return e.bus }

// Start launches the periodic analysis scheduler. It is a no-op when the
// engine is disabled or the interval is not positive.
func (e *Engine) Start(ctx context.Context) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}
	if !e.cfg.Enabled || e.cfg.AutoAnalysisInterval <= 0 {
		return nil
	}

	e.sched = newScheduler(e, e.cfg.AutoAnalysisInterval, e.retentionWindow(), e.logger)
	e.sched.start(ctx)
	e.logger.Info("experiment engine started",
		zap.Duration("auto_analysis_interval", e.cfg.AutoAnalysisInterval))
	return nil
}

// Close stops the scheduler, waits for in-flight triggered analyses and
// shuts down the event bus. The store is owned by the caller and not closed.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.sched != nil {
		e.sched.stop()
	}
	e.wg.Wait()
	e.bus.Close()
	e.logger.Info("experiment engine closed")
	return nil
}

// =============================================================================
// Test lifecycle
// =============================================================================

// CreateTest validates the spec and persists a new draft test.
func (e *Engine) CreateTest(ctx context.Context, spec *TestSpec) (*Test, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if spec == nil {
		return nil, fmt.Errorf("%w: spec is nil", ErrInvalidInput)
	}
	if err := validateVariants(spec.Variants); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	running, err := e.store.ListTests(ctx, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list running tests: %w", err)
	}
	if len(running) >= e.cfg.MaxConcurrentTests {
		return nil, fmt.Errorf("%w: %d running, limit %d",
			ErrMaxConcurrentTests, len(running), e.cfg.MaxConcurrentTests)
	}

	now := time.Now()
	test := &Test{
		ID:          spec.ID,
		Name:        spec.Name,
		Description: spec.Description,
		Type:        spec.Type,
		Status:      StatusDraft,
		Variants:    append([]Variant(nil), spec.Variants...),
		Targeting:   TargetingRules{Percentage: 100},
		Metrics:     e.metricDefaults(spec.Metrics),
		MaxDuration: spec.MaxDuration,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if test.ID == "" {
		test.ID = uuid.New().String()
	}
	if spec.Targeting != nil {
		test.Targeting = *spec.Targeting
	}

	if err := e.store.SaveTest(ctx, test); err != nil {
		return nil, fmt.Errorf("save test: %w", err)
	}

	e.audit.Record("create_test", test.ID, "",
		zap.String("name", test.Name),
		zap.Int("variants", len(test.Variants)))
	e.publish(Event{Type: EventTestCreated, TestID: test.ID})
	if e.metrics != nil {
		e.metrics.RecordTestTransition(test.ID, "", string(StatusDraft))
	}
	e.logger.Info("test created",
		zap.String("test_id", test.ID),
		zap.String("name", test.Name),
		zap.Int("variants", len(test.Variants)))

	return test, nil
}

// UpdateTest applies a partial update. Variants may only change in draft.
func (e *Engine) UpdateTest(ctx context.Context, id string, update *TestUpdate) (*Test, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if update == nil {
		return nil, fmt.Errorf("%w: update is nil", ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	test, err := e.getTest(ctx, id)
	if err != nil {
		return nil, err
	}

	if update.Variants != nil {
		if test.Status != StatusDraft {
			return nil, fmt.Errorf("%w: test %s is %s", ErrVariantsFrozen, id, test.Status)
		}
		if err := validateVariants(update.Variants); err != nil {
			return nil, err
		}
		test.Variants = append([]Variant(nil), update.Variants...)
	}
	if update.Name != nil {
		test.Name = *update.Name
	}
	if update.Description != nil {
		test.Description = *update.Description
	}
	if update.Targeting != nil {
		test.Targeting = *update.Targeting
	}
	if update.Metrics != nil {
		test.Metrics = e.metricDefaults(update.Metrics)
	}
	if update.MaxDuration != nil {
		test.MaxDuration = *update.MaxDuration
	}
	test.UpdatedAt = time.Now()

	if err := e.store.SaveTest(ctx, test); err != nil {
		return nil, fmt.Errorf("save test: %w", err)
	}

	e.audit.Record("update_test", test.ID, "")
	return test, nil
}

// StartTest moves a draft test to running and stamps the start date.
func (e *Engine) StartTest(ctx context.Context, id string) (*Test, error) {
	test, err := e.transition(ctx, id, []TestStatus{StatusDraft}, StatusRunning, true, func(t *Test) {
		now := time.Now()
		t.StartedAt = &now
	})
	if err != nil {
		return nil, err
	}

	e.audit.Record("start_test", test.ID, "")
	e.publish(Event{Type: EventTestStarted, TestID: test.ID})
	e.logger.Info("test started", zap.String("test_id", test.ID))
	return test, nil
}

// PauseTest suspends assignment for a running test.
func (e *Engine) PauseTest(ctx context.Context, id string) (*Test, error) {
	test, err := e.transition(ctx, id, []TestStatus{StatusRunning}, StatusPaused, false, nil)
	if err != nil {
		return nil, err
	}
	e.audit.Record("pause_test", test.ID, "")
	e.logger.Info("test paused", zap.String("test_id", test.ID))
	return test, nil
}

// ResumeTest returns a paused test to running.
func (e *Engine) ResumeTest(ctx context.Context, id string) (*Test, error) {
	test, err := e.transition(ctx, id, []TestStatus{StatusPaused}, StatusRunning, false, nil)
	if err != nil {
		return nil, err
	}
	e.audit.Record("resume_test", test.ID, "")
	e.logger.Info("test resumed", zap.String("test_id", test.ID))
	return test, nil
}

// StopTest terminates a running or paused test. The reason selects the
// terminal status: completed or cancelled. Already-returned assignments stay
// valid and in-flight result recording still succeeds; only new assignments
// cease.
func (e *Engine) StopTest(ctx context.Context, id string, reason StopReason) (*Test, error) {
	var target TestStatus
	switch reason {
	case StopReasonCompleted:
		target = StatusCompleted
	case StopReasonCancelled:
		target = StatusCancelled
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStopReason, reason)
	}

	test, err := e.transition(ctx, id, []TestStatus{StatusRunning, StatusPaused}, target, false, func(t *Test) {
		now := time.Now()
		t.EndedAt = &now
		t.StopReason = reason
	})
	if err != nil {
		return nil, err
	}

	e.audit.Record("stop_test", test.ID, "", zap.String("reason", string(reason)))
	e.publish(Event{Type: EventTestStopped, TestID: test.ID,
		Payload: map[string]any{"reason": string(reason)}})
	e.logger.Info("test stopped",
		zap.String("test_id", test.ID),
		zap.String("reason", string(reason)))
	return test, nil
}

// GetTest 获取测试定义
func (e *Engine) GetTest(ctx context.Context, id string) (*Test, error) {
	return e.getTest(ctx, id)
}

// ListTests 列出测试，可按状态过滤
func (e *Engine) ListTests(ctx context.Context, statuses ...TestStatus) ([]*Test, error) {
	return e.store.ListTests(ctx, statuses...)
}

// transition performs a checked state change under the engine lock.
func (e *Engine) transition(ctx context.Context, id string, from []TestStatus, to TestStatus, capacityCheck bool, mutate func(*Test)) (*Test, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	test, err := e.getTest(ctx, id)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, status := range from {
		if test.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, test.Status, to)
	}

	if capacityCheck && to == StatusRunning {
		running, err := e.store.ListTests(ctx, StatusRunning)
		if err != nil {
			return nil, fmt.Errorf("list running tests: %w", err)
		}
		if len(running) >= e.cfg.MaxConcurrentTests {
			return nil, fmt.Errorf("%w: %d running, limit %d",
				ErrMaxConcurrentTests, len(running), e.cfg.MaxConcurrentTests)
		}
	}

	previous := test.Status
	test.Status = to
	test.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(test)
	}

	if err := e.store.SaveTest(ctx, test); err != nil {
		return nil, fmt.Errorf("save test: %w", err)
	}
	if e.metrics != nil {
		e.metrics.RecordTestTransition(test.ID, string(previous), string(to))
	}
	return test, nil
}

// =============================================================================
// Assignment
// =============================================================================

// AssignUser returns the user's variant assignment for a test, creating it
// on the first eligible request. Returns nil without error when the test is
// not running or the user is not eligible; an ineligible user may still pass
// on a later call if the context changes.
func (e *Engine) AssignUser(ctx context.Context, userID, testID string, evalCtx map[string]any, sessionID string) (*Assignment, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if userID == "" || testID == "" {
		return nil, fmt.Errorf("%w: user and test IDs are required", ErrInvalidInput)
	}

	test, err := e.getTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test.Status != StatusRunning {
		return nil, nil
	}

	// Memoized: the first assignment wins for the lifetime of the test,
	// even if the targeting context changes afterwards.
	if existing, err := e.store.GetAssignment(ctx, testID, userID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrStoreNotFound) {
		return nil, fmt.Errorf("get assignment: %w", err)
	}

	if !IsEligible(userID, test, evalCtx) {
		return nil, nil
	}

	variant := pickVariant(test.Variants, BucketValue(assignmentSeed(testID, userID)))
	assignment := &Assignment{
		ID:         uuid.New().String(),
		TestID:     testID,
		VariantID:  variant.ID,
		UserID:     userID,
		SessionID:  sessionID,
		Context:    copyMap(evalCtx),
		AssignedAt: time.Now(),
	}

	stored, created, err := e.store.CreateAssignment(ctx, assignment)
	if err != nil {
		return nil, fmt.Errorf("create assignment: %w", err)
	}
	if created {
		e.audit.Record("assign", testID, userID, zap.String("variant_id", variant.ID))
		e.publish(Event{Type: EventUserAssigned, TestID: testID, UserID: userID, VariantID: variant.ID})
		if e.metrics != nil {
			e.metrics.RecordAssignment(testID, variant.ID)
		}
		e.logger.Debug("user assigned",
			zap.String("test_id", testID),
			zap.String("variant_id", variant.ID))
	}
	return stored, nil
}

// GetVariantConfig returns the configuration of the variant the user is
// assigned to, or nil when no assignment exists.
func (e *Engine) GetVariantConfig(ctx context.Context, userID, testID string) (map[string]any, error) {
	assignment, err := e.store.GetAssignment(ctx, testID, userID)
	if errors.Is(err, ErrStoreNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}

	test, err := e.getTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	variant := test.Variant(assignment.VariantID)
	if variant == nil {
		return nil, nil
	}
	return copyMap(variant.Config), nil
}

// pickVariant walks variants in declared order accumulating weight and picks
// the first whose cumulative share covers the draw. The draw is scaled by
// the total weight so slightly off-unit sums still partition fully; the last
// variant absorbs floating-point edges.
func pickVariant(variants []Variant, draw float64) *Variant {
	var total float64
	for i := range variants {
		total += variants[i].Weight
	}

	threshold := draw * total
	var cumulative float64
	for i := range variants {
		cumulative += variants[i].Weight
		if threshold < cumulative {
			return &variants[i]
		}
	}
	return &variants[len(variants)-1]
}

// =============================================================================
// Result recording
// =============================================================================

// RecordResult appends an outcome measurement for an assigned user. Users
// without a prior assignment are rejected: a result cannot exist without the
// variant the user actually experienced. Every AnalysisBatchSize-th result
// for a test triggers an asynchronous re-analysis.
func (e *Engine) RecordResult(ctx context.Context, testID, userID, metric string, value float64, evalCtx map[string]any, sessionID string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if testID == "" || userID == "" || metric == "" {
		return fmt.Errorf("%w: test, user and metric are required", ErrInvalidInput)
	}

	if _, err := e.getTest(ctx, testID); err != nil {
		return err
	}

	assignment, err := e.store.GetAssignment(ctx, testID, userID)
	if errors.Is(err, ErrStoreNotFound) {
		return fmt.Errorf("%w: user %q in test %q", ErrNotAssigned, userID, testID)
	}
	if err != nil {
		return fmt.Errorf("get assignment: %w", err)
	}

	result := &Result{
		ID:         uuid.New().String(),
		TestID:     testID,
		VariantID:  assignment.VariantID,
		UserID:     userID,
		SessionID:  sessionID,
		Metric:     metric,
		Value:      value,
		Context:    copyMap(evalCtx),
		RecordedAt: time.Now(),
	}

	total, err := e.store.AppendResult(ctx, result)
	if err != nil {
		return fmt.Errorf("append result: %w", err)
	}

	e.audit.Record("record_result", testID, userID,
		zap.String("metric", metric),
		zap.Float64("value", value))
	e.publish(Event{Type: EventResultRecorded, TestID: testID, UserID: userID,
		VariantID: assignment.VariantID,
		Payload:   map[string]any{"metric": metric, "value": value}})
	if e.metrics != nil {
		e.metrics.RecordResult(testID, metric)
	}

	if e.cfg.AnalysisBatchSize > 0 && total%int64(e.cfg.AnalysisBatchSize) == 0 {
		e.triggerAnalysis(testID)
	}
	return nil
}

// triggerAnalysis fires an asynchronous auto-analysis, rate limited so
// hot tests do not recompute statistics on every batch boundary.
func (e *Engine) triggerAnalysis(testID string) {
	if e.closed.Load() || !e.limiter.Allow() {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.autoAnalyze(context.Background(), testID)
	}()
}

// =============================================================================
// Analysis
// =============================================================================

// AnalyzeTest computes the statistical snapshot for a test.
func (e *Engine) AnalyzeTest(ctx context.Context, testID string) (*Analysis, error) {
	test, err := e.getTest(ctx, testID)
	if err != nil {
		return nil, err
	}

	results, err := e.store.ListResults(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}

	started := time.Now()
	analysis := e.analyzer.Analyze(test, results, started)

	e.audit.Record("analyze_test", testID, "",
		zap.String("recommendation", string(analysis.Recommendation)))
	e.publish(Event{Type: EventAnalysisCompleted, TestID: testID,
		Payload: map[string]any{"recommendation": string(analysis.Recommendation)}})
	if e.metrics != nil {
		e.metrics.RecordAnalysis(testID, string(analysis.Recommendation), time.Since(started))
	}
	return analysis, nil
}

// autoAnalyze runs an analysis and routes any stop recommendation through
// the common StopTest path so state-machine invariants hold no matter which
// trigger fired.
func (e *Engine) autoAnalyze(ctx context.Context, testID string) {
	analysis, err := e.AnalyzeTest(ctx, testID)
	if err != nil {
		e.logger.Warn("auto analysis failed",
			zap.String("test_id", testID), zap.Error(err))
		return
	}

	switch analysis.Recommendation {
	case RecommendStopWinner, RecommendStopNoWinner:
		if _, err := e.StopTest(ctx, testID, StopReasonCompleted); err != nil {
			// A concurrent trigger may have stopped it first.
			if !errors.Is(err, ErrInvalidTransition) {
				e.logger.Warn("auto stop failed",
					zap.String("test_id", testID), zap.Error(err))
			}
			return
		}
		if e.metrics != nil {
			e.metrics.RecordAutoStop(testID, string(analysis.Recommendation))
		}
		e.logger.Info("test auto-stopped",
			zap.String("test_id", testID),
			zap.String("recommendation", string(analysis.Recommendation)))
	}
}

// GetTestSummary assembles the full reporting view of a test: definition,
// assignments, results, analysis and per-variant performance.
func (e *Engine) GetTestSummary(ctx context.Context, testID string) (*TestSummary, error) {
	test, err := e.getTest(ctx, testID)
	if err != nil {
		return nil, err
	}

	assignments, err := e.store.ListAssignments(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	results, err := e.store.ListResults(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}

	summary := &TestSummary{
		Test:        test,
		Assignments: assignments,
		Results:     results,
		Analysis:    e.analyzer.Analyze(test, results, time.Now()),
		Performance: buildPerformance(test, assignments, results),
	}
	return summary, nil
}

func buildPerformance(test *Test, assignments []*Assignment, results []*Result) *PerformanceSummary {
	perf := &PerformanceSummary{
		Variants: make(map[string]*VariantPerformance, len(test.Variants)),
	}
	for _, v := range test.Variants {
		perf.Variants[v.ID] = &VariantPerformance{
			VariantID:   v.ID,
			VariantName: v.Name,
			MetricMeans: make(map[string]float64),
		}
	}

	perf.Overall.TotalAssignments = len(assignments)
	for _, a := range assignments {
		if vp, ok := perf.Variants[a.VariantID]; ok {
			vp.Assignments++
		}
	}

	sums := make(map[string]map[string]float64)   // variantID -> metric -> sum
	counts := make(map[string]map[string]float64) // variantID -> metric -> n
	perf.Overall.TotalResults = len(results)
	for _, r := range results {
		vp, ok := perf.Variants[r.VariantID]
		if !ok {
			continue
		}
		vp.Results++
		if sums[r.VariantID] == nil {
			sums[r.VariantID] = make(map[string]float64)
			counts[r.VariantID] = make(map[string]float64)
		}
		sums[r.VariantID][r.Metric] += r.Value
		counts[r.VariantID][r.Metric]++
	}
	for variantID, metricSums := range sums {
		for metric, sum := range metricSums {
			perf.Variants[variantID].MetricMeans[metric] = sum / counts[variantID][metric]
		}
	}
	return perf
}

// =============================================================================
// Helpers
// =============================================================================

func (e *Engine) getTest(ctx context.Context, id string) (*Test, error) {
	test, err := e.store.GetTest(ctx, id)
	if errors.Is(err, ErrStoreNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTestNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get test: %w", err)
	}
	return test, nil
}

func (e *Engine) publish(event Event) {
	e.bus.Publish(event)
}

func (e *Engine) metricDefaults(m *MetricConfig) MetricConfig {
	out := MetricConfig{}
	if m != nil {
		out = *m
	}
	if out.MinimumSampleSize <= 0 {
		out.MinimumSampleSize = e.cfg.DefaultMinimumSampleSize
	}
	if out.SignificanceLevel <= 0 {
		out.SignificanceLevel = e.cfg.DefaultSignificanceLevel
	}
	if out.Power <= 0 {
		out.Power = e.cfg.DefaultPower
	}
	return out
}

func (e *Engine) retentionWindow() time.Duration {
	if e.cfg.RetentionPeriodDays <= 0 {
		return 0
	}
	return time.Duration(e.cfg.RetentionPeriodDays) * 24 * time.Hour
}

// validateVariants enforces the creation-time invariants: at least two
// variants, unique IDs, each weight in (0, 1], weights summing to 1 within
// tolerance.
func validateVariants(variants []Variant) error {
	if len(variants) < 2 {
		return fmt.Errorf("%w: got %d", ErrNoVariants, len(variants))
	}

	seen := make(map[string]struct{}, len(variants))
	var total float64
	for _, v := range variants {
		if v.ID == "" {
			return fmt.Errorf("%w: variant ID is required", ErrInvalidInput)
		}
		if _, dup := seen[v.ID]; dup {
			return fmt.Errorf("%w: duplicate variant ID %q", ErrInvalidInput, v.ID)
		}
		seen[v.ID] = struct{}{}
		if v.Weight <= 0 || v.Weight > 1 {
			return fmt.Errorf("%w: variant %s weight %v outside (0, 1]", ErrInvalidWeights, v.ID, v.Weight)
		}
		total += v.Weight
	}
	if math.Abs(total-1) > weightTolerance {
		return fmt.Errorf("%w: weights sum to %v, want 1", ErrInvalidWeights, total)
	}
	return nil
}

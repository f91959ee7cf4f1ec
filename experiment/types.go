package experiment

import (
	"time"
)

// TestStatus 测试状态
type TestStatus string

const (
	StatusDraft     TestStatus = "draft"
	StatusRunning   TestStatus = "running"
	StatusPaused    TestStatus = "paused"
	StatusCompleted TestStatus = "completed"
	StatusCancelled TestStatus = "cancelled"
)

// IsTerminal returns true once a test can no longer change state.
func (s TestStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// StopReason is the terminal status requested when stopping a test.
type StopReason string

const (
	StopReasonCompleted StopReason = "completed"
	StopReasonCancelled StopReason = "cancelled"
)

// Variant 实验变体
// Config carries the opaque parameters under comparison (model, prompt,
// temperature and so on); the engine never interprets it.
type Variant struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Weight    float64        `json:"weight"`
	Config    map[string]any `json:"config,omitempty"`
	IsControl bool           `json:"is_control,omitempty"`
}

// ConditionOperator 定向条件运算符
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "="
	OpNotEquals   ConditionOperator = "!="
	OpGreaterThan ConditionOperator = ">"
	OpLessThan    ConditionOperator = "<"
	OpContains    ConditionOperator = "contains"
	OpIn          ConditionOperator = "in"
)

// TargetingCondition 单个字段条件
type TargetingCondition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    any               `json:"value"`
}

// TargetingRules decides which users are eligible for a test. Gates are
// evaluated in order: percentage rollout, segment membership, then field
// conditions. All declared gates must pass.
type TargetingRules struct {
	// Percentage of traffic admitted, 0-100.
	Percentage float64 `json:"percentage"`
	// Segments, when non-empty, requires context["user_segment"] to match.
	Segments []string `json:"segments,omitempty"`
	// Conditions must all hold against the request context.
	Conditions []TargetingCondition `json:"conditions,omitempty"`
}

// MetricConfig 测试的指标与统计参数
type MetricConfig struct {
	// PrimaryMetric is the metric name the analyzer compares variants on.
	PrimaryMetric string `json:"primary_metric"`
	// MinimumSampleSize per variant before a comparison is attempted.
	MinimumSampleSize int `json:"minimum_sample_size"`
	// SignificanceLevel is the alpha threshold for rejecting no-difference.
	SignificanceLevel float64 `json:"significance_level"`
	// Power is the desired statistical power (recorded, not enforced).
	Power float64 `json:"power"`
}

// Test 实验定义
// Status transitions are monotonic except pause/resume; variants are frozen
// once the test leaves draft. Tests are never deleted, only soft-stopped.
type Test struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Type        string         `json:"type,omitempty"`
	Status      TestStatus     `json:"status"`
	Variants    []Variant      `json:"variants"`
	Targeting   TargetingRules `json:"targeting"`
	Metrics     MetricConfig   `json:"metrics"`
	// MaxDuration bounds the test window; zero means unbounded.
	MaxDuration time.Duration `json:"max_duration,omitempty"`
	StopReason  StopReason    `json:"stop_reason,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Variant returns the variant with the given ID, or nil.
func (t *Test) Variant(id string) *Variant {
	for i := range t.Variants {
		if t.Variants[i].ID == id {
			return &t.Variants[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the test.
func (t *Test) Clone() *Test {
	cp := *t
	cp.Variants = make([]Variant, len(t.Variants))
	copy(cp.Variants, t.Variants)
	for i := range cp.Variants {
		cp.Variants[i].Config = copyMap(t.Variants[i].Config)
	}
	cp.Targeting.Segments = append([]string(nil), t.Targeting.Segments...)
	cp.Targeting.Conditions = append([]TargetingCondition(nil), t.Targeting.Conditions...)
	if t.StartedAt != nil {
		started := *t.StartedAt
		cp.StartedAt = &started
	}
	if t.EndedAt != nil {
		ended := *t.EndedAt
		cp.EndedAt = &ended
	}
	return &cp
}

// TestSpec is the caller-facing definition used to create a test.
type TestSpec struct {
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Type        string          `json:"type,omitempty"`
	Variants    []Variant       `json:"variants"`
	Targeting   *TargetingRules `json:"targeting,omitempty"`
	Metrics     *MetricConfig   `json:"metrics,omitempty"`
	MaxDuration time.Duration   `json:"max_duration,omitempty"`
}

// TestUpdate is a partial update applied by UpdateTest. Nil fields are left
// untouched. Variants may only change while the test is in draft.
type TestUpdate struct {
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	Variants    []Variant       `json:"variants,omitempty"`
	Targeting   *TargetingRules `json:"targeting,omitempty"`
	Metrics     *MetricConfig   `json:"metrics,omitempty"`
	MaxDuration *time.Duration  `json:"max_duration,omitempty"`
}

// Assignment 用户与变体的持久绑定
// At most one exists per (user, test); it is created lazily on the first
// eligible request and memoized for the life of the test.
type Assignment struct {
	ID         string         `json:"id"`
	TestID     string         `json:"test_id"`
	VariantID  string         `json:"variant_id"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	AssignedAt time.Time      `json:"assigned_at"`
}

// Result 单次结果度量，仅追加
type Result struct {
	ID         string         `json:"id"`
	TestID     string         `json:"test_id"`
	VariantID  string         `json:"variant_id"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id,omitempty"`
	Metric     string         `json:"metric"`
	Value      float64        `json:"value"`
	Context    map[string]any `json:"context,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// Recommendation is the analyzer's stop/continue verdict.
type Recommendation string

const (
	RecommendContinue     Recommendation = "continue"
	RecommendStopWinner   Recommendation = "stop_winner"
	RecommendStopNoWinner Recommendation = "stop_no_winner"
	// RecommendExtendDuration is reserved for callers layering their own
	// stopping policy; the built-in ladder never emits it.
	RecommendExtendDuration Recommendation = "extend_duration"
)

// VariantStats 单变体统计
type VariantStats struct {
	VariantID          string     `json:"variant_id"`
	VariantName        string     `json:"variant_name"`
	SampleSize         int        `json:"sample_size"`
	Mean               float64    `json:"mean"`
	StdDev             float64    `json:"std_dev"`
	ConfidenceInterval [2]float64 `json:"confidence_interval"`
}

// Comparison 两变体假设检验结果
type Comparison struct {
	ControlID      string  `json:"control_id"`
	TreatmentID    string  `json:"treatment_id"`
	MeanDifference float64 `json:"mean_difference"` // treatment - control
	PValue         float64 `json:"p_value"`
	IsSignificant  bool    `json:"is_significant"`
	EffectSize     float64 `json:"effect_size"`
}

// Analysis is derived on demand from the current assignments, results and
// test configuration; it is never a source of truth.
type Analysis struct {
	TestID         string          `json:"test_id"`
	Metric         string          `json:"metric"`
	Variants       []*VariantStats `json:"variants"`
	Comparison     *Comparison     `json:"comparison,omitempty"`
	Recommendation Recommendation  `json:"recommendation"`
	TotalSamples   int             `json:"total_samples"`
	Elapsed        time.Duration   `json:"elapsed"`
	AnalyzedAt     time.Time       `json:"analyzed_at"`
}

// VariantStat returns the stats entry for a variant ID, or nil.
func (a *Analysis) VariantStat(id string) *VariantStats {
	for _, v := range a.Variants {
		if v.VariantID == id {
			return v
		}
	}
	return nil
}

// VariantPerformance 汇总中的单变体表现
type VariantPerformance struct {
	VariantID   string             `json:"variant_id"`
	VariantName string             `json:"variant_name"`
	Assignments int                `json:"assignments"`
	Results     int                `json:"results"`
	MetricMeans map[string]float64 `json:"metric_means,omitempty"`
}

// OverallPerformance 汇总中的整体表现
type OverallPerformance struct {
	TotalAssignments int `json:"total_assignments"`
	TotalResults     int `json:"total_results"`
}

// PerformanceSummary groups assignment and result volume per variant.
type PerformanceSummary struct {
	Overall  OverallPerformance             `json:"overall_performance"`
	Variants map[string]*VariantPerformance `json:"variants"`
}

// TestSummary 测试的完整快照：定义、分配、结果、分析与表现
type TestSummary struct {
	Test        *Test               `json:"test"`
	Assignments []*Assignment       `json:"assignments"`
	Results     []*Result           `json:"results"`
	Analysis    *Analysis           `json:"analysis,omitempty"`
	Performance *PerformanceSummary `json:"performance"`
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

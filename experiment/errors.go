package experiment

import "errors"

var (
	// ErrTestNotFound 测试不存在
	ErrTestNotFound = errors.New("test not found")

	// ErrNoVariants a test needs at least two variants to compare
	ErrNoVariants = errors.New("test requires at least two variants")

	// ErrInvalidWeights 变体权重无效
	ErrInvalidWeights = errors.New("invalid variant weights")

	// ErrInvalidTransition 非法的生命周期状态转换
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrVariantsFrozen variants cannot change once the test has left draft
	ErrVariantsFrozen = errors.New("variants are frozen once test leaves draft")

	// ErrMaxConcurrentTests 并发运行测试数超限
	ErrMaxConcurrentTests = errors.New("maximum concurrent running tests exceeded")

	// ErrNotAssigned a result cannot exist without a prior assignment
	ErrNotAssigned = errors.New("user has no assignment for test")

	// ErrEngineClosed 引擎已关闭
	ErrEngineClosed = errors.New("engine is closed")

	// ErrInvalidStopReason stop accepts only completed or cancelled
	ErrInvalidStopReason = errors.New("invalid stop reason")
)

// IsValidationError reports whether err belongs to the validation class of
// the engine's error taxonomy (bad weights, illegal transitions, frozen
// variants and other malformed input). Capacity, not-found and not-assigned
// failures are separate classes.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrNoVariants) ||
		errors.Is(err, ErrInvalidWeights) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrVariantsFrozen) ||
		errors.Is(err, ErrInvalidStopReason) ||
		errors.Is(err, ErrInvalidInput)
}

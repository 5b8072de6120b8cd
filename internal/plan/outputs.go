package plan

import (
	"strconv"

	xerrors "EVMQuery-Chain/internal/errors"
)

// StepOutputs 保存单次执行中每个步骤的原始返回值，每个序号只允许写入一次。
type StepOutputs struct {
	values map[int][]any
}

// NewStepOutputs 创建空的输出表。
func NewStepOutputs() *StepOutputs {
	return &StepOutputs{values: make(map[int][]any)}
}

// Set 写入步骤输出。
func (s *StepOutputs) Set(step int, values []any) error {
	if _, exists := s.values[step]; exists {
		return xerrors.New(xerrors.CodeConflict, "step output already recorded", xerrors.WithMetadata("step", strconv.Itoa(step)))
	}
	s.values[step] = values
	return nil
}

// Get 读取步骤输出。
func (s *StepOutputs) Get(step int) ([]any, bool) {
	v, ok := s.values[step]
	return v, ok
}

// Len 返回已记录的步骤数。
func (s *StepOutputs) Len() int {
	return len(s.values)
}

// ExecutionResult 是最终步骤的预期描述与实际输出。
type ExecutionResult struct {
	ExpectedOutput any `json:"expectedOutput"`
	ActualOutput   any `json:"actualOutput"`
}

// BalanceOutput 是余额类结果，Formatted 按 decimals() 缩放。
type BalanceOutput struct {
	Raw       string `json:"raw"`
	Formatted string `json:"formatted"`
}

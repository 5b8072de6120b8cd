package agent

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "EVMQuery-Chain/internal/errors"
	"EVMQuery-Chain/internal/plan"
	"EVMQuery-Chain/internal/web3"
	"EVMQuery-Chain/pkg/logger"
)

// maxTokenDecimals 之外的 decimals() 返回值视为异常，不参与格式化。
const maxTokenDecimals = 77

// Executor 逐步执行已通过评审的计划。合约地址与 ABI 在构造时固定。
type Executor struct {
	reader  web3.ContractReader
	address common.Address
	abi     abi.ABI
}

// NewExecutor 创建执行器。
func NewExecutor(reader web3.ContractReader, address common.Address, parsed abi.ABI) *Executor {
	return &Executor{reader: reader, address: address, abi: parsed}
}

// ExecutePlan 依次执行每个步骤，只返回最后一步的预期描述与实际输出。
// 任一步骤失败都会中止整个计划，不返回部分结果。
func (e *Executor) ExecutePlan(ctx context.Context, p *plan.ExecutionPlan) (*plan.ExecutionResult, error) {
	if p == nil || len(p.Steps) == 0 {
		return nil, xerrors.New(xerrors.CodeExecution, "no steps found in execution plan")
	}
	if err := p.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecution, err, "invalid execution plan: "+xerrors.MessageOf(err), metadataOf(err)...)
	}
	if e.reader == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "contract reader is not configured")
	}

	log := logger.FromContext(ctx)
	outputs := plan.NewStepOutputs()
	last := len(p.Steps) - 1
	for i, step := range p.Steps {
		log.Info("executing plan step", "step", i+1, "function", step.FunctionName, "description", step.Description)

		method, ok := e.abi.Methods[step.FunctionName]
		if !ok {
			return nil, stepFailure(i, step.FunctionName, nil, "abi function not found")
		}
		args, err := resolveInputs(method, step, outputs)
		if err != nil {
			return nil, stepFailure(i, step.FunctionName, err, "resolve inputs")
		}
		log.Debug("contract call", "address", e.address.Hex(), "function", method.Name, "args", args)

		values, err := e.reader.ReadContract(ctx, web3.ContractCall{Address: e.address, Method: method, Args: args})
		if err != nil {
			return nil, stepFailure(i, step.FunctionName, err, "contract call failed")
		}
		if err := outputs.Set(i, values); err != nil {
			return nil, stepFailure(i, step.FunctionName, err, "record step output")
		}

		if i == last {
			actual := e.present(ctx, method, values)
			log.Info("plan executed", "expected", step.ExpectedOutput.Description)
			return &plan.ExecutionResult{
				ExpectedOutput: step.ExpectedOutput.Description,
				ActualOutput:   actual,
			}, nil
		}
	}
	return nil, xerrors.New(xerrors.CodeExecution, "no steps were executed")
}

// resolveInputs 按位置把计划入参对应到 ABI 参数。引用取前序步骤的原始输出：
// 单返回值时取该值本身，多返回值时取整个列表。
func resolveInputs(method abi.Method, step plan.PlanStep, outputs *plan.StepOutputs) ([]any, error) {
	if len(step.Inputs) != len(method.Inputs) {
		return nil, fmt.Errorf("function takes %d inputs, plan provides %d", len(method.Inputs), len(step.Inputs))
	}
	args := make([]any, 0, len(step.Inputs))
	for j, in := range step.Inputs {
		value := in.Value
		if in.Ref != nil {
			raw, ok := outputs.Get(in.Ref.Step)
			if !ok {
				return nil, fmt.Errorf("input %q references output of step %d (%s) which is not available", in.Name, in.Ref.Step, in.Ref.Function)
			}
			if len(raw) == 1 {
				value = raw[0]
			} else {
				value = raw
			}
		}
		arg, err := coerceArg(method.Inputs[j].Type, value)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", nameOr(in.Name, method.Inputs[j].Name), err)
		}
		args = append(args, arg)
	}
	return args, nil
}

// present 生成展示用的输出。余额类函数返回 {raw, formatted}，
// decimals() 缺失或调用失败时 formatted 退回原始整数字符串。
func (e *Executor) present(ctx context.Context, method abi.Method, values []any) any {
	if isBalanceFunction(method.Name) && len(values) == 1 {
		if amount, ok := integerValue(values[0]); ok {
			raw := amount.String()
			formatted := raw
			if decimals, ok := e.tokenDecimals(ctx); ok {
				formatted = formatTokenAmount(raw, decimals)
			}
			return plan.BalanceOutput{Raw: raw, Formatted: formatted}
		}
	}
	return formatOutputs(method.Outputs, values)
}

func (e *Executor) tokenDecimals(ctx context.Context) (int, bool) {
	method, ok := e.abi.Methods["decimals"]
	if !ok || len(method.Inputs) != 0 {
		return 0, false
	}
	values, err := e.reader.ReadContract(ctx, web3.ContractCall{Address: e.address, Method: method})
	if err != nil || len(values) == 0 {
		logger.FromContext(ctx).Warn("failed to read token decimals", "error", err)
		return 0, false
	}
	n, ok := integerValue(values[0])
	if !ok || n.Sign() < 0 || n.Cmp(big.NewInt(maxTokenDecimals)) > 0 {
		return 0, false
	}
	return int(n.Int64()), true
}

func stepFailure(index int, function string, cause error, message string) error {
	msg := fmt.Sprintf("step %d (%s): %s", index, function, message)
	if cause != nil {
		msg += ": " + xerrors.MessageOf(cause)
	}
	return xerrors.Wrap(xerrors.CodeExecution, cause, msg,
		xerrors.WithMetadata("step", strconv.Itoa(index)),
		xerrors.WithMetadata("function", function),
	)
}

func metadataOf(err error) []xerrors.Option {
	e, ok := xerrors.From(err)
	if !ok {
		return nil
	}
	var opts []xerrors.Option
	for k, v := range e.Metadata() {
		opts = append(opts, xerrors.WithMetadata(k, v))
	}
	return opts
}

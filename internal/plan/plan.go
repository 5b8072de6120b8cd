package plan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "EVMQuery-Chain/internal/errors"
)

// Goal 是意图抽取的结果，在一次请求内不可变。
type Goal struct {
	Intent   string `json:"intent"`
	Contract string `json:"contract"`
	EOA      string `json:"eoa,omitempty"`
}

// Validate 校验意图非空且合约地址格式正确。
func (g Goal) Validate() error {
	if strings.TrimSpace(g.Intent) == "" {
		return xerrors.New(xerrors.CodeInvalidGoal, "intent is empty")
	}
	if !common.IsHexAddress(g.Contract) {
		return xerrors.New(xerrors.CodeInvalidGoal, "contract is not a valid address", xerrors.WithMetadata("contract", g.Contract))
	}
	if g.EOA != "" && !common.IsHexAddress(g.EOA) {
		return xerrors.New(xerrors.CodeInvalidGoal, "eoa is not a valid address", xerrors.WithMetadata("eoa", g.EOA))
	}
	return nil
}

// Param 描述 ABI 中的一个参数或返回值。
type Param struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// FunctionDescriptor 描述一个可只读调用的合约函数。
type FunctionDescriptor struct {
	Name            string  `json:"name"`
	Inputs          []Param `json:"inputs"`
	Outputs         []Param `json:"outputs"`
	StateMutability string  `json:"stateMutability"`
}

// ReadOnlyFunctions 从 ABI 中筛选 view/pure 函数，按名称排序。
func ReadOnlyFunctions(parsed abi.ABI) []FunctionDescriptor {
	out := make([]FunctionDescriptor, 0, len(parsed.Methods))
	for _, method := range parsed.Methods {
		if !method.IsConstant() {
			continue
		}
		mutability := method.StateMutability
		if mutability == "" {
			mutability = "view"
		}
		out = append(out, FunctionDescriptor{
			Name:            method.Name,
			Inputs:          toParams(method.Inputs),
			Outputs:         toParams(method.Outputs),
			StateMutability: mutability,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func toParams(args abi.Arguments) []Param {
	params := make([]Param, 0, len(args))
	for _, arg := range args {
		params = append(params, Param{Name: arg.Name, Type: arg.Type.String()})
	}
	return params
}

// ExpectedOutput 是步骤声明的预期输出。
type ExpectedOutput struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// StepRef 指向同一计划中更早步骤的原始输出。
type StepRef struct {
	Step     int    `json:"step"`
	Function string `json:"function,omitempty"`
}

// PlanInput 是步骤的一个入参，Value 与 Ref 二选一。
type PlanInput struct {
	Name  string   `json:"name"`
	Type  string   `json:"type"`
	Value any      `json:"value,omitempty"`
	Ref   *StepRef `json:"reference,omitempty"`
}

// PlanStep 是计划中的一次只读调用。
type PlanStep struct {
	FunctionName   string         `json:"functionName"`
	Description    string         `json:"description"`
	Inputs         []PlanInput    `json:"inputs"`
	ExpectedOutput ExpectedOutput `json:"expectedOutput"`
}

// ExecutionPlan 归属于重试循环中的单次尝试，被拒绝后整体丢弃。
type ExecutionPlan struct {
	Goal  string     `json:"goal"`
	Steps []PlanStep `json:"steps"`
}

// Critique 是评审结论。
type Critique struct {
	IsValid  bool   `json:"isValid"`
	Feedback string `json:"feedback"`
}

var (
	legacyRefPattern    = regexp.MustCompile(`(?i)^reference to (?:the )?output of step calling\s+([A-Za-z_][A-Za-z0-9_]*)`)
	retrievedRefPattern = regexp.MustCompile(`^<retrieved\s+([A-Za-z_][A-Za-z0-9_]*)>$`)
)

// rawPlan 对应模型工具调用的原始参数，reference.step 允许缺省。
type rawPlan struct {
	Goal  string `json:"goal"`
	Steps []struct {
		FunctionName   string         `json:"functionName"`
		Description    string         `json:"description"`
		ExpectedOutput ExpectedOutput `json:"expectedOutput"`
		Inputs         []struct {
			Name      string `json:"name"`
			Type      string `json:"type"`
			Value     any    `json:"value"`
			Reference *struct {
				Step     *int   `json:"step"`
				Function string `json:"function"`
			} `json:"reference"`
		} `json:"inputs"`
	} `json:"steps"`
}

// Decode 解析模型返回的计划 JSON 并完成引用归一化。
func Decode(arguments string) (*ExecutionPlan, error) {
	var raw rawPlan
	// 数字字面量保留为 json.Number，避免 uint256 等大整数经 float64 丢失精度。
	dec := json.NewDecoder(strings.NewReader(arguments))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, xerrors.Wrap(xerrors.CodePlanGeneration, err, "decode execution plan")
	}
	p := &ExecutionPlan{Goal: raw.Goal, Steps: make([]PlanStep, 0, len(raw.Steps))}
	for _, rs := range raw.Steps {
		step := PlanStep{
			FunctionName:   strings.TrimSpace(rs.FunctionName),
			Description:    rs.Description,
			ExpectedOutput: rs.ExpectedOutput,
			Inputs:         make([]PlanInput, 0, len(rs.Inputs)),
		}
		for _, ri := range rs.Inputs {
			in := PlanInput{Name: ri.Name, Type: ri.Type, Value: ri.Value}
			if ri.Reference != nil {
				ref := &StepRef{Step: -1, Function: strings.TrimSpace(ri.Reference.Function)}
				if ri.Reference.Step != nil {
					ref.Step = *ri.Reference.Step
				}
				in.Ref = ref
				in.Value = nil
			}
			step.Inputs = append(step.Inputs, in)
		}
		p.Steps = append(p.Steps, step)
	}
	p.Normalize()
	return p, nil
}

// Normalize 把字符串形式的回引转换为 StepRef，并为仅给出函数名的引用补全步骤序号。
// 序号取名称匹配的最早步骤；无匹配时保留 -1，交由 Validate 拒绝。
func (p *ExecutionPlan) Normalize() {
	if p == nil {
		return
	}
	for i := range p.Steps {
		for j := range p.Steps[i].Inputs {
			in := &p.Steps[i].Inputs[j]
			if in.Ref == nil {
				if s, ok := in.Value.(string); ok {
					if fn, ok := ParseLegacyReference(s); ok {
						in.Ref = &StepRef{Step: -1, Function: fn}
						in.Value = nil
					}
				}
			}
			if in.Ref != nil && in.Ref.Step < 0 && in.Ref.Function != "" {
				in.Ref.Step = p.firstStepCalling(in.Ref.Function)
			}
		}
	}
}

func (p *ExecutionPlan) firstStepCalling(function string) int {
	for i, step := range p.Steps {
		if step.FunctionName == function {
			return i
		}
	}
	return -1
}

// ParseLegacyReference 识别 "reference to output of step calling fn" 与 "<retrieved fn>" 两种写法。
func ParseLegacyReference(value string) (string, bool) {
	trimmed := strings.TrimSpace(value)
	if m := legacyRefPattern.FindStringSubmatch(trimmed); m != nil {
		return m[1], true
	}
	if m := retrievedRefPattern.FindStringSubmatch(trimmed); m != nil {
		return m[1], true
	}
	return "", false
}

// Validate 做结构校验：计划非空、函数名存在、引用只指向更早的步骤。
func (p *ExecutionPlan) Validate() error {
	if p == nil || len(p.Steps) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "plan has no steps")
	}
	for i, step := range p.Steps {
		if step.FunctionName == "" {
			return stepError(i, "", "step has no function name")
		}
		for _, in := range step.Inputs {
			if in.Ref == nil {
				continue
			}
			ref := in.Ref
			if ref.Step < 0 {
				return stepError(i, step.FunctionName, fmt.Sprintf("input %q references %q which no step calls", in.Name, ref.Function))
			}
			if ref.Step >= i {
				return stepError(i, step.FunctionName, fmt.Sprintf("input %q references step %d which has not run yet", in.Name, ref.Step))
			}
			if ref.Function != "" && p.Steps[ref.Step].FunctionName != ref.Function {
				return stepError(i, step.FunctionName, fmt.Sprintf("input %q references step %d as %q but it calls %q", in.Name, ref.Step, ref.Function, p.Steps[ref.Step].FunctionName))
			}
		}
	}
	return nil
}

func stepError(index int, function, msg string) error {
	opts := []xerrors.Option{xerrors.WithMetadata("step", strconv.Itoa(index))}
	if function != "" {
		opts = append(opts, xerrors.WithMetadata("function", function))
	}
	return xerrors.New(xerrors.CodeInvalidArgument, msg, opts...)
}

// JSON 返回缩进格式的计划文本，用于提示词。
func (p *ExecutionPlan) JSON() string {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

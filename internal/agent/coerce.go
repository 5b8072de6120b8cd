package agent

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var bigIntType = reflect.TypeOf((*big.Int)(nil))

// maxExactFloat 是 float64 能精确表示的最大整数 2^53。
const maxExactFloat = 1 << 53

// decodeJSON 解析嵌套在字符串里的 JSON，数字保留为 json.Number。
func decodeJSON(s string, out any) error {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	return dec.Decode(out)
}

// coerceArg 把计划中的字面量（通常来自 JSON）转换为 ABI 打包需要的 Go 类型。
// 已经是目标类型的值（例如前序步骤的原始输出）原样返回。
func coerceArg(t abi.Type, v any) (any, error) {
	target := t.GetType()
	if v != nil && reflect.TypeOf(v) == target {
		return v, nil
	}
	if v == nil {
		return nil, fmt.Errorf("missing value for %s", t.String())
	}

	switch t.T {
	case abi.AddressTy:
		return toAddress(v)
	case abi.IntTy, abi.UintTy:
		n, err := toBigInt(v)
		if err != nil {
			return nil, err
		}
		return fitInteger(n, t, target)
	case abi.BoolTy:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return nil, fmt.Errorf("invalid bool %q", b)
			}
			return parsed, nil
		}
	case abi.StringTy:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	case abi.BytesTy:
		return toBytes(v)
	case abi.FixedBytesTy, abi.HashTy:
		raw, err := toBytes(v)
		if err != nil {
			return nil, err
		}
		if len(raw) > target.Len() {
			return nil, fmt.Errorf("%d bytes do not fit %s", len(raw), t.String())
		}
		out := reflect.New(target).Elem()
		for i, b := range raw {
			out.Index(i).SetUint(uint64(b))
		}
		return out.Interface(), nil
	case abi.SliceTy, abi.ArrayTy:
		items, err := toList(v)
		if err != nil {
			return nil, err
		}
		var out reflect.Value
		if t.T == abi.SliceTy {
			out = reflect.MakeSlice(target, len(items), len(items))
		} else {
			if len(items) != t.Size {
				return nil, fmt.Errorf("%s expects %d items, got %d", t.String(), t.Size, len(items))
			}
			out = reflect.New(target).Elem()
		}
		for i, item := range items {
			elem, err := coerceArg(*t.Elem, item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out.Index(i).Set(reflect.ValueOf(elem))
		}
		return out.Interface(), nil
	case abi.TupleTy:
		return toTuple(t, target, v)
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, t.String())
}

func toAddress(v any) (common.Address, error) {
	switch a := v.(type) {
	case common.Address:
		return a, nil
	case string:
		s := strings.TrimSpace(a)
		if !common.IsHexAddress(s) {
			return common.Address{}, fmt.Errorf("invalid address %q", a)
		}
		return common.HexToAddress(s), nil
	}
	return common.Address{}, fmt.Errorf("cannot use %T as address", v)
}

// toBigInt 接受 *big.Int、十进制或 0x 十六进制字符串、JSON 数字以及任意原生整数。
func toBigInt(v any) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return nil, fmt.Errorf("nil integer")
		}
		return new(big.Int).Set(n), nil
	case big.Int:
		return new(big.Int).Set(&n), nil
	case json.Number:
		return toBigInt(n.String())
	case string:
		s := strings.TrimSpace(n)
		base := 10
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			s, base = s[2:], 16
		}
		out, ok := new(big.Int).SetString(s, base)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", n)
		}
		return out, nil
	case float64:
		if math.IsInf(n, 0) || math.IsNaN(n) || n != math.Trunc(n) {
			return nil, fmt.Errorf("invalid integer %v", n)
		}
		if math.Abs(n) > maxExactFloat {
			return nil, fmt.Errorf("integer %v exceeds float64 precision, pass it as a string", n)
		}
		out, _ := big.NewFloat(n).Int(nil)
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return big.NewInt(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return new(big.Int).SetUint64(rv.Uint()), nil
	}
	return nil, fmt.Errorf("cannot use %T as integer", v)
}

func fitInteger(n *big.Int, t abi.Type, target reflect.Type) (any, error) {
	unsigned := t.T == abi.UintTy
	if unsigned && n.Sign() < 0 {
		return nil, fmt.Errorf("negative value %s for %s", n, t.String())
	}
	if unsigned && n.BitLen() > t.Size {
		return nil, fmt.Errorf("value %s overflows %s", n, t.String())
	}
	if !unsigned {
		limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
		if n.Cmp(limit) >= 0 || n.Cmp(new(big.Int).Neg(limit)) < 0 {
			return nil, fmt.Errorf("value %s overflows %s", n, t.String())
		}
	}
	if target == bigIntType {
		return n, nil
	}
	out := reflect.New(target).Elem()
	if unsigned {
		out.SetUint(n.Uint64())
	} else {
		out.SetInt(n.Int64())
	}
	return out.Interface(), nil
}

func toBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		s := strings.TrimSpace(b)
		if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
			s = "0x" + s
		}
		if len(s)%2 == 1 {
			s = "0x0" + s[2:]
		}
		out, err := hexutil.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("invalid hex bytes %q", b)
		}
		return out, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Array && rv.Type().Elem().Kind() == reflect.Uint8 {
		out := make([]byte, rv.Len())
		for i := range out {
			out[i] = byte(rv.Index(i).Uint())
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot use %T as bytes", v)
}

// toList 接受 JSON 数组、JSON 数组文本或任意 Go 切片/数组。
func toList(v any) ([]any, error) {
	switch l := v.(type) {
	case []any:
		return l, nil
	case string:
		var out []any
		if err := decodeJSON(l, &out); err != nil {
			return nil, fmt.Errorf("invalid list %q", l)
		}
		return out, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot use %T as list", v)
}

// toTuple 接受按字段名索引的对象或按位置排列的数组。
func toTuple(t abi.Type, target reflect.Type, v any) (any, error) {
	if s, ok := v.(string); ok {
		var decoded any
		if err := decodeJSON(s, &decoded); err != nil {
			return nil, fmt.Errorf("invalid tuple %q", s)
		}
		v = decoded
	}
	out := reflect.New(target).Elem()
	switch fields := v.(type) {
	case map[string]any:
		for i, elem := range t.TupleElems {
			name := t.TupleRawNames[i]
			raw, ok := fields[name]
			if !ok {
				return nil, fmt.Errorf("tuple field %q is missing", name)
			}
			value, err := coerceArg(*elem, raw)
			if err != nil {
				return nil, fmt.Errorf("tuple field %q: %w", name, err)
			}
			out.Field(i).Set(reflect.ValueOf(value))
		}
	case []any:
		if len(fields) != len(t.TupleElems) {
			return nil, fmt.Errorf("tuple expects %d fields, got %d", len(t.TupleElems), len(fields))
		}
		for i, elem := range t.TupleElems {
			value, err := coerceArg(*elem, fields[i])
			if err != nil {
				return nil, fmt.Errorf("tuple field %d: %w", i, err)
			}
			out.Field(i).Set(reflect.ValueOf(value))
		}
	default:
		return nil, fmt.Errorf("cannot use %T as tuple", v)
	}
	return out.Interface(), nil
}

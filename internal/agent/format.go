package agent

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// formatOutputs 把调用结果转换为可展示的 JSON 友好结构。
// 多个返回值全部具名时返回对象，否则返回数组。
func formatOutputs(outputs abi.Arguments, values []any) any {
	switch len(values) {
	case 0:
		return nil
	case 1:
		return formatTyped(argType(outputs, 0), values[0])
	}

	named := len(outputs) == len(values)
	for _, out := range outputs {
		if out.Name == "" {
			named = false
			break
		}
	}
	if named {
		obj := make(map[string]any, len(values))
		for i, v := range values {
			obj[outputs[i].Name] = formatTyped(&outputs[i].Type, v)
		}
		return obj
	}
	list := make([]any, len(values))
	for i, v := range values {
		list[i] = formatTyped(argType(outputs, i), v)
	}
	return list
}

func argType(args abi.Arguments, i int) *abi.Type {
	if i < len(args) {
		return &args[i].Type
	}
	return nil
}

// formatTyped 在有 ABI 类型信息时使用元组的原始字段名。
func formatTyped(t *abi.Type, v any) any {
	if t == nil || v == nil {
		return formatValue(v)
	}
	rv := reflect.ValueOf(v)
	switch t.T {
	case abi.TupleTy:
		if rv.Kind() == reflect.Ptr {
			rv = rv.Elem()
		}
		if rv.Kind() != reflect.Struct || rv.NumField() != len(t.TupleElems) {
			return formatValue(v)
		}
		obj := make(map[string]any, len(t.TupleElems))
		for i, elem := range t.TupleElems {
			name := t.TupleRawNames[i]
			if name == "" {
				name = lowerFirst(rv.Type().Field(i).Name)
			}
			obj[name] = formatTyped(elem, rv.Field(i).Interface())
		}
		return obj
	case abi.SliceTy, abi.ArrayTy:
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return formatValue(v)
		}
		list := make([]any, rv.Len())
		for i := range list {
			list[i] = formatTyped(t.Elem, rv.Index(i).Interface())
		}
		return list
	}
	return formatValue(v)
}

// formatValue 处理没有类型信息的值：大整数与原生整数转为十进制字符串，
// 地址为校验和格式，字节为 0x 十六进制，结构体与数组递归转换。
func formatValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case *big.Int:
		if x == nil {
			return nil
		}
		return x.String()
	case big.Int:
		return x.String()
	case common.Address:
		return x.Hex()
	case common.Hash:
		return x.Hex()
	case []byte:
		return hexutil.Encode(x)
	case string, bool:
		return x
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return formatValue(rv.Elem().Interface())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.Array, reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			raw := make([]byte, rv.Len())
			for i := range raw {
				raw[i] = byte(rv.Index(i).Uint())
			}
			return hexutil.Encode(raw)
		}
		list := make([]any, rv.Len())
		for i := range list {
			list[i] = formatValue(rv.Index(i).Interface())
		}
		return list
	case reflect.Struct:
		obj := make(map[string]any, rv.NumField())
		for i := 0; i < rv.NumField(); i++ {
			field := rv.Type().Field(i)
			if !field.IsExported() {
				continue
			}
			obj[lowerFirst(field.Name)] = formatValue(rv.Field(i).Interface())
		}
		return obj
	}
	return fmt.Sprint(v)
}

// formatTokenAmount 按 decimals 在原始整数字符串中插入小数点。
func formatTokenAmount(raw string, decimals int) string {
	if decimals <= 0 {
		return raw
	}
	sign, digits := "", raw
	if strings.HasPrefix(digits, "-") {
		sign, digits = "-", digits[1:]
	}
	if len(digits) <= decimals {
		return sign + "0." + strings.Repeat("0", decimals-len(digits)) + digits
	}
	split := len(digits) - decimals
	return sign + digits[:split] + "." + digits[split:]
}

func isBalanceFunction(name string) bool {
	return name == "balanceOf" || name == "balance"
}

// integerValue 只识别整数类型的返回值。
func integerValue(v any) (*big.Int, bool) {
	switch v.(type) {
	case *big.Int, big.Int:
	default:
		switch reflect.ValueOf(v).Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		default:
			return nil, false
		}
	}
	n, err := toBigInt(v)
	if err != nil {
		return nil, false
	}
	return n, true
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToLower(r)) + s[size:]
}

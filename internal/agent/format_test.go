package agent

import (
	"math/big"
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

func TestFormatTokenAmount(t *testing.T) {
	tests := []struct {
		raw      string
		decimals int
		want     string
	}{
		{"1000000000000000000", 18, "1.000000000000000000"},
		{"123", 6, "0.000123"},
		{"123456", 6, "0.123456"},
		{"1234567", 6, "1.234567"},
		{"-1500", 3, "-1.500"},
		{"42", 0, "42"},
	}
	for _, tc := range tests {
		if got := formatTokenAmount(tc.raw, tc.decimals); got != tc.want {
			t.Fatalf("formatTokenAmount(%s, %d) = %s, want %s", tc.raw, tc.decimals, got, tc.want)
		}
	}
}

func TestFormatValue(t *testing.T) {
	addr := common.HexToAddress(holder)
	got := formatValue([]any{big.NewInt(7), addr, []byte{0xca, 0xfe}, [2]byte{0x01, 0x02}, uint8(18), true})
	want := []any{"7", addr.Hex(), "0xcafe", "0x0102", "18", true}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected format: %#v", got)
	}

	type reserves struct {
		Reserve0 *big.Int
		Reserve1 *big.Int
	}
	obj := formatValue(reserves{Reserve0: big.NewInt(1), Reserve1: big.NewInt(2)})
	if !reflect.DeepEqual(obj, map[string]any{"reserve0": "1", "reserve1": "2"}) {
		t.Fatalf("unexpected struct format: %#v", obj)
	}
}

func TestFormatOutputs(t *testing.T) {
	parsed := mustABI(t, `[{"type":"function","name":"getReserves","stateMutability":"view","inputs":[],
		"outputs":[{"name":"_reserve0","type":"uint112"},{"name":"_reserve1","type":"uint112"},{"name":"_blockTimestampLast","type":"uint32"}]}]`)
	method := parsed.Methods["getReserves"]
	got := formatOutputs(method.Outputs, []any{big.NewInt(10), big.NewInt(20), uint32(99)})
	want := map[string]any{"_reserve0": "10", "_reserve1": "20", "_blockTimestampLast": "99"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected outputs: %#v", got)
	}

	unnamed := abi.Arguments{method.Outputs[0], {Type: method.Outputs[1].Type}}
	if list, ok := formatOutputs(unnamed, []any{big.NewInt(1), big.NewInt(2)}).([]any); !ok || len(list) != 2 || list[1] != "2" {
		t.Fatalf("expected list for unnamed outputs, got %#v", list)
	}
}

func TestCoerceArg(t *testing.T) {
	parsed := mustABI(t, `[{"type":"function","name":"probe","stateMutability":"view","inputs":[
		{"name":"a","type":"address"},{"name":"b","type":"uint256"},{"name":"c","type":"uint8"},
		{"name":"d","type":"bool"},{"name":"e","type":"bytes32"},{"name":"f","type":"address[]"},{"name":"g","type":"int16"}],"outputs":[]}]`)
	in := parsed.Methods["probe"].Inputs

	addr, err := coerceArg(in[0].Type, holder)
	if err != nil || addr != common.HexToAddress(holder) {
		t.Fatalf("address: %v %v", addr, err)
	}
	n, err := coerceArg(in[1].Type, "0x10")
	if err != nil || n.(*big.Int).Int64() != 16 {
		t.Fatalf("uint256: %v %v", n, err)
	}
	small, err := coerceArg(in[2].Type, float64(18))
	if err != nil || small != uint8(18) {
		t.Fatalf("uint8: %#v %v", small, err)
	}
	if _, err := coerceArg(in[2].Type, "256"); err == nil {
		t.Fatalf("expected uint8 overflow")
	}
	flag, err := coerceArg(in[3].Type, "true")
	if err != nil || flag != true {
		t.Fatalf("bool: %v %v", flag, err)
	}
	word, err := coerceArg(in[4].Type, "0x01")
	if err != nil {
		t.Fatalf("bytes32: %v", err)
	}
	if b := word.([32]byte); b[0] != 0x01 {
		t.Fatalf("unexpected bytes32: %x", b)
	}
	list, err := coerceArg(in[5].Type, []any{holder, tokenAddress})
	if err != nil || len(list.([]common.Address)) != 2 {
		t.Fatalf("address[]: %v %v", list, err)
	}
	neg, err := coerceArg(in[6].Type, "-5")
	if err != nil || neg != int16(-5) {
		t.Fatalf("int16: %#v %v", neg, err)
	}
	if _, err := coerceArg(in[0].Type, "not-an-address"); err == nil {
		t.Fatalf("expected invalid address error")
	}
	if _, err := coerceArg(in[1].Type, nil); err == nil {
		t.Fatalf("expected missing value error")
	}
}

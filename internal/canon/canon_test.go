package canon

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		t.Fatalf("decoding %s: %v", s, err)
	}
	return v
}

func mustEncode(t *testing.T, v any) string {
	t.Helper()
	out, err := Encode(v)
	if err != nil {
		t.Fatalf("Encode(%v): %v", v, err)
	}
	return string(out)
}

func TestEncode_KeyOrderIndependent(t *testing.T) {
	a := decode(t, `{"b":1,"a":{"y":[1,2],"x":"s"},"c":null}`)
	b := decode(t, `{"c":null,"a":{"x":"s","y":[1,2]},"b":1}`)

	got1 := mustEncode(t, a)
	got2 := mustEncode(t, b)
	if got1 != got2 {
		t.Fatalf("same document encoded differently:\n%s\n%s", got1, got2)
	}
	want := `{"a":{"x":"s","y":[1,2]},"b":1,"c":null}`
	if got1 != want {
		t.Errorf("expected %s, got %s", want, got1)
	}
}

func TestEncode_NumbersNormalizedByValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"int", 1, "1"},
		{"float integral", 1.0, "1"},
		{"number literal", json.Number("1.0"), "1"},
		{"exponent literal", json.Number("1e0"), "1"},
		{"negative zero", math.Copysign(0, -1), "0"},
		{"fraction", 0.5, "0.5"},
		{"large integral float", 1e18, "1000000000000000000"},
		{"large int64", int64(9007199254740993), "9007199254740993"},
		{"large int64 literal", json.Number("9007199254740993"), "9007199254740993"},
		{"uint64 max", uint64(math.MaxUint64), "18446744073709551615"},
		{"beyond int64", 1e21, "1e+21"},
		{"small", 0.00001, "1e-05"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mustEncode(t, tt.in); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestEncode_SemanticChangeChangesOutput(t *testing.T) {
	base := mustEncode(t, map[string]any{"a": 1, "b": "x"})
	variants := []map[string]any{
		{"a": 2, "b": "x"},
		{"a": 1, "b": "y"},
		{"a": 1, "b": "x", "c": nil},
		{"a": "1", "b": "x"},
		{"a": []any{1}, "b": "x"},
	}
	for _, v := range variants {
		if got := mustEncode(t, v); got == base {
			t.Errorf("variant %v should not encode like the base document", v)
		}
	}
}

func TestEncode_StringEscaping(t *testing.T) {
	got := mustEncode(t, "a\"b\\c\n\x01<>&é")
	want := `"a\"b\\c\n\u0001<>&é"`
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestEncode_RejectsNonFinite(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := Encode(map[string]any{"n": f})
		var encErr *EncodingError
		if !errors.As(err, &encErr) {
			t.Fatalf("expected EncodingError for %v, got %v", f, err)
		}
		if encErr.Path != "$.n" {
			t.Errorf("expected path $.n, got %q", encErr.Path)
		}
	}
}

func TestEncode_RejectsCycles(t *testing.T) {
	m := map[string]any{}
	m["self"] = m
	if _, err := Encode(m); !isEncodingError(err) {
		t.Errorf("cyclic map: expected EncodingError, got %v", err)
	}

	s := []any{nil}
	s[0] = s
	if _, err := Encode(s); !isEncodingError(err) {
		t.Errorf("cyclic slice: expected EncodingError, got %v", err)
	}
}

func TestEncode_SharedSubtreeIsNotACycle(t *testing.T) {
	shared := map[string]any{"k": "v"}
	doc := map[string]any{"a": shared, "b": shared}
	want := `{"a":{"k":"v"},"b":{"k":"v"}}`
	if got := mustEncode(t, doc); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestEncode_RejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"invalid utf8", "\xff\xfe"},
		{"invalid utf8 key", map[string]any{"\xff": 1}},
		{"non-string key", map[int]string{1: "a"}},
		{"func", func() {}},
		{"chan", make(chan int)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Encode(tt.in); !isEncodingError(err) {
				t.Errorf("expected EncodingError, got %v", err)
			}
		})
	}
}

func TestEncode_StructsUseJSONTags(t *testing.T) {
	type payload struct {
		Zeta  string    `json:"zeta"`
		Alpha int       `json:"alpha"`
		When  time.Time `json:"when"`
		Skip  string    `json:"-"`
	}
	p := payload{Zeta: "z", Alpha: 3, When: time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC), Skip: "x"}
	want := `{"alpha":3,"when":"2026-02-12T10:00:00Z","zeta":"z"}`
	if got := mustEncode(t, p); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
	// A pointer to the same struct encodes identically.
	if got := mustEncode(t, &p); got != want {
		t.Errorf("pointer: expected %s, got %s", want, got)
	}
}

func TestEncode_TypedAndGenericAgree(t *testing.T) {
	typed := map[string][]int{"xs": {3, 1, 2}}
	generic := decode(t, `{"xs":[3,1,2]}`)
	if mustEncode(t, typed) != mustEncode(t, generic) {
		t.Error("typed and decoded forms of the same document should encode identically")
	}
}

func TestEncode_Nil(t *testing.T) {
	if got := mustEncode(t, nil); got != "null" {
		t.Errorf("expected null, got %s", got)
	}
	var m map[string]any
	if got := mustEncode(t, m); got != "null" {
		t.Errorf("nil map: expected null, got %s", got)
	}
	if got := mustEncode(t, []byte("hi")); got != `"aGk="` {
		t.Errorf("bytes: expected base64 string, got %s", got)
	}
}

func isEncodingError(err error) bool {
	var encErr *EncodingError
	return errors.As(err, &encErr)
}

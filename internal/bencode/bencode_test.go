package bencode

import (
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
)

func wantErrContains(t *testing.T, err error, substr string) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected error containing %q, got nil", substr)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("error = %v, want contains %q", err, substr)
	}
}

func TestUnmarshal_OK(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"string", "4:spam", any("spam")},
		{"empty-string", "0:", any("")},
		{"int-neg", "i-1e", any(int64(-1))},
		{"int-zero", "i0e", any(int64(0))},
		{"int-pos", "i42e", any(int64(42))},
		{"list-simple", "l4:spami1ee", any([]any{"spam", int64(1)})},
		{
			"dict",
			"d3:bar4:spam3:fooi42ee",
			any(map[string]any{"bar": "spam", "foo": int64(42)}),
		},
		{
			"nested-structures",
			"d8:announce14:http://tracker4:infod6:lengthi1024e4:name10:ubuntu.iso6:piecesl3:abc3:defeee",
			any(map[string]any{
				"announce": "http://tracker",
				"info": map[string]any{
					"length": int64(1024),
					"name":   "ubuntu.iso",
					"pieces": []any{"abc", "def"},
				},
			}),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, err := Unmarshal([]byte(tc.in))
			if err != nil {
				t.Fatalf("Unmarshal error: %v", err)
			}
			if !reflect.DeepEqual(v, tc.want) {
				t.Fatalf("got %#v, want %#v", v, tc.want)
			}
		})
	}
}

func TestUnmarshal_CanonicalityErrors(t *testing.T) {
	tests := []struct{ name, in, want string }{
		{"leading-zero", "i012e", "malformed"},
		{"negative-zero", "i-0e", "malformed"},
		{"empty-int", "ie", "malformed"},
		{"lone-dash", "i-e", "malformed"},
		{"too-many-digits", "i" + strings.Repeat("1", 21) + "e", "malformed"},
		{"negative-str-len", "-1:", "malformed"},
		{"truncated-string", "5:abc", "malformed"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Unmarshal([]byte(tc.in))
			wantErrContains(t, err, tc.want)
			if !errors.Is(err, ErrMalformedInput) {
				t.Fatalf("error %v is not ErrMalformedInput", err)
			}
		})
	}
}

func TestUnmarshal_TruncatedContainers(t *testing.T) {
	for _, in := range []string{"l", "d"} {
		if _, err := Unmarshal([]byte(in)); err == nil {
			t.Fatalf("expected error for truncated %q", in)
		}
	}
}

func TestUnmarshal_TrailingData(t *testing.T) {
	_, err := Unmarshal([]byte("i1ei2e"))
	wantErrContains(t, err, "trailing data")
}

func TestUnmarshal_Empty(t *testing.T) {
	_, err := Unmarshal(nil)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("want io.EOF, got %v", err)
	}
}

func TestMarshal_KeyOrderCanonical(t *testing.T) {
	// Same logical dict built with different insertion order must marshal
	// identically, since Go map iteration order is randomized.
	a := map[string]any{"foo": int64(42), "bar": "spam"}
	b := map[string]any{"bar": "spam", "foo": int64(42)}

	encA, err := Marshal(a)
	if err != nil {
		t.Fatalf("Marshal(a): %v", err)
	}
	encB, err := Marshal(b)
	if err != nil {
		t.Fatalf("Marshal(b): %v", err)
	}

	want := "d3:bar4:spam3:fooi42ee"
	if string(encA) != want || string(encB) != want {
		t.Fatalf("got %q / %q, want %q", encA, encB, want)
	}
}

func TestRoundTrip(t *testing.T) {
	in := map[string]any{
		"bar": "spam",
		"foo": int64(42),
		"nested": map[string]any{
			"list": []any{int64(1), int64(2), "three"},
		},
	}

	enc, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	dec, err := Unmarshal(enc)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if !reflect.DeepEqual(in, dec) {
		t.Fatalf("round-trip mismatch: got %#v, want %#v", dec, in)
	}
}

func TestScenarioS1(t *testing.T) {
	if v, err := Unmarshal([]byte("i42e")); err != nil || v.(int64) != 42 {
		t.Fatalf("i42e: got %#v, err %v", v, err)
	}
	if v, err := Unmarshal([]byte("4:spam")); err != nil || v.(string) != "spam" {
		t.Fatalf("4:spam: got %#v, err %v", v, err)
	}

	v, err := Unmarshal([]byte("d3:bar4:spam3:fooi42ee"))
	if err != nil {
		t.Fatalf("dict: %v", err)
	}
	want := map[string]any{"bar": "spam", "foo": int64(42)}
	if !reflect.DeepEqual(v, want) {
		t.Fatalf("got %#v, want %#v", v, want)
	}
}

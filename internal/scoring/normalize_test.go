package scoring

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"刷，单", "刷单"},
		{"内部 资料\n", "内部资料"},
		{"【加】「微」『信』", "加微信"},
		{"ＳＢ１２３", "SB123"},
		{"a\tb\r\nc", "abc"},
		{"hello!", "hello!"},
		{"a\u3000b", "ab"},
		{"a\u00a0b", "ab"},
		{"a\u2028b", "a\u2028b"},
		{"a\u200bb", "a\u200bb"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

package checksum

import (
	"io"
	"strings"
	"testing"
)

const (
	helloSHA = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	emptySHA = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

func TestSum(t *testing.T) {
	if got := Sum([]byte("hello")); got != helloSHA {
		t.Errorf("Sum(hello) = %q, want %q", got, helloSHA)
	}
	if got := Sum(nil); got != emptySHA {
		t.Errorf("Sum(nil) = %q, want %q", got, emptySHA)
	}
}

func TestCalculateSHA256_MatchesSum(t *testing.T) {
	for _, in := range []string{"", "hello", "a longer payload with\x00binary\xffbytes"} {
		got, err := CalculateSHA256(strings.NewReader(in))
		if err != nil {
			t.Fatalf("CalculateSHA256(%q) error: %v", in, err)
		}
		if want := Sum([]byte(in)); got != want {
			t.Errorf("CalculateSHA256(%q) = %q, Sum = %q", in, got, want)
		}
	}
}

func TestCalculateSHA256_ReadError(t *testing.T) {
	if _, err := CalculateSHA256(errReader{}); err == nil {
		t.Error("CalculateSHA256() expected error from failing reader, got nil")
	}
}

func TestVerifySHA256(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		expected string
		want     bool
	}{
		{"match", "hello", helloSHA, true},
		{"mismatch", "hello", emptySHA, false},
		{"empty", "", emptySHA, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := VerifySHA256(strings.NewReader(tt.data), tt.expected)
			if err != nil {
				t.Fatalf("VerifySHA256() error: %v", err)
			}
			if ok != tt.want {
				t.Errorf("VerifySHA256() = %v, want %v", ok, tt.want)
			}
		})
	}

	t.Run("read error is propagated", func(t *testing.T) {
		if _, err := VerifySHA256(errReader{}, helloSHA); err == nil {
			t.Error("VerifySHA256() expected error from failing reader, got nil")
		}
	})
}

type errReader struct{}

func (errReader) Read(_ []byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}

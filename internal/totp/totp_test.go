package totp

import (
	"testing"
	"time"
)

// Vectors from RFC 6238 appendix B (SHA-1 rows, truncated to 6 digits).
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func TestCodeRFCVectors(t *testing.T) {
	cases := []struct {
		unix int64
		want string
	}{
		{59, "287082"},
		{1111111109, "081804"},
		{1111111111, "050471"},
		{1234567890, "005924"},
		{2000000000, "279037"},
	}
	for _, tc := range cases {
		got, err := Code(rfcSecret, time.Unix(tc.unix, 0).UTC())
		if err != nil {
			t.Fatalf("Code(%d): %v", tc.unix, err)
		}
		if got != tc.want {
			t.Fatalf("Code(%d) = %s, want %s", tc.unix, got, tc.want)
		}
	}
}

func TestCodeDeterministicWithinWindow(t *testing.T) {
	base := time.Unix(1700000010, 0)
	a, err := Code(rfcSecret, base)
	if err != nil {
		t.Fatalf("Code: %v", err)
	}
	b, err := Code(rfcSecret, base.Add(10*time.Second))
	if err != nil {
		t.Fatalf("Code: %v", err)
	}
	if a != b {
		t.Fatalf("codes differ inside one 30s window: %s vs %s", a, b)
	}
}

func TestCodeRejectsBadSecret(t *testing.T) {
	if _, err := Code("", time.Now()); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := Code("not-base32!!", time.Now()); err == nil {
		t.Fatal("expected error for invalid secret")
	}
}

func TestCodeToleratesSpacingAndCase(t *testing.T) {
	want, err := Code(rfcSecret, time.Unix(59, 0))
	if err != nil {
		t.Fatalf("Code: %v", err)
	}
	got, err := Code("gezd gnbv gy3t qojq gezd gnbv gy3t qojq", time.Unix(59, 0))
	if err != nil {
		t.Fatalf("Code: %v", err)
	}
	if got != want {
		t.Fatalf("normalized secret produced %s, want %s", got, want)
	}
}

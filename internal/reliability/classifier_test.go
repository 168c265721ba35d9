package reliability

import (
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{403, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want %v", got, 400*time.Millisecond)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestJitteredBackoffBounds(t *testing.T) {
	base := 200 * time.Millisecond
	capDur := 2 * time.Second

	if got := JitteredBackoff(1, base, capDur, func() float64 { return 0 }); got != 200*time.Millisecond {
		t.Fatalf("JitteredBackoff(jitter=0) = %v, want %v", got, 200*time.Millisecond)
	}
	if got := JitteredBackoff(1, base, capDur, func() float64 { return 0.5 }); got != 300*time.Millisecond {
		t.Fatalf("JitteredBackoff(jitter=0.5) = %v, want %v", got, 300*time.Millisecond)
	}
	for i := 0; i < 100; i++ {
		got := JitteredBackoff(5, base, capDur, nil)
		if got < capDur/2 || got > capDur {
			t.Fatalf("JitteredBackoff(5) = %v, want within [%v, %v]", got, capDur/2, capDur)
		}
	}
}

package rate

import "testing"

func TestLimitScalesWithTrust(t *testing.T) {
	c := NewController(nil, 0, 30, 10)

	cases := []struct {
		trust int
		want  int
	}{
		{0, 30},
		{1, 40},
		{3, 60},
		{5, 80},
		{9, 80}, // clamped at the max tier
		{-2, 30},
	}
	for _, tc := range cases {
		if got := c.Limit(tc.trust); got != tc.want {
			t.Fatalf("Limit(%d) = %d, want %d", tc.trust, got, tc.want)
		}
	}
}

func TestNewControllerDefaults(t *testing.T) {
	c := NewController(nil, 0, 0, 0)
	if c.window <= 0 || c.steady <= 0 {
		t.Fatalf("defaults not applied: window=%s steady=%d", c.window, c.steady)
	}
}

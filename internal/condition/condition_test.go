package condition

import "testing"

func TestParseEmptyIsAlways(t *testing.T) {
	for _, raw := range []string{"", "   ", "\t"} {
		expr, err := Parse(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if !expr.Eval(nil) {
			t.Fatalf("parse %q: expected always-true", raw)
		}
	}
}

func TestParseAndEval(t *testing.T) {
	cases := []struct {
		raw  string
		ctx  map[string]string
		want bool
	}{
		{"region = us", map[string]string{"region": "us"}, true},
		{"region = us", map[string]string{"region": "eu"}, false},
		{"region=us", map[string]string{"region": "us"}, true},
		{"region = us, tier = pro", map[string]string{"region": "us", "tier": "pro"}, true},
		{"region = us, tier = pro", map[string]string{"region": "us", "tier": "free"}, false},
		// unknown keys evaluate false, never error
		{"region = us", map[string]string{}, false},
		{"region = us", nil, false},
		{"flag = ", map[string]string{"flag": ""}, true},
	}
	for _, tc := range cases {
		expr, err := Parse(tc.raw)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.raw, err)
		}
		if got := expr.Eval(tc.ctx); got != tc.want {
			t.Errorf("eval %q with %v: got %v want %v", tc.raw, tc.ctx, got, tc.want)
		}
	}
}

func TestParseErrors(t *testing.T) {
	for _, raw := range []string{"region", "= us", "region = us,,tier = pro", "region = us, tier"} {
		if _, err := Parse(raw); err == nil {
			t.Errorf("parse %q: expected error", raw)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Validate("region = us"); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := Validate("nope"); err == nil {
		t.Fatal("expected validation error")
	}
}

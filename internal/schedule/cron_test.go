package schedule

import (
	"testing"
	"time"
)

func mustParseCron(t *testing.T, expr string) *cronSpec {
	t.Helper()
	spec, err := parseCron(expr)
	if err != nil {
		t.Fatalf("parseCron(%q) failed: %v", expr, err)
	}
	return spec
}

func TestCronNextAfter(t *testing.T) {
	base := time.Date(2026, time.March, 10, 14, 30, 45, 0, time.UTC) // a Tuesday

	cases := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2026, time.March, 10, 14, 31, 0, 0, time.UTC)},
		{"0 * * * *", time.Date(2026, time.March, 10, 15, 0, 0, 0, time.UTC)},
		{"15 9 * * *", time.Date(2026, time.March, 11, 9, 15, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, time.March, 10, 14, 45, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)},
		{"0 12 * * 0", time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)},
		{"30 6 * * 1-5", time.Date(2026, time.March, 11, 6, 30, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got := mustParseCron(t, tc.expr).nextAfter(base)
		if !got.Equal(tc.want) {
			t.Errorf("nextAfter(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestCronDayFieldsAreAlternatives(t *testing.T) {
	// Both day fields restricted: either the 13th or a Friday matches.
	spec := mustParseCron(t, "0 0 13 * 5")
	base := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC) // Tuesday

	first := spec.nextAfter(base)
	want := time.Date(2026, time.March, 13, 0, 0, 0, 0, time.UTC) // Friday the 13th
	if !first.Equal(want) {
		t.Fatalf("nextAfter = %v, want %v", first, want)
	}

	second := spec.nextAfter(first)
	// March 20 is the following Friday, before April 13.
	want = time.Date(2026, time.March, 20, 0, 0, 0, 0, time.UTC)
	if !second.Equal(want) {
		t.Errorf("nextAfter = %v, want %v", second, want)
	}
}

func TestCronRejectsMalformedExpressions(t *testing.T) {
	for _, expr := range []string{
		"",
		"* * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"a * * * *",
		"5-1 * * * *",
		"*/0 * * * *",
	} {
		if _, err := parseCron(expr); err == nil {
			t.Errorf("expected parseCron(%q) to fail", expr)
		}
	}
}

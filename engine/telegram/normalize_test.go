package telegram

import "testing"

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		msg     string
		want    int
		wantOk  bool
	}{
		{"api: Too Many Requests: retry after 30", 30, true},
		{"retry after 5 seconds", 5, true},
		{"some unrelated error", 0, false},
	}
	for _, c := range cases {
		got, ok := parseRetryAfter(c.msg)
		if ok != c.wantOk || got != c.want {
			t.Fatalf("parseRetryAfter(%q) = (%d, %v), want (%d, %v)", c.msg, got, ok, c.want, c.wantOk)
		}
	}
}

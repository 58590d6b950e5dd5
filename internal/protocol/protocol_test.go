package protocol

import "testing"

func TestSplitCommand(t *testing.T) {
	cases := []struct {
		line     string
		wantVerb string
		wantRest string
	}{
		{"me alice secret\n", "me", "alice secret"},
		{"quit\r\n", "quit", ""},
		{"  list  \n", "list", ""},
		{"\n", "", ""},
		{"   \n", "", ""},
		{"offer   W\n", "offer", "W"},
	}
	for _, c := range cases {
		verb, rest := SplitCommand(c.line)
		if verb != c.wantVerb || rest != c.wantRest {
			t.Errorf("SplitCommand(%q) = (%q, %q), want (%q, %q)", c.line, verb, rest, c.wantVerb, c.wantRest)
		}
	}
}

func TestParseGameID(t *testing.T) {
	cases := []struct {
		in     string
		want   int
		wantOK bool
	}{
		{"0", 0, true},
		{"42", 42, true},
		{"", 0, false},
		{"12a", 0, false},
		{"-1", 0, false},
		{"123456789", 0, false}, // 9 digits, rejected
		{"12345678", 12345678, true},
	}
	for _, c := range cases {
		got, ok := ParseGameID(c.in)
		if ok != c.wantOK || (ok && got != c.want) {
			t.Errorf("ParseGameID(%q) = (%d, %v), want (%d, %v)", c.in, got, ok, c.want, c.wantOK)
		}
	}
}

func TestRatingOrUnknown(t *testing.T) {
	if got := RatingOrUnknown(1200, true); got != "1200" {
		t.Errorf("want 1200, got %s", got)
	}
	if got := RatingOrUnknown(0, false); got != "?" {
		t.Errorf("want ?, got %s", got)
	}
}

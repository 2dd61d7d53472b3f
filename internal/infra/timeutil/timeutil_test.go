package timeutil_test

import (
	"testing"
	"time"

	"telegram-radar/internal/infra/timeutil"
)

func TestParseUTCOffsetToLocation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in         string
		wantOffset int // секунды от UTC
		wantOK     bool
	}{
		{"Z", 0, true},
		{"UTC", 0, true},
		{"GMT", 0, true},
		{"+3", 3 * 3600, true},
		{"+03", 3 * 3600, true},
		{"-07", -7 * 3600, true},
		{"+0330", 3*3600 + 30*60, true},
		{"-04:30", -(4*3600 + 30*60), true},
		{"UTC+3", 3 * 3600, true},
		{"utc-5", -5 * 3600, true},
		{"GMT+08:00", 8 * 3600, true},
		{"+14", 14 * 3600, true},
		{"+15", 0, false},   // за пределами реальных смещений
		{"+03:75", 0, false},
		{"Europe/Moscow", 0, false}, // IANA-имя не смещение
		{"", 0, false},
		{"++3", 0, false},
	}

	for _, tc := range tests {
		loc, ok := timeutil.ParseUTCOffsetToLocation(tc.in)
		if ok != tc.wantOK {
			t.Errorf("ParseUTCOffsetToLocation(%q) ok = %v, want %v", tc.in, ok, tc.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if _, offset := time.Now().In(loc).Zone(); offset != tc.wantOffset {
			t.Errorf("ParseUTCOffsetToLocation(%q) offset = %d, want %d", tc.in, offset, tc.wantOffset)
		}
	}
}

func TestParseLocationIANA(t *testing.T) {
	t.Parallel()

	loc, err := timeutil.ParseLocation("Europe/Moscow")
	if err != nil {
		t.Fatalf("ParseLocation(Europe/Moscow) error = %v", err)
	}
	if loc.String() != "Europe/Moscow" {
		t.Fatalf("location = %q", loc)
	}
}

func TestParseLocationOffsetFallback(t *testing.T) {
	t.Parallel()

	loc, err := timeutil.ParseLocation("UTC+05:45")
	if err != nil {
		t.Fatalf("ParseLocation(UTC+05:45) error = %v", err)
	}
	if _, offset := time.Now().In(loc).Zone(); offset != 5*3600+45*60 {
		t.Fatalf("offset = %d", offset)
	}
}

func TestParseLocationInvalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "Mars/Olympus", "+99", "abc"} {
		if _, err := timeutil.ParseLocation(in); err == nil {
			t.Errorf("ParseLocation(%q) error = nil, want error", in)
		}
	}
}

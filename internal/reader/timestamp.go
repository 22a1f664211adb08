package reader

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// strftimeDirectives translates the small, fixed set of strftime directives
// spec §4.1/§6 actually needs into Go's reference-time layout. This is a
// closed, enumerable translation table rather than a general strftime
// implementation — there is no strftime-parsing library in the example
// corpus, and the format set sources actually need is small and fixed.
var strftimeDirectives = strings.NewReplacer(
	"%Y", "2006",
	"%m", "01",
	"%d", "02",
	"%H", "15",
	"%M", "04",
	"%S", "05",
	"%f", "000000",
	"%z", "-0700",
	"%Z", "MST",
	"%T", "15:04:05",
	"%b", "Jan",
	"%B", "January",
)

func strftimeToGoLayout(format string) string {
	return strftimeDirectives.Replace(format)
}

// ParseTimestamp parses text captured by a source's "ts" group according to
// the configured format (spec §4.1/§6: "any of: a strftime-style format,
// ISO-8601, integer seconds since epoch, integer milliseconds since
// epoch"). The three reserved keywords select a fixed parser; any other
// value is treated as a literal strftime layout.
func ParseTimestamp(text, format string) (time.Time, error) {
	switch format {
	case "iso8601":
		if t, err := time.Parse(time.RFC3339Nano, text); err == nil {
			return t.UTC(), nil
		}
		if t, err := time.Parse(time.RFC3339, text); err == nil {
			return t.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("not a valid ISO-8601 timestamp: %q", text)

	case "epoch":
		secs, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("not a valid epoch-seconds timestamp: %q", text)
		}
		return time.Unix(secs, 0).UTC(), nil

	case "epoch_ms":
		millis, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("not a valid epoch-millis timestamp: %q", text)
		}
		return time.UnixMilli(millis).UTC(), nil

	default:
		layout := strftimeToGoLayout(format)
		t, err := time.Parse(layout, text)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp %q does not match strftime layout %q: %w", text, format, err)
		}
		return t.UTC(), nil
	}
}

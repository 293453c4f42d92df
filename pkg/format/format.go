// Package format provides human-readable formatting utilities.
package format

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// =============================================================================
// SIZE FORMATTING
// =============================================================================

// Bytes formats a byte count using binary units.
// Example: Bytes(1536) => "1.5 KiB"
func Bytes(bytes int64) string {
	if bytes < 0 {
		return "-" + humanize.IBytes(uint64(-bytes))
	}
	return humanize.IBytes(uint64(bytes))
}

// Bitrate formats the average rate of size bytes over d.
// Example: Bitrate(125_000, time.Second) => "1.0 Mbit/s"
func Bitrate(size int64, d time.Duration) string {
	if d <= 0 || size < 0 {
		return "n/a"
	}
	bps := float64(size) * 8 / d.Seconds()
	switch {
	case bps >= 1_000_000:
		return fmt.Sprintf("%.1f Mbit/s", bps/1_000_000)
	case bps >= 1_000:
		return fmt.Sprintf("%.1f kbit/s", bps/1_000)
	default:
		return fmt.Sprintf("%.0f bit/s", bps)
	}
}

// =============================================================================
// NUMBER FORMATTING
// =============================================================================

var printer = message.NewPrinter(language.English)

// Number formats a number with thousand separators.
// Example: Number(1234567) => "1,234,567"
func Number(n int64) string {
	return printer.Sprintf("%d", n)
}

// NumberCompact formats a number in compact notation.
// Example: NumberCompact(1234567) => "1.2M"
func NumberCompact(n int64) string {
	switch {
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.1fB", float64(n)/1_000_000_000)
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	default:
		return strconv.FormatInt(n, 10)
	}
}

// Percentage formats a percentage value.
// Example: Percentage(45.678, 1) => "45.7%"
func Percentage(value float64, decimals int) string {
	return fmt.Sprintf("%.*f%%", decimals, value)
}

// =============================================================================
// MEDIA TIME FORMATTING
// =============================================================================

// Timestamp formats a stream position as H:MM:SS.mmm. Negative values mark an
// unknown position and format as "none".
// Example: Timestamp(83*time.Second + 250*time.Millisecond) => "0:01:23.250"
func Timestamp(d time.Duration) string {
	if d < 0 {
		return "none"
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	return fmt.Sprintf("%d:%02d:%02d.%03d", h, m, s, d/time.Millisecond)
}

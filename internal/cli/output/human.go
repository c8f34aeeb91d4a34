package output

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
)

// Bytes formats n as IEC bytes ("8.0 MiB").
func Bytes(n int64) string {
	if n < 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n))
}

// Seconds formats a duration given in whole seconds ("5m0s").
func Seconds(s int64) string {
	return (time.Duration(s) * time.Second).String()
}

// Expires formats a unix expiry time relative to now ("3 minutes from now").
func Expires(unix int64, now time.Time) string {
	if unix == 0 {
		return "-"
	}
	return humanize.RelTime(time.Unix(unix, 0), now, "ago", "from now")
}

// Progress prints transfer progress on one terminal line.
type Progress struct {
	w     io.Writer
	label string
	start time.Time
	last  time.Time
}

// NewProgress creates a progress line for label.
func NewProgress(w io.Writer, label string) *Progress {
	now := time.Now()
	return &Progress{w: w, label: label, start: now}
}

// Update redraws the line at most a few times per second, and always once
// the transfer completes.
func (p *Progress) Update(done, total int64) {
	now := time.Now()
	if done < total && now.Sub(p.last) < 200*time.Millisecond {
		return
	}
	p.last = now

	pct := 100.0
	if total > 0 {
		pct = float64(done) * 100 / float64(total)
	}
	rate := ""
	if elapsed := now.Sub(p.start).Seconds(); elapsed > 0 {
		rate = fmt.Sprintf(" %s/s", humanize.IBytes(uint64(float64(done)/elapsed)))
	}
	_, _ = fmt.Fprintf(p.w, "\r%s %s / %s (%.1f%%)%s", p.label, Bytes(done), Bytes(total), pct, rate)
	if done >= total {
		_, _ = fmt.Fprintln(p.w)
	}
}

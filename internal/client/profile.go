package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chronologos/rdp/internal/version"
)

// logProfileSummary emits a transfer summary to stderr and writes JSON to
// the temp dir. Called once when Run finishes with Profile enabled.
func (c *Client) logProfileSummary() {
	duration := time.Since(c.start)
	fmt.Fprintf(c.stderr, "[profile] === Transfer Profile ===\n")
	fmt.Fprintf(c.stderr, "[profile] Client: %d  Duration: %s  Throughput: %s/s\n",
		c.id,
		formatDuration(duration),
		formatBytes(uint64(throughput(c.stats.Bytes, duration))),
	)
	fmt.Fprintf(c.stderr, "[profile] Data: chunks=%d bytes=%s duplicates=%d\n",
		c.stats.Chunks,
		formatBytes(uint64(c.stats.Bytes)),
		c.stats.Duplicates,
	)
	fmt.Fprintf(c.stderr, "[profile] Acks: sent=%d idle=%d dropped=%dpkts\n",
		c.stats.AcksSent,
		c.stats.IdleAcks,
		c.stats.Dropped,
	)

	c.writeProfileJSON(duration)
}

// profileJSON is the structured output written to the temp dir.
type profileJSON struct {
	Timestamp string          `json:"timestamp"`
	Commit    string          `json:"commit"`
	ClientID  uint32          `json:"client_id"`
	Server    string          `json:"server"`
	Loss      float64         `json:"loss"`
	DurationS float64         `json:"duration_s"`
	Transfer  profileTransfer `json:"transfer"`
}

type profileTransfer struct {
	Chunks     int    `json:"chunks"`
	Bytes      int64  `json:"bytes"`
	Duplicates int    `json:"duplicates"`
	AcksSent   int    `json:"acks_sent"`
	IdleAcks   int    `json:"idle_acks"`
	PktsLost   uint64 `json:"pkts_lost"`
}

// writeProfileJSON dumps a JSON profile to <tmp>/rdp-profile-<id>-<timestamp>.json.
func (c *Client) writeProfileJSON(duration time.Duration) {
	now := time.Now()
	p := profileJSON{
		Timestamp: now.UTC().Format(time.RFC3339),
		Commit:    version.Commit,
		ClientID:  c.id,
		Server:    c.server.String(),
		Loss:      c.cfg.Loss,
		DurationS: duration.Seconds(),
		Transfer: profileTransfer{
			Chunks:     c.stats.Chunks,
			Bytes:      c.stats.Bytes,
			Duplicates: c.stats.Duplicates,
			AcksSent:   c.stats.AcksSent,
			IdleAcks:   c.stats.IdleAcks,
			PktsLost:   c.stats.Dropped,
		},
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		c.log.Warn("profile: json marshal", "err", err)
		return
	}

	filename := filepath.Join(os.TempDir(),
		fmt.Sprintf("rdp-profile-%d-%s.json", c.id, now.Format("20060102-150405")))
	if err := os.WriteFile(filename, data, 0644); err != nil {
		c.log.Warn("profile: write failed", "file", filename, "err", err)
		return
	}

	fmt.Fprintf(c.stderr, "[profile] wrote %s\n", filename)
}

// throughput returns bytes per second, or 0 for a zero duration.
func throughput(bytes int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(bytes) / d.Seconds()
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b uint64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1fGB", float64(b)/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1fKB", float64(b)/(1<<10))
	default:
		return fmt.Sprintf("%dB", b)
	}
}

// formatDuration formats a duration as milliseconds with one decimal.
func formatDuration(d time.Duration) string {
	if d == 0 {
		return "0ms"
	}
	ms := float64(d) / float64(time.Millisecond)
	return fmt.Sprintf("%.1fms", ms)
}

// FormatBytes is formatBytes for callers outside the package.
func FormatBytes(b int64) string {
	return formatBytes(uint64(b))
}

package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide transfer counter, shared by every connection
// actor in this process (sender or receiver side).
var Stats = &stats{}

type stats struct {
	TotalConns  atomic.Int64 // cumulative count of connections opened since process start
	ClosedConns atomic.Int64 // cumulative count of connections closed since process start
	BytesSent   atomic.Int64 // cumulative bytes written to the socket
	BytesRecv   atomic.Int64 // cumulative bytes read from the socket
	BlocksAcked atomic.Int64 // cumulative count of blocks acknowledged
}

func (s *stats) AddConn()        { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()     { s.ClosedConns.Add(1) }
func (s *stats) AddSent(n int)   { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)   { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddBlockAcked()  { s.BlocksAcked.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs transfer throughput
// every second. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevBlocks int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				blocks := Stats.BlocksAcked.Load()

				outRate := float64(sent - prevSent)
				inRate := float64(recv - prevRecv)
				newBlocks := blocks - prevBlocks

				if inRate > 0 || outRate > 0 {
					pterm.DefaultLogger.Debug(formatStats(inRate, outRate, newBlocks))
				}

				prevSent = sent
				prevRecv = recv
				prevBlocks = blocks

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inRate, outRate float64, newBlocks int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Blocks acked: +%d",
		formatBytes(inRate),
		formatBytes(outRate),
		newBlocks,
	)
}

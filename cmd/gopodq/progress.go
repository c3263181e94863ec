package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/datallboy/gopodq/internal/controller"
	"github.com/datallboy/gopodq/internal/domain"
)

// watchProgress redraws a one-line summary of the active transfers every second.
func watchProgress(ctx context.Context, q *controller.Controller, w io.Writer) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			renderProgress(w, q.Snapshot())
		case <-ctx.Done():
			renderProgress(w, q.Snapshot())
			fmt.Fprintln(w)
			return
		}
	}
}

func renderProgress(w io.Writer, snap controller.Snapshot) {
	var current, total int64
	known := true
	for _, e := range snap.Entries {
		if e.Status != domain.StatusDownloading {
			continue
		}
		current += e.BytesDone
		if e.HasTotal() {
			total += e.BytesTotal
		} else {
			known = false
		}
	}

	st := snap.Stats
	speed := humanize.IBytes(uint64(st.BytesPerSecond)) + "/s"

	if st.Downloading == 0 {
		fmt.Fprintf(w, "\r[idle] queued: %d | finished: %d | failed: %d%s",
			st.Queued, st.Finished, st.Failed, strings.Repeat(" ", 30))
		return
	}

	percent := 0.0
	etaStr := "calc..."
	if known && total > 0 {
		percent = float64(current) / float64(total) * 100
		if st.BytesPerSecond > 0 {
			etaSeconds := int(float64(total-current) / st.BytesPerSecond)
			etaStr = (time.Duration(etaSeconds) * time.Second).String()
		}
	}

	// Progress Bar [====>   ]
	const barWidth = 20
	completedWidth := min(int(percent/100*barWidth), barWidth)
	bar := strings.Repeat("=", completedWidth)
	if completedWidth < barWidth {
		bar += ">" + strings.Repeat(" ", barWidth-completedWidth-1)
	}

	// [Bar] 50.0% | 2 active | Speed: 1.2 MiB/s | ETA: 2m30s | 50 MiB / 100 MiB
	sizeStr := humanize.IBytes(uint64(current))
	if known {
		sizeStr += " / " + humanize.IBytes(uint64(total))
	}

	fmt.Fprintf(w, "\r[%s] %5.1f%% | %d active | Speed: %10s | ETA: %-7s | %s      ",
		bar, percent, st.Downloading, speed, etaStr, sizeStr)
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"enhanced/pkg/types"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	okColor     = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	errorColor  = color.New(color.FgRed, color.Bold)
	dimColor    = color.New(color.FgHiBlack)
)

func setColor(enabled bool) {
	if !enabled {
		color.NoColor = true
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stateColor(s types.InstallState) *color.Color {
	switch s {
	case types.StateLoaded:
		return okColor
	case types.StateInstalled:
		return headerColor
	case types.StateNotInstalled:
		return dimColor
	}
	return warnColor
}

func statusColor(s types.JobStatus) *color.Color {
	switch s {
	case types.JobDone:
		return okColor
	case types.JobFailed:
		return errorColor
	case types.JobCanceled:
		return warnColor
	}
	return dimColor
}

func printModels(w io.Writer, models []types.ModelDescriptor) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	headerColor.Fprintln(tw, "ID\tKIND\tSCALE\tSTATE\tSIZE\tNAME")
	for _, m := range models {
		size := "-"
		if m.SizeMB > 0 {
			size = fmt.Sprintf("%dMB", m.SizeMB)
		}
		fmt.Fprintf(tw, "%s\t%s\tx%d\t%s\t%s\t%s\n", m.ID, m.Kind, m.Scale, stateColor(m.State).Sprint(m.State), size, m.Name)
	}
	tw.Flush()
}

func printDevice(w io.Writer, d types.DeviceInfo) {
	headerColor.Fprintf(w, "%s", strings.ToUpper(d.Backend))
	fmt.Fprintf(w, "  %s\n", d.Name)
	fmt.Fprintf(w, "  memory     %d MB\n", d.MemoryMB)
	fmt.Fprintf(w, "  max batch  %d\n", d.MaxBatch)
	if d.Version != "" {
		fmt.Fprintf(w, "  version    %s\n", d.Version)
	}
	dimColor.Fprintf(w, "  probed     %s\n", d.ProbedAt.Format("2006-01-02 15:04:05"))
}

func printHistory(w io.Writer, entries []types.HistoryEntry) {
	if len(entries) == 0 {
		dimColor.Fprintln(w, "no finished jobs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	headerColor.Fprintln(tw, "FINISHED\tSTATUS\tOUTPUTS\tLATENCY\tLABEL")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%.1fs\t%s\n",
			e.FinishedAt.Local().Format("2006-01-02 15:04"),
			statusColor(e.Status).Sprint(e.Status),
			e.Produced, e.Stages, e.Latency, e.Label)
		if e.Error != "" {
			errorColor.Fprintf(tw, "\t\t\t\t  %s\n", e.Error)
		}
	}
	tw.Flush()
}

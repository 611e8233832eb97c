package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/loadtest"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/results"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/store"
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	busyColor = color.New(color.FgYellow, color.Bold)
	dimColor  = color.New(color.Faint)
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func statusColor(status string) *color.Color {
	switch status {
	case string(loadtest.RunStatusComplete), string(loadtest.PhaseDone):
		return okColor
	case string(loadtest.RunStatusFailed), string(loadtest.PhaseCancelled):
		return failColor
	default:
		return busyColor
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}

	return t.Local().Format(time.DateTime)
}

func printRunRecord(rec *loadtest.RunRecord) error {
	if outputFormat == "json" {
		return printJSON(rec)
	}

	fmt.Printf("Test:     %s\n", rec.TestID)
	fmt.Printf("Run:      %s\n", rec.TestRunID)
	fmt.Printf("Status:   %s\n", statusColor(string(rec.Status)).Sprint(rec.Status))

	if rec.Reason != "" {
		fmt.Printf("Reason:   %s\n", rec.Reason)
	}

	fmt.Printf("Started:  %s\n", formatTime(rec.StartedAt))
	fmt.Printf("Ended:    %s\n\n", formatTime(rec.EndedAt))

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REGION\tPHASE\tTASKS\tLEADER\tERROR")

	for _, rs := range rec.Regions {
		leader := "-"
		if rs.LeaderHandle != nil {
			leader = string(rs.LeaderHandle.Status)
		}

		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n",
			rs.Region,
			statusColor(string(rs.Phase)).Sprint(rs.Phase),
			rs.RunningCount, rs.DesiredCount,
			leader,
			rs.Error,
		)
	}

	return tw.Flush()
}

func printHistory(h *store.HistoryRecord) error {
	if outputFormat == "json" {
		return printJSON(h)
	}

	fmt.Printf("Run %s of %s: %s\n", h.TestRunID, h.TestID, statusColor(string(h.Status)).Sprint(h.Status))
	fmt.Printf("  %s -> %s (%s)\n",
		formatTime(&h.StartTime), formatTime(&h.EndTime), h.EndTime.Sub(h.StartTime).Round(time.Second))

	if h.Reason != "" {
		fmt.Printf("  reason: %s\n", h.Reason)
	}

	if h.Results != nil {
		fmt.Println()

		return printAggregated(os.Stdout, h.Results)
	}

	return nil
}

func printHistoryList(list []store.HistoryRecord) error {
	if outputFormat == "json" {
		if list == nil {
			list = []store.HistoryRecord{}
		}

		return printJSON(list)
	}

	if len(list) == 0 {
		dimColor.Println("No runs recorded")

		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tDURATION\tSUCC%\tREASON")

	for i := range list {
		h := &list[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			h.TestRunID,
			statusColor(string(h.Status)).Sprint(h.Status),
			formatTime(&h.StartTime),
			h.EndTime.Sub(h.StartTime).Round(time.Second),
			h.SuccPercent,
			h.Reason,
		)
	}

	return tw.Flush()
}

func printAggregated(w io.Writer, r *results.AggregatedResult) error {
	fmt.Fprintf(w, "Success: %s%% of %d requests from %d tasks, test duration %ds\n\n",
		r.SuccPercent, r.Total.Throughput, r.TaskCount, r.TestDuration)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LABEL\tREQUESTS\tSUCC\tFAIL\tAVG RT\tP90\tP95\tP99")

	row := func(label string, s results.Stats) {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.3f\t%.3f\t%.3f\t%.3f\n",
			label, s.Throughput, s.Succ, s.Fail, s.AvgRt, s.P90_0, s.P95_0, s.P99_0)
	}

	row("(all)", r.Total)

	for _, l := range r.Labels {
		row(l.Label, l)
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.Regions) == 0 {
		return nil
	}

	fmt.Fprintln(w)

	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REGION\tTASKS\tSUCC\tFAIL\tAVG RT")

	for _, rs := range r.Regions {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.3f\n", rs.Region, rs.Tasks, rs.Succ, rs.Fail, rs.AvgRt)
	}

	return tw.Flush()
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/AleutianAI/discovery/pkg/ux"
	"github.com/AleutianAI/discovery/services/discovery/mcts"
	"github.com/AleutianAI/discovery/services/discovery/storage"
)

// printRecord renders a run record for a terminal.
func printRecord(w io.Writer, rec storage.Record) {
	theme := ux.NewTheme(w)
	status := string(rec.Status)
	if rec.Result != nil {
		status += ", " + string(rec.Result.Stats.TerminationReason)
	}
	fmt.Fprintf(w, "%s %s %s\n", statusIcon(theme, rec.Status), theme.Title.Render("Run "+rec.RunID), theme.Muted.Render("("+status+")"))
	fmt.Fprintf(w, "Seed: %s\n", rec.Seed)
	if rec.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", theme.Error.Render(rec.Error))
	}
	res := rec.Result
	if res == nil {
		return
	}

	st := res.Stats
	fmt.Fprintf(w, "Iterations: %d  Nodes: %d  Max depth: %d  Degraded: %d  Surprising: %d  Wall clock: %s\n",
		st.IterationsRun, res.TotalNodes, st.MaxDepthReached, st.DegradedNodes, st.SurprisingNodes,
		(time.Duration(st.WallClockMs) * time.Millisecond).String())
	if st.TokensUsed > 0 || st.CostUSD > 0 {
		fmt.Fprintf(w, "Oracle calls: %d evidence, %d generator  Tokens: %d  Cost: $%.4f\n",
			st.EvidenceCalls, st.GeneratorCalls, st.TokensUsed, st.CostUSD)
	}
	if st.ParentsClosedOnFailure > 0 {
		fmt.Fprintf(w, "%s %d branch(es) closed after repeated generator failures\n",
			theme.Icon(ux.IconWarning), st.ParentsClosedOnFailure)
	}
	if res.BestHypothesis == "" {
		fmt.Fprintln(w, "No hypothesis was evaluated.")
		return
	}
	fmt.Fprintf(w, "Best: %s (surprise %.4f)\n", theme.Highlight.Render(fmt.Sprintf("%q", res.BestHypothesis)), res.BestSurpriseScore)
	fmt.Fprintf(w, "Path: %s\n", theme.Subtitle.Render(strings.Join(res.BestPath, " -> ")))

	if len(res.TopK) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tSURPRISE\tP(TRUE)\tVISITS\tDEPTH\tCONFIDENCE\tHYPOTHESIS")
	for i, h := range res.TopK {
		mark := ""
		if h.Surprising {
			mark = " " + string(ux.IconSurprise)
		}
		fmt.Fprintf(tw, "%d\t%.4f%s\t%.2f\t%d\t%d\t%s\t%s\n",
			i+1, h.Score, mark, h.ProbabilityTrue, h.Visits, h.Depth, h.Confidence, h.Hypothesis)
	}
	_ = tw.Flush()
}

// printRecordList renders stored runs as a table.
func printRecordList(w io.Writer, recs []storage.Record) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No stored runs.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tCREATED\tSTATUS\tITERATIONS\tBEST SURPRISE\tSEED")
	for _, rec := range recs {
		iterations, best := 0, 0.0
		if rec.Result != nil {
			iterations = rec.Result.Stats.IterationsRun
			best = rec.Result.BestSurpriseScore
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.4f\t%s\n",
			rec.RunID, rec.CreatedAt.Local().Format(time.DateTime), rec.Status, iterations, best, shorten(rec.Seed, 60))
	}
	_ = tw.Flush()
}

func statusIcon(theme *ux.Theme, status mcts.RunStatus) string {
	switch status {
	case mcts.StatusCompleted:
		return theme.Icon(ux.IconSuccess)
	case mcts.StatusBudgetExhausted:
		return theme.Icon(ux.IconWarning)
	case mcts.StatusFailed:
		return theme.Icon(ux.IconError)
	default:
		return theme.Icon(ux.IconPending)
	}
}

// progressPrinter redraws one progress line per batch on a terminal.
func progressPrinter(w io.Writer) func(mcts.Progress) {
	theme := ux.NewTheme(w)
	return func(p mcts.Progress) {
		fmt.Fprintf(w, "\r%s %d/%d iterations  %d nodes  best %.4f",
			theme.ProgressBar(p.Iterations, p.MaxIterations, 24), p.Iterations, p.MaxIterations, p.Nodes, p.BestScore)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

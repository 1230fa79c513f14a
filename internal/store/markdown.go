package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/xkilldash9x/logdiag/api/schemas"
)

const (
	markdownCommits      = 5
	markdownCommitFiles  = 10
	markdownChangedFiles = 20
)

// RenderMarkdown formats a report for people.
func RenderMarkdown(r *schemas.DiagnosisResult) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line("# %s", orDefault(r.Title, "Log Diagnosis Report"))
	line("")
	line("**Generated:** %s", r.CreatedAt.UTC().Format(time.RFC3339))
	line("**Report ID:** `%s`", r.ID)
	line("**Job ID:** `%s`", r.JobID)
	line("**Processing Time:** %.2f seconds", r.ProcessingTime.Seconds())
	line("")

	line("## Executive Summary")
	line("")
	line("%s", orDefault(r.Summary, "No summary available"))
	line("")
	line("**Error Type:** `%s`", orDefault(r.ErrorType, "Unknown"))
	line("**Confidence Score:** %.1f%% %s", r.ConfidenceScore*100, confidenceBar(r.ConfidenceScore))
	line("")

	if p := r.Log; p != nil {
		line("## Error Details")
		line("")
		ts := "Unknown"
		if p.Timestamp != nil {
			ts = p.Timestamp.UTC().Format(time.RFC3339)
		}
		line("- **Timestamp:** %s", ts)
		line("- **Log Level:** `%s`", orDefault(p.Level, "Unknown"))
		line("- **Format:** %s", p.Format)
		line("- **Source:** %s", orDefault(p.Source, "Unknown"))
		line("- **Service:** %s", orDefault(p.ServiceName, "Unknown"))
		line("")
		line("### Original Log Message")
		line("")
		fence(&b, p.Message)
		if p.StackTrace != "" {
			line("### Stack Trace")
			line("")
			fence(&b, p.StackTrace)
		}
		if len(p.ExtractedErrors) > 0 {
			line("### Extracted Error Patterns")
			line("")
			for i, e := range p.ExtractedErrors {
				line("%d. `%s`", i+1, e)
			}
			line("")
		}
	}

	if r.RootCause != "" {
		line("## Root Cause Analysis")
		line("")
		line("%s", r.RootCause)
		line("")
	}
	if r.ErrorAnalysis != "" {
		line("## Technical Analysis")
		line("")
		line("%s", r.ErrorAnalysis)
		line("")
	}

	if g := r.Git; g != nil {
		line("## Repository Context")
		line("")
		if s := g.Snapshot; s != nil {
			line("- **Branch:** `%s`", s.Branch)
			line("- **Current Commit:** `%s`", s.CurrentCommit[:min(12, len(s.CurrentCommit))])
			line("- **Last Sync:** %s", s.SyncedAt.UTC().Format(time.RFC3339))
		}
		if g.Stale {
			line("- **Note:** the repository sync failed; this context may be out of date")
		}
		if g.SyncError != "" {
			line("- **Sync Error:** %s", g.SyncError)
		}
		line("")
		if s := g.Snapshot; s != nil && len(s.RecentCommits) > 0 {
			line("### Recent Commits")
			line("")
			for _, c := range s.RecentCommits[:min(len(s.RecentCommits), markdownCommits)] {
				line("#### %s - %s", c.ShortHash, c.Message)
				line("**Author:** %s | **Date:** %s", c.Author, c.Date.UTC().Format(time.RFC3339))
				if len(c.ChangedFiles) > 0 {
					line("**Changed Files:**")
					for _, f := range c.ChangedFiles[:min(len(c.ChangedFiles), markdownCommitFiles)] {
						line("- `%s`", f)
					}
				}
				line("")
			}
		}
		if s := g.Snapshot; s != nil && len(s.ChangedFiles) > 0 {
			line("### Recently Changed Files")
			line("")
			for _, f := range s.ChangedFiles[:min(len(s.ChangedFiles), markdownChangedFiles)] {
				line("- `%s`", f)
			}
			line("")
		}
	}

	if len(r.RelevantCodeFiles) > 0 {
		line("## Relevant Code Files")
		line("")
		line("The following files are most likely related to this error:")
		line("")
		for _, c := range r.RelevantCodeFiles {
			entry := fmt.Sprintf("- `%s` (%.1fKB)", c.FilePath, c.SizeKB)
			if c.SelectionReason != "" {
				entry += " - " + c.SelectionReason
			}
			line("%s", entry)
			for _, sn := range c.Snippets {
				line("  - lines %d-%d", sn.StartLine, sn.EndLine)
			}
		}
		line("")
	}

	if d := r.Discovery; d != nil {
		line("## Context Discovery")
		line("")
		line("- **Iterations:** %d", d.Iterations)
		line("- **Final Confidence:** %.2f", d.FinalConfidence)
		line("- **Context Size:** %.1f KB", d.TotalSizeKB)
		line("- **Stopped Because:** %s", d.StopReason)
		line("")
	}

	if len(r.Recommendations) > 0 {
		line("## Recommendations")
		line("")
		for i, rec := range r.Recommendations {
			line("%d. %s", i+1, rec)
		}
		line("")
	}

	line("## Action Items")
	line("")
	for _, item := range []string{
		"Review the root cause analysis",
		"Implement immediate fixes",
		"Review relevant code files",
		"Update monitoring/alerts if needed",
		"Document lessons learned",
	} {
		line("- [ ] %s", item)
	}
	return b.String()
}

func fence(b *strings.Builder, s string) {
	b.WriteString("```\n")
	b.WriteString(orDefault(s, "No message available"))
	b.WriteString("\n```\n\n")
}

func confidenceBar(c float64) string {
	filled := int(c * 10)
	filled = min(max(filled, 0), 10)
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", 10-filled) + "]"
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

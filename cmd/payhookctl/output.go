package main

import (
	"fmt"
	"io"
	"time"

	"charm.land/lipgloss/v2"
	go_json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/garrettladley/payhook/internal/storage"
)

const flagJSON = "json"

var (
	colorOK      = lipgloss.Color("#00F19F")
	colorWarn    = lipgloss.Color("#FFDE00")
	colorBad     = lipgloss.Color("#FF0026")
	colorPending = lipgloss.Color("#67AEE6")
	colorDim     = lipgloss.Color("#666666")
)

var (
	labelStyle = lipgloss.NewStyle().Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(colorDim)
)

func statusStyle(s storage.Status) lipgloss.Style {
	switch s {
	case storage.StatusProcessed:
		return lipgloss.NewStyle().Foreground(colorOK)
	case storage.StatusRetrying, storage.StatusProcessing:
		return lipgloss.NewStyle().Foreground(colorWarn)
	case storage.StatusFailed:
		return lipgloss.NewStyle().Foreground(colorBad)
	default:
		return lipgloss.NewStyle().Foreground(colorPending)
	}
}

func wantJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool(flagJSON)
	return v
}

func printJSON(w io.Writer, v any) error {
	data, err := go_json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printField(w io.Writer, label string, value any) {
	_, _ = fmt.Fprintf(w, "%s %v\n", labelStyle.Render(fmt.Sprintf("%-12s", label+":")), value)
}

func printEventLine(w io.Writer, e storage.WebhookEvent) {
	status := statusStyle(e.Status).Render(fmt.Sprintf("%-10s", e.Status))
	_, _ = fmt.Fprintf(w, "%s  %s  %-28s  %d/%d  %s\n",
		e.ID,
		status,
		e.EventType,
		e.RetryCount,
		e.MaxRetries,
		dimStyle.Render(e.CreatedAt.Format(time.RFC3339)),
	)
}

func printEvent(w io.Writer, e *storage.WebhookEvent) {
	printField(w, "id", e.ID)
	printField(w, "external id", e.ExternalID)
	printField(w, "type", e.EventType)
	printField(w, "status", statusStyle(e.Status).Render(string(e.Status)))
	printField(w, "retries", fmt.Sprintf("%d/%d", e.RetryCount, e.MaxRetries))
	if e.ErrorMessage != nil {
		printField(w, "error", *e.ErrorMessage)
	}
	if e.ProcessedAt != nil {
		printField(w, "processed", e.ProcessedAt.Format(time.RFC3339))
	}
	if len(e.ProcessingResult) > 0 {
		printField(w, "result", string(e.ProcessingResult))
	}
	printField(w, "created", e.CreatedAt.Format(time.RFC3339))
	printField(w, "updated", e.UpdatedAt.Format(time.RFC3339))
}

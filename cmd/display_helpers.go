package cmd

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/CodeMonkeyCybersecurity/scout/internal/scanner"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/types"
)

func colorStatus(status types.ScanStatus) string {
	switch status {
	case types.ScanStatusCompleted:
		return color.New(color.FgGreen).Sprint("✓ " + string(status))
	case types.ScanStatusPending:
		return color.New(color.FgYellow).Sprint("⟳ " + string(status))
	case types.ScanStatusFailed:
		return color.New(color.FgRed).Sprint("✗ " + string(status))
	default:
		return string(status)
	}
}

func colorSeverity(severity types.Severity) string {
	switch severity {
	case types.SeverityHigh:
		return color.New(color.FgRed, color.Bold).Sprint("HIGH")
	case types.SeverityLow:
		return color.New(color.FgCyan).Sprint("LOW")
	default:
		return string(severity)
	}
}

// printReport highlights the result lines of a markdown scan report.
func printReport(report string) {
	for _, line := range strings.Split(report, "\n") {
		switch {
		case strings.Contains(line, "❌"):
			color.Red(line)
		case strings.Contains(line, "⚠️"):
			color.Yellow(line)
		case strings.Contains(line, "✅"):
			color.Green(line)
		case strings.HasPrefix(line, "## "):
			color.New(color.Bold).Println(line)
		default:
			fmt.Println(line)
		}
	}
}

func printScan(scan *types.Scan) {
	fmt.Printf("Scan:        %s\n", scan.ID)
	fmt.Printf("Application: %s\n", scan.ApplicationID)
	fmt.Printf("Started:     %s\n", scan.ScanDate.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("Status:      %s\n", colorStatus(scan.Status))
	if scan.CompletedAt != nil {
		fmt.Printf("Finished:    %s\n", scan.CompletedAt.Format("2006-01-02 15:04:05 MST"))
	}
	if scan.Status == types.ScanStatusFailed {
		printScanError(&scanner.ScanError{Code: scan.ErrorCode, Message: scan.ErrorMessage, EndpointID: scan.ErrorEndpointID})
	}
	fmt.Println()
	printReport(scan.OutputSummary)
}

func printScanError(se *scanner.ScanError) {
	color.Red("Error:       %s", se.Code)
	if se.EndpointID != "" {
		fmt.Printf("Endpoint:    %s\n", se.EndpointID)
	}
	fmt.Printf("Cause:       %s\n", se.Message)
}

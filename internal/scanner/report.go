package scanner

import (
	"fmt"
	"strings"

	"github.com/CodeMonkeyCybersecurity/scout/pkg/types"
)

const (
	summaryHeader = "## Scanned APIs: \n\n"
	resultsHeader = "\n\n\n## Results:"
)

// summary lists the endpoints a scan covers. It is stored on the PENDING scan
// and is all a FAILED scan keeps.
func summary(endpoints []*types.APIEndpoint) string {
	lines := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		lines = append(lines, fmt.Sprintf("- `%s` => %s %s", ep.ID, ep.Method, ep.Path))
	}
	return summaryHeader + strings.Join(lines, "\n")
}

func endpointSection(endpointID, fragment string) string {
	return fmt.Sprintf("\n\n- API: `%s`\n%s", endpointID, fragment)
}

func passLine(checkType types.CheckType, message string) string {
	return fmt.Sprintf("\t- ✅ [%s]: %s", checkType, message)
}

func failLine(checkType types.CheckType, severity types.Severity, message string) string {
	return fmt.Sprintf("\t- ❌ [%s][%s] %s", checkType, severity, message)
}

func invalidLine(checkType types.CheckType, err error) string {
	return fmt.Sprintf("\t- ⚠️ [%s]: invalid rule document: %v", checkType, err)
}

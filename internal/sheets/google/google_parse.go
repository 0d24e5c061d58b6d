package google

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"groupsave/internal/core"
)

// activityRow renders an activity in the sheets.Columns order.
func activityRow(a core.GroupActivity) []any {
	return []any{
		a.CreatedAt.UTC().Format(time.RFC3339),
		a.GroupID,
		string(a.Type),
		a.UserID,
		a.Description,
		a.ID,
		formatMetadata(a.Metadata),
	}
}

// formatMetadata renders metadata as "k=v; k=v" with sorted keys so rows are
// stable across exports.
func formatMetadata(md map[string]string) string {
	if len(md) == 0 {
		return ""
	}
	parts := make([]string, 0, len(md))
	for _, k := range slices.Sorted(maps.Keys(md)) {
		parts = append(parts, k+"="+md[k])
	}
	return strings.Join(parts, "; ")
}

// rowNumber extracts the first row of an A1 range such as "Activity!A12:G12".
func rowNumber(a1 string) (int, error) {
	cell := a1
	if i := strings.LastIndex(cell, "!"); i >= 0 {
		cell = cell[i+1:]
	}
	if i := strings.Index(cell, ":"); i >= 0 {
		cell = cell[:i]
	}
	digits := strings.TrimLeftFunc(cell, func(r rune) bool {
		return (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || r == '$'
	})
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("no row in range %q", a1)
	}
	return n, nil
}

// columnRange is the A1 range covering every exported column of sheet.
func columnRange(sheet string, columns int) string {
	return fmt.Sprintf("'%s'!A:%c", strings.ReplaceAll(sheet, "'", "''"), 'A'+rune(columns-1))
}

package sheets

import (
	"context"

	"groupsave/internal/core"
)

// Ports for outbound adapters.
type (
	// ActivityExporter appends activity entries to an external dashboard.
	// Delivery is at least once; the worker skips ids it has already seen
	// but a restart can still repeat an entry.
	ActivityExporter interface {
		ExportActivity(ctx context.Context, a core.GroupActivity) (rowRef string, err error)
	}

	// HeaderWriter prepares an empty sheet with column titles.
	HeaderWriter interface {
		EnsureHeader(ctx context.Context) error
	}
)

// Columns is the row layout shared by every exporter.
var Columns = []string{"Timestamp", "Group", "Type", "User", "Description", "Activity ID", "Metadata"}

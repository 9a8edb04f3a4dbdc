package taskstore

import (
	"log/slog"

	"github.com/you-humble/datacollector/internal/domain"
	"github.com/you-humble/datacollector/internal/pathres"
)

// RegenerateDownloadPaths recomputes the download folder of tasks written
// before schema version 2, when folder names did not strip identifier schemes.
func RegenerateDownloadPaths(reg *pathres.Registry) Migration {
	return func(t domain.CollectionTask) domain.CollectionTask {
		if t.SchemaVersion >= 2 {
			return t
		}

		p, err := reg.Lookup(t.DatasetProvider)
		if err != nil {
			p = pathres.Provider{Name: t.DatasetProvider}
		}

		next := pathres.ResolveDownloadPath(t.DatasetIdentifier, t.DatasetID, t.DatasetVersion, p)
		if next != t.DownloadPath {
			slog.Debug("task store: download path regenerated",
				slog.String("task_id", t.ID),
				slog.String("old", t.DownloadPath),
				slog.String("new", next),
			)
			t.DownloadPath = next
		}
		return t
	}
}

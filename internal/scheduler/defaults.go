package scheduler

import (
	"beatsync/internal/domain"
	"beatsync/internal/schedule"
)

const backendCleanupName = "backend_cleanup"

func installDefaults(entries map[string]domain.TaskDefinition, d Defaults) {
	if d.BackendCleanup {
		entries[backendCleanupName] = domain.TaskDefinition{
			Name:     backendCleanupName,
			Target:   "beatsync.backend_cleanup",
			Schedule: schedule.Crontab{Minute: "0", Hour: "4", DayOfWeek: "*", DayOfMonth: "*", MonthOfYear: "*"},
			Options:  map[string]any{"expires": 12 * 3600},
		}.Normalized()
	}
}

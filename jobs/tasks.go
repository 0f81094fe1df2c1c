package jobs

import (
	"fmt"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/debtledger/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// NewTaskByName builds a task for one of the known task types using its
// default payload. Used by the CLI and the scheduler.
func NewTaskByName(name string, mode string, year int) (*asynq.Task, error) {
	switch name {
	case TaskDebtSyncAll:
		return NewDebtSyncTask(mode, year)
	case TaskDebtAudit:
		return NewDebtAuditTask(year)
	default:
		return nil, fmt.Errorf("jobs: unsupported task %s", name)
	}
}

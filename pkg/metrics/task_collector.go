package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/fuse-drs/drs-provider/internal/store"
	"github.com/fuse-drs/drs-provider/internal/store/model"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const collectTimeout = 5 * time.Second

type taskStatusCollector struct {
	store      store.Store
	totalTasks *prometheus.Desc
}

// NewTaskStatusCollector reports the number of task records per status each
// time prometheus scrapes.
func NewTaskStatusCollector(s store.Store) prometheus.Collector {
	return &taskStatusCollector{
		store: s,
		totalTasks: prometheus.NewDesc(
			fmt.Sprintf("%s_tasks", drsProvider),
			"Number of task records by status.",
			[]string{statusLabel},
			prometheus.Labels{},
		),
	}
}

func (c *taskStatusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalTasks
}

// Collect implements Collector.
func (c *taskStatusCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	counts, err := c.store.Task().CountByStatus(ctx)
	if err != nil {
		zap.S().Named("task_collector").Errorf("failed to collect task statistics: %s", err)
		return
	}

	for _, status := range []model.TaskStatus{
		model.TaskStatusQueued,
		model.TaskStatusStarted,
		model.TaskStatusCompleted,
		model.TaskStatusFailed,
	} {
		ch <- prometheus.MustNewConstMetric(c.totalTasks, prometheus.GaugeValue, float64(counts[status]), string(status))
	}
}

package dispatcher

import "github.com/nimburion/conveyor/pkg/pipeline"

// WorkersToStart is min(max(0, max_concurrency - inflight),
// ceil(ready / trigger_batch_size)).
func WorkersToStart(cfg StageConfig, backlog pipeline.Backlog) int {
	capacity := max(0, cfg.MaxConcurrency-backlog.Inflight)
	if capacity == 0 || backlog.Ready <= 0 {
		return 0
	}
	batch := max(1, cfg.TriggerBatchSize)
	wanted := (backlog.Ready + batch - 1) / batch
	return min(capacity, wanted)
}

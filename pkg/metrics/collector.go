package metrics

import (
	"context"
	"time"

	"github.com/campipeline/cam/pkg/storage"
)

// Collector periodically samples the store into the TasksByStatus and
// WorkersByStatus gauges.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector constructs a Collector.
func NewCollector(store storage.Store) *Collector {
	return &Collector{store: store, stopCh: make(chan struct{})}
}

// Start begins sampling every 15 seconds until Stop is called.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop ends sampling.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.collectTaskMetrics(ctx)
	c.collectWorkerMetrics(ctx)
}

func (c *Collector) collectTaskMetrics(ctx context.Context) {
	waiting, err := c.store.ListWaitingTasks(ctx, 1<<20)
	if err == nil {
		TasksByStatus.WithLabelValues("waiting").Set(float64(len(waiting)))
	}

	queued, err := c.store.ListQueuedTasks(ctx, 1<<20)
	if err == nil {
		TasksByStatus.WithLabelValues("queued").Set(float64(len(queued)))
	}

	running := 0
	afterID := ""
	for {
		page, err := c.store.ListRunningTasksPage(ctx, afterID, 500)
		if err != nil || len(page) == 0 {
			break
		}
		running += len(page)
		afterID = page[len(page)-1].ID
		if len(page) < 500 {
			break
		}
	}
	TasksByStatus.WithLabelValues("running").Set(float64(running))
}

func (c *Collector) collectWorkerMetrics(ctx context.Context) {
	workers, err := c.store.ListWorkers(ctx)
	if err != nil {
		return
	}

	counts := make(map[[2]string]int)
	for _, w := range workers {
		counts[[2]string{string(w.Status), string(w.Mode)}]++
	}
	for key, count := range counts {
		WorkersByStatus.WithLabelValues(key[0], key[1]).Set(float64(count))
	}
}

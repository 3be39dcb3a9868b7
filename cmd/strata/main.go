package main

import (
	"context"
	"log"
	"math"
	"os"

	"github.com/seantiz/strata/internal/config"
	"github.com/seantiz/strata/internal/history"
	"github.com/seantiz/strata/internal/loop"
	"github.com/seantiz/strata/internal/manager"
	"github.com/seantiz/strata/internal/monitor"
	"github.com/seantiz/strata/internal/pipeline"
	"github.com/seantiz/strata/internal/task"
)

const demoFrames = 5

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("strata: starting",
		"max_workers", cfg.MaxWorkers,
		"monitor_addr", cfg.MonitorAddr,
		"history_path", cfg.HistoryPath,
	)

	var journal history.Store
	if cfg.HistoryPath != "" {
		db, err := history.NewSQLiteStore(cfg.HistoryPath)
		if err != nil {
			log.Fatalf("failed to open history database: %v", err)
		}
		defer db.Close()
		journal = db
	}

	// The main goroutine is the loop goroutine: it evaluates pipelines and
	// pumps the loop while waiting.
	mainLoop := loop.New()
	owner := loop.NewOwner(mainLoop)
	defer owner.Destroy()
	pool := task.NewPool(cfg.MaxWorkers)

	opts := []manager.Option{}
	if journal != nil {
		opts = append(opts, manager.WithHistory(journal))
	}
	tasks := manager.New(mainLoop, logger, opts...)

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	srv := monitor.NewServer(cfg.MonitorAddr, tasks, journal, logger)
	go func() {
		if err := srv.Run(monitorCtx); err != nil {
			logger.Error("monitor server failed", "error", err)
		}
	}()

	// Log progress notifications as they arrive.
	notes, unsub := tasks.Broker().Subscribe()
	defer unsub()
	go func() {
		for n := range notes {
			logger.Debug("task notification", "kind", n.Kind, "task_id", n.TaskID, "text", n.Text)
		}
	}()

	source := pipeline.NewSourceNode("sine-frames", sineFrames)
	smoothed := pipeline.NewStageNode(
		&smoothingStage{window: 5}, source, owner, pool, logger,
		pipeline.WithTaskManager(tasks),
	)
	stats := pipeline.NewStageNode(
		&statisticsStage{}, smoothed, owner, pool, logger,
		pipeline.WithTaskManager(tasks),
	)

	for frame := pipeline.Time(0); frame < demoFrames; frame++ {
		fut := stats.Evaluate(pipeline.EvalRequest{Time: frame})
		ok := tasks.WaitForTask(fut.State())
		if !ok {
			logger.Warn("evaluation did not complete", "frame", frame)
			fut.Release()
			continue
		}
		state, err := fut.Result()
		fut.Release()
		if err != nil {
			logger.Error("evaluation failed", "frame", frame, "error", err)
			continue
		}
		summary := state.Data().Get("statistics")
		logger.Info("frame evaluated",
			"frame", frame,
			"status", state.Status().Kind.String(),
			"min", summary.Values[0],
			"max", summary.Values[1],
			"mean", summary.Values[2],
		)
	}

	tasks.CancelAllAndWait()
	tasks.Close()
	pool.Wait()
	logger.Info("strata: done")
}

// sineFrames produces a noisy sine wave whose phase advances per frame. Each
// frame's data is valid only at that frame.
func sineFrames(t pipeline.Time) (*pipeline.DataCollection, pipeline.TimeInterval, error) {
	const samples = 1024
	values := make([]float64, samples)
	phase := float64(t) * 0.25
	for i := range values {
		x := float64(i) / 64.0
		values[i] = math.Sin(x+phase) + 0.1*math.Sin(13*x)
	}
	data := pipeline.NewDataCollection(pipeline.NewDataArray("values", values))
	return data, pipeline.IntervalAt(t), nil
}

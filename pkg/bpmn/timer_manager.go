package bpmn

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/abada-io/abada-engine/pkg/bpmn/runtime"
)

// processTimerFunc fires one due timer and continues the owning process
// instance. It must tolerate being called again for the same timer: a fire
// whose resume failed is retried on the next poll.
type processTimerFunc func(ctx context.Context, timer runtime.Timer)

// pollTimerFunc returns the timers due before end.
type pollTimerFunc func(ctx context.Context, end time.Time) ([]runtime.Timer, error)

// timerManager periodically sweeps storage for due timers and fires them.
// The sweep is independent of request-driven calls; firing serializes on the
// per-instance lock like every other resume path.
type timerManager struct {
	pollInterval     time.Duration
	ctx              context.Context
	ctxCancelFunc    context.CancelFunc
	done             chan struct{}
	logger           hclog.Logger
	processTimerFunc processTimerFunc
	pollTimerFunc    pollTimerFunc
}

func newTimerManager(processTimerFunc processTimerFunc, pollTimerFunc pollTimerFunc, pollInterval time.Duration, logger hclog.Logger) *timerManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &timerManager{
		pollInterval:     pollInterval,
		ctx:              ctx,
		ctxCancelFunc:    cancel,
		done:             make(chan struct{}),
		logger:           logger.Named("timer-manager"),
		processTimerFunc: processTimerFunc,
		pollTimerFunc:    pollTimerFunc,
	}
}

func (tm *timerManager) run() {
	defer close(tm.done)
	pollTicker := time.NewTicker(tm.pollInterval)
	defer pollTicker.Stop()
	for {
		select {
		case <-tm.ctx.Done():
			return
		case now := <-pollTicker.C:
			dueTimers, err := tm.pollTimerFunc(tm.ctx, now)
			if err != nil {
				tm.logger.Error(fmt.Sprintf("Failed to poll timers for processing: %s", err))
				continue
			}
			for _, timer := range dueTimers {
				select {
				case <-tm.ctx.Done():
					return
				default:
				}
				tm.processTimerFunc(tm.ctx, timer)
			}
		}
	}
}

func (tm *timerManager) start() {
	go tm.run()
}

func (tm *timerManager) stop() {
	tm.ctxCancelFunc()
	<-tm.done
}

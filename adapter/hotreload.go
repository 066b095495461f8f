package adapter

import (
	"context"

	"github.com/srediag/plugin-bridge/internal/logging"
	"github.com/srediag/plugin-bridge/pkg/lifecycle"
)

var logger = logging.New("adapter")

// Restarter is implemented by *lifecycle.Coordinator.
type Restarter interface {
	Start(portID int64) error
	Status() lifecycle.Status
}

// HotReload restarts the worker logic on its current port every time trigger
// fires, until ctx is done or trigger is closed. Triggers before the logic
// has been started are ignored.
func HotReload(ctx context.Context, r Restarter, trigger <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-trigger:
			if !ok {
				return
			}
			st := r.Status()
			if !st.Started {
				logger.Warnf("hot reload requested before startLogic, ignoring")
				continue
			}
			if err := r.Start(st.HomePort); err != nil {
				logger.Errorf("hot reload on port %d failed: %v", st.HomePort, err)
				continue
			}
			logger.Infof("worker logic reloaded on port %d", st.HomePort)
		}
	}
}

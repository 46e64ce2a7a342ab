package commands

import (
	"context"

	"github.com/uesteibar/ralphd/internal/activity"
	"github.com/uesteibar/ralphd/internal/launcher"
	"github.com/uesteibar/ralphd/internal/scheduler"
	"github.com/uesteibar/ralphd/internal/state"
)

// schedulerLauncher adapts the process launcher to the scheduler's
// collaborator interface.
type schedulerLauncher struct {
	l *launcher.Launcher
}

func (a *schedulerLauncher) Launch(ctx context.Context, exec state.Execution) (scheduler.Launched, error) {
	res, err := a.l.Launch(ctx, exec)
	if err != nil {
		return scheduler.Launched{}, err
	}
	return scheduler.Launched{AgentTaskID: res.AgentTaskID, LogPath: res.LogPath}, nil
}

// activityRecorder adapts the sqlite activity log to the server's recorder
// interface.
type activityRecorder struct {
	log *activity.Log
}

func (a *activityRecorder) RecordEvent(executionID, branch, eventType, fromStatus, toStatus, detail string) error {
	return a.log.Record(activity.Entry{
		ExecutionID: executionID,
		Branch:      branch,
		EventType:   eventType,
		FromStatus:  fromStatus,
		ToStatus:    toStatus,
		Detail:      detail,
	})
}

package trainer

import (
	"context"

	"github.com/zauberzeug/loopnode/types"
)

// CheckState is the trainer node's periodic health pass over a running
// training: inspect the subprocess log for a trainer-reported failure, then
// opportunistically sync the newest snapshot. A dead subprocess is left to
// the training task, which observes the exit within its next liveness poll.
func (l *Logic) CheckState(ctx context.Context) {
	l.Errors.Reset(errorKeyTrainingError)
	if l.TrainingState() != types.TrainerStateTrainingRunning {
		return
	}

	if msg := l.trainer.GetExecutorErrorFromLog(l.GetLog()); msg != "" {
		l.log.Errorw("training failed", "error", msg, "log_tail", tail(l.GetLog(), 1000))
		l.Errors.Set(errorKeyTrainingError, msg)
		go l.Stop()
		return
	}
	if !l.ExecutorRunning() {
		return
	}
	l.TryGetNewModel(ctx)
}

// TryGetNewModel syncs the confusion matrix if the pacing limiter allows it.
// The limiter is shared with the training task, so the two periodic paths
// together still sync at most once per interval.
func (l *Logic) TryGetNewModel(ctx context.Context) {
	if !l.syncLimiter.Allow() {
		return
	}
	if err := l.syncConfusionMatrix(ctx); err != nil {
		l.Errors.Set(errorKeyGetNewModel, err.Error())
		return
	}
	l.Errors.Reset(errorKeyGetNewModel)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

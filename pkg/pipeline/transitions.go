package pipeline

import "time"

// The functions below are the state machine shared by every Store. They
// validate the current state and mutate job and stage in place.

func checkEnqueue(job *Job, stage *StageState) error {
	if job.Status.Terminal() {
		return pipelineError(ErrTerminal, "job "+job.ID+" is "+string(job.Status))
	}
	if stage != nil && stage.Status.Terminal() {
		return pipelineError(ErrTerminal, "stage "+stage.Stage+" of job "+job.ID+" is "+string(stage.Status))
	}
	return nil
}

func applyQueued(job *Job, stage *StageState, now time.Time) {
	job.Stage = stage.Stage
	job.Status = JobQueued
	job.Priority = stage.Priority
	job.AttemptCount = stage.AttemptCount
	job.LastQueuedAt = timePtr(now)
	if job.FirstQueuedAt == nil {
		job.FirstQueuedAt = timePtr(now)
	}
	job.UpdatedAt = now
}

func applyRevert(stage *StageState, lastError string, now time.Time) {
	if stage.Status != StageQueued {
		return
	}
	stage.Status = StagePending
	stage.LastError = lastError
	stage.UpdatedAt = now
}

func applyDequeue(job *Job, stage *StageState, visibleUntil, now time.Time) error {
	if job.Status.Terminal() {
		return pipelineError(ErrTerminal, "job "+job.ID+" is "+string(job.Status))
	}
	if stage.Status.Terminal() {
		return pipelineError(ErrTerminal, "stage "+stage.Stage+" of job "+job.ID+" is "+string(stage.Status))
	}
	stage.Status = StageProcessing
	stage.AttemptCount++
	stage.LastDequeuedAt = timePtr(now)
	stage.VisibleUntil = timePtr(visibleUntil)
	if stage.StartedAt == nil {
		stage.StartedAt = timePtr(now)
	}
	stage.UpdatedAt = now

	job.Status = JobProcessing
	job.Stage = stage.Stage
	job.AttemptCount = stage.AttemptCount
	job.LastDequeuedAt = timePtr(now)
	job.UpdatedAt = now
	return nil
}

func applyComplete(job *Job, stage *StageState, result []byte, jobTerminal bool, now time.Time) error {
	if stage.Status == StageFailed {
		return pipelineError(ErrTerminal, "stage "+stage.Stage+" of job "+job.ID+" already failed")
	}
	if stage.Status != StageCompleted {
		stage.Status = StageCompleted
		stage.Result = append([]byte(nil), result...)
		stage.FinishedAt = timePtr(now)
		stage.VisibleUntil = nil
		stage.UpdatedAt = now
	}

	if job.Status.Terminal() {
		return nil
	}
	job.LastCompletedAt = timePtr(now)
	job.UpdatedAt = now
	if jobTerminal {
		job.Status = JobCompleted
		job.Stage = stage.Stage
		job.Result = append([]byte(nil), result...)
		job.Error = ""
	}
	return nil
}

func applyRetry(stage *StageState, nextRetryAt time.Time, lastError string, now time.Time) {
	stage.NextRetryAt = timePtr(nextRetryAt)
	stage.LastError = lastError
	stage.UpdatedAt = now
}

func applyFailed(job *Job, stage *StageState, reason, errText string, now time.Time) error {
	if job.Status == JobCompleted {
		return pipelineError(ErrTerminal, "job "+job.ID+" already completed")
	}
	stage.Status = StageFailed
	stage.DeadLetteredAt = timePtr(now)
	stage.DeadLetterReason = reason
	stage.LastError = errText
	stage.FinishedAt = timePtr(now)
	stage.VisibleUntil = nil
	stage.UpdatedAt = now

	job.Status = JobFailed
	job.Stage = stage.Stage
	job.Error = errText
	job.LastFailedAt = timePtr(now)
	job.LastDeadLetterAt = timePtr(now)
	job.UpdatedAt = now
	return nil
}

func applyReset(job *Job, stage *StageState, now time.Time) {
	stage.Status = StagePending
	stage.AttemptCount = 0
	stage.NextRetryAt = nil
	stage.DeadLetteredAt = nil
	stage.DeadLetterReason = ""
	stage.FinishedAt = nil
	stage.VisibleUntil = nil
	stage.UpdatedAt = now

	job.Status = JobQueued
	job.Stage = stage.Stage
	job.Error = ""
	job.AttemptCount = 0
	job.UpdatedAt = now
}

// stalled reports whether stage of a running job waits on a message that
// was never sent. A completed stage still named by the job means the job
// was not advanced past it.
func stalled(job *Job, stage *StageState) bool {
	switch stage.Status {
	case StagePending:
		return true
	case StageCompleted:
		return job.Stage == stage.Stage
	}
	return false
}

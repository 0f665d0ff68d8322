package executor

import (
	"context"

	"github.com/hpcstack/nodemanager/pkg/events"
	"github.com/hpcstack/nodemanager/pkg/httpclient"
	"github.com/hpcstack/nodemanager/pkg/log"
	"github.com/hpcstack/nodemanager/pkg/metrics"
	"github.com/hpcstack/nodemanager/pkg/supervisor"
	"github.com/hpcstack/nodemanager/pkg/tasktable"
)

// completionCallback builds the closure the supervisor invokes exactly
// once when task's process is reaped. It cancels any pending grace-period
// timer, records the result on the task (unless EndTask/EndJob already
// did, in which case this is a no-op, per the "exactly one of the two
// wins" rule), reports the outcome to the head node, and finally removes
// the task from the table under an attempt-id guard so a stale callback
// from a superseded attempt can't delete a newer one.
func (e *Executor) completionCallback(task *tasktable.TaskInfo, callbackURI string) supervisor.CompletionFunc {
	return func(exitCode int, message string, stats tasktable.ProcessStatistics) {
		logger := log.WithTask(task.JobID, task.TaskID, task.RequeueCount)

		e.table.Mu.Lock()

		if task.CancelGrace != nil {
			task.CancelGrace()
			task.CancelGrace = nil
		}

		var result TaskResult
		alreadyEnded := task.Exited

		if alreadyEnded {
			logger.Debug().Msg("ended already by EndTask")
		} else {
			task.Exited = true
			task.ExitCode = exitCode
			task.Message = message
			task.Stats = stats
			task.ProcessIDs = stats.ProcessIDs
			result = e.resultFromTask(task)
		}

		attemptID := task.AttemptID
		e.table.Mu.Unlock()

		if !alreadyEnded {
			reason := "exited"
			if exitCode != 0 {
				reason = "failed"
			}
			metrics.TasksCompletedTotal.WithLabelValues(reason).Inc()

			e.reportTaskCompletion(task.JobID, task.TaskID, task.RequeueCount, result, callbackURI)
			eventType := events.TypeTaskCompleted
			if exitCode != 0 {
				eventType = events.TypeTaskFailed
			}
			e.broker.Publish(events.Event{Type: eventType, JobID: task.JobID, TaskID: task.TaskID, Message: message})
		}

		// This won't remove a task entry added by a later attempt, since
		// that entry's AttemptID won't match the one this callback closed
		// over.
		e.table.Mu.Lock()
		e.table.RemoveTask(task.JobID, task.TaskID, attemptID)
		e.table.Mu.Unlock()

		logger.Debug().Uint64("process_key", task.ProcessKey).Msg("process callback done")
	}
}

// reportTaskCompletion POSTs result to callbackURI (resolved through the
// naming client if it carries a service token). A non-2xx response or
// send failure triggers a resync, per the original system's
// ResyncAndInvalidateCache-on-failure behavior, since it usually means
// the head node's address has moved.
func (e *Executor) reportTaskCompletion(jobID, taskID, requeueCount int, result TaskResult, callbackURI string) {
	if callbackURI == "" {
		return
	}

	logger := log.WithTask(jobID, taskID, requeueCount)
	ctx := context.Background()

	req, err := httpclient.NewJSONRequest(ctx, e.namingClient, "POST", callbackURI, result)
	if err != nil {
		logger.Error().Err(err).Msg("build task completion callback request failed")
		e.resyncAndInvalidateCache()
		return
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		logger.Error().Err(err).Str("uri", callbackURI).Msg("task completion callback failed")
		e.resyncAndInvalidateCache()
		return
	}
	defer resp.Body.Close()

	logger.Info().Str("uri", callbackURI).Int("status", resp.StatusCode).Msg("task completion callback response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.resyncAndInvalidateCache()
	}
}

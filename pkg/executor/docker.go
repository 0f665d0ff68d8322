package executor

import (
	"context"
	"os/exec"
	"strconv"

	"github.com/hpcstack/nodemanager/pkg/log"
	"github.com/hpcstack/nodemanager/pkg/tasktable"
)

// startDockerSubTask starts an MPI non-master task's Docker sidecar via
// the external StartMpiContainer.sh contract (spec.md §4.6.2): the agent
// never talks to a container runtime API for these, only to the script.
func (e *Executor) startDockerSubTask(ctx context.Context, task *tasktable.TaskInfo, info StartInfo, userName string) {
	dockerImage := info.EnvironmentVariables["CCP_DOCKER_IMAGE"]
	if dockerImage == "" {
		return
	}
	isNvidiaDocker := info.EnvironmentVariables["CCP_DOCKER_NVIDIA"]

	logger := log.WithTask(task.JobID, task.TaskID, task.RequeueCount)

	cmd := exec.CommandContext(ctx, "/bin/bash", "StartMpiContainer.sh",
		strconv.Itoa(task.TaskID), userName, dockerImage, isNvidiaDocker)

	output, err := cmd.CombinedOutput()
	if err != nil {
		logger.Error().Err(err).Str("output", string(output)).Msg("start MPI container failed")
		return
	}

	logger.Info().Msg("start MPI container successfully")
}

// stopDockerSubTask stops an MPI non-master task's Docker sidecar via
// StopMpiContainer.sh (spec.md §4.6.4).
func (e *Executor) stopDockerSubTask(ctx context.Context, taskID int) {
	logger := log.WithComponent("executor")

	cmd := exec.CommandContext(ctx, "/bin/bash", "StopMpiContainer.sh", strconv.Itoa(taskID))
	output, err := cmd.CombinedOutput()
	if err != nil {
		logger.Error().Err(err).Int("task_id", taskID).Str("output", string(output)).Msg("stop MPI container failed")
		return
	}

	logger.Info().Int("task_id", taskID).Msg("stop MPI container successfully")
}

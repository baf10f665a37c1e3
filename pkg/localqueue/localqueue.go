/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package localqueue is a concrete default for the local queue-system
// superclass the dispatcher delegates a submission's actual process
// creation to, and the registry it reaps status and kill requests from.
package localqueue

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
)

// Status is the three-valued status a local process collaborator reports:
// RUNNING while the process has not exited, otherwise SUCCEEDED or FAILED
// (with the exit state as Details).
type Status struct {
	State   string
	Details string
}

// QueueSystem runs submitted command lines as local child processes (ssh
// invocations that block until the remote command exits) and tracks them
// by local pid so status/kill requests can be served without re-deriving
// process state from the OS.
type QueueSystem struct {
	mu        sync.Mutex
	processes map[int]*exec.Cmd
}

func New() *QueueSystem {
	return &QueueSystem{processes: map[int]*exec.Cmd{}}
}

// SubmitSlave starts cmdArgs as a local process (an ssh invocation, in
// practice) and returns its local pid along with any start-time stderr.
func (q *QueueSystem) SubmitSlave(ctx context.Context, cmdArgs []string) (int, string, error) {
	if len(cmdArgs) == 0 {
		return 0, "", fmt.Errorf("no command given")
	}
	cmd := exec.CommandContext(ctx, cmdArgs[0], cmdArgs[1:]...)
	if err := cmd.Start(); err != nil {
		return 0, err.Error(), err
	}
	pid := cmd.Process.Pid
	q.mu.Lock()
	q.processes[pid] = cmd
	q.mu.Unlock()
	go func() {
		_ = cmd.Wait()
	}()
	return pid, "", nil
}

// KillJob kills (SIGKILL) the local process tracked under localPid.
// Returns true if a process was found to signal.
func (q *QueueSystem) KillJob(localPid int) bool {
	q.mu.Lock()
	cmd, ok := q.processes[localPid]
	q.mu.Unlock()
	if !ok || cmd.Process == nil {
		return false
	}
	return cmd.Process.Kill() == nil
}

// GetStatusForAllJobs reports, for every tracked local pid, whether the
// process is still running.
func (q *QueueSystem) GetStatusForAllJobs() map[int]Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	statuses := make(map[int]Status, len(q.processes))
	for pid, cmd := range q.processes {
		if cmd.ProcessState == nil {
			statuses[pid] = Status{State: "RUNNING"}
		} else if cmd.ProcessState.Success() {
			statuses[pid] = Status{State: "SUCCEEDED"}
		} else {
			statuses[pid] = Status{State: "FAILED", Details: cmd.ProcessState.String()}
		}
	}
	return statuses
}

// Poll reports whether localPid is still running, used by cleanup to
// decide whether a machine is still busy.
func (q *QueueSystem) Poll(localPid int) bool {
	q.mu.Lock()
	cmd, ok := q.processes[localPid]
	q.mu.Unlock()
	return ok && cmd.ProcessState == nil
}

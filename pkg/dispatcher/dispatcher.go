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

// Package dispatcher assigns submitted jobs to owned machines round-robin,
// tracks them to completion, and releases machines back to the catalog
// once idle.
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/texttest/ec2cloud/pkg/agent"
	sdk "github.com/texttest/ec2cloud/pkg/aws"
	"github.com/texttest/ec2cloud/pkg/catalog"
	"github.com/texttest/ec2cloud/pkg/localqueue"
	"github.com/texttest/ec2cloud/pkg/ownership"
)

// HostApp is everything Dispatcher needs when building agents for newly
// owned instances; remote.App satisfies it. Declared here (rather than
// imported from pkg/remote) so pkg/dispatcher does not need to depend on
// ssh/rsync specifics, only on the shape its agents require.
type HostApp interface {
	FullMachine(host string) string
	EnsureRemoteDirExists(ctx context.Context, host string, dirs ...string) error
	GetRemoteCopyFileProcess(src, srcHost, dstDir, dstHost string) *exec.Cmd
	GetCommandArgsOn(host string, args []string, agentForwarding bool) []string
	RunCommandOn(ctx context.Context, host string, args []string) error
}

// Dispatcher owns the fleet of machines claimed at startup, assigns work to
// them round-robin, and releases machines back to the catalog once idle.
type Dispatcher struct {
	ec2api         sdk.EC2API
	negotiator     *ownership.Negotiator
	localQueue     *localqueue.QueueSystem
	subprocessLock *sync.Mutex
	userName       string

	mu               sync.Mutex
	machines         []*machine
	releasedMachines []*machine
	nextMachineIndex int
	totalCapacity    int
	fileArgs         []string
	fileArgsSet      bool
}

type machine struct {
	agent    *agent.Agent
	instance catalog.Instance
}

// New builds a Dispatcher owning one Agent per claimed instance. An
// instance observed already running at discovery time gets a nil start
// action; a stopped instance gets a start action that resumes it (via
// ec2:StartInstances — never a provisioning call) the first time work is
// submitted to it.
func New(owned []catalog.Instance, negotiator *ownership.Negotiator, ec2api sdk.EC2API, app HostApp, synchDirs []string, localQueue *localqueue.QueueSystem, userName string) *Dispatcher {
	subprocessLock := &sync.Mutex{}
	d := &Dispatcher{
		ec2api:         ec2api,
		negotiator:     negotiator,
		localQueue:     localQueue,
		subprocessLock: subprocessLock,
		userName:       userName,
	}
	for _, inst := range owned {
		inst := inst
		var startFn func(context.Context) error
		if !inst.Running {
			startFn = func(ctx context.Context) error {
				_, err := ec2api.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{inst.ID}})
				return err
			}
		}
		a := agent.New(inst.ID, inst.PrivateIP, inst.CoreBudget, synchDirs, app, subprocessLock, startFn)
		d.machines = append(d.machines, &machine{agent: a, instance: inst})
		d.totalCapacity += inst.CoreBudget
	}
	return d
}

// Capacity is the fixed sum of core budgets of the machines claimed at
// startup. It never shrinks as machines are later released.
func (d *Dispatcher) Capacity() int {
	return d.totalCapacity
}

// SubmitSlaveJob assigns cmdArgs to the next machine with free capacity,
// advancing past it once it becomes full, or reports that no machine
// remains available.
func (d *Dispatcher) SubmitSlaveJob(ctx context.Context, cmdArgs []string) (string, error) {
	d.mu.Lock()
	if d.nextMachineIndex >= len(d.machines) {
		d.mu.Unlock()
		return "", fmt.Errorf("no more available machines to run tests on")
	}
	m := d.machines[d.nextMachineIndex]
	fileArgs := d.cachedFileArgsLocked(cmdArgs)
	d.mu.Unlock()

	jobID := m.agent.SubmitSlave(ctx, d.baseSubmit, cmdArgs, fileArgs)

	d.mu.Lock()
	if m.agent.IsFull() {
		d.nextMachineIndex++
	}
	d.mu.Unlock()
	return jobID, nil
}

func (d *Dispatcher) baseSubmit(ctx context.Context, remoteCmdArgs []string) (int, string, error) {
	return d.localQueue.SubmitSlave(ctx, remoteCmdArgs)
}

// cachedFileArgsLocked extracts the dispatcher host from the first
// submission's "-servaddr host:port" argument and caches the
// "-slavefilesynch user@host" flags it hands to every subsequent
// submission, regardless of that submission's own cmdArgs. Must be called
// with d.mu held.
func (d *Dispatcher) cachedFileArgsLocked(cmdArgs []string) []string {
	if d.fileArgsSet {
		return d.fileArgs
	}
	d.fileArgsSet = true
	host := servAddrHost(cmdArgs)
	if host != "" {
		d.fileArgs = []string{"-slavefilesynch", fmt.Sprintf("%s@%s", d.userName, host)}
	}
	return d.fileArgs
}

func servAddrHost(cmdArgs []string) string {
	for i, arg := range cmdArgs {
		if arg == "-servaddr" && i+1 < len(cmdArgs) {
			hostPort := cmdArgs[i+1]
			host, _, found := strings.Cut(hostPort, ":")
			if found {
				return host
			}
			return hostPort
		}
	}
	return ""
}

// SetRemoteProcessId forwards to the owning agent.
func (d *Dispatcher) SetRemoteProcessId(jobID string, remotePid int) {
	if m := d.findOwning(jobID, false); m != nil {
		m.agent.SetRemoteProcessId(jobID, remotePid)
	}
}

// GetRemoteTestMachine reports the ssh address of the agent that owns
// jobID.
func (d *Dispatcher) GetRemoteTestMachine(jobID string) (string, bool) {
	if m := d.findOwning(jobID, false); m != nil {
		return m.agent.FullMachine, true
	}
	return "", false
}

// GetJobFailureInfo reports the synchronisation failure message recorded
// against jobID's agent, searching released machines as well as live ones.
func (d *Dispatcher) GetJobFailureInfo(jobID string) (string, bool) {
	if m := d.findOwning(jobID, true); m != nil {
		if msg := m.agent.ErrorMessage(); msg != "" {
			return msg, true
		}
	}
	return "", false
}

// KillRemoteProcess forwards to the owning agent.
func (d *Dispatcher) KillRemoteProcess(ctx context.Context, jobID string, signal int) (handled bool, localPid *int) {
	if m := d.findOwning(jobID, false); m != nil {
		return m.agent.KillRemoteProcess(ctx, jobID, signal)
	}
	return false, nil
}

// KillJob asks the owning agent to deliver SIGTERM remotely, then also
// kills the local ssh helper process when the remote signal did not land
// or record-and-replay debugging is active (CAPTUREMOCK_MODE=0).
func (d *Dispatcher) KillJob(ctx context.Context, jobID string) bool {
	handled, localPid := d.KillRemoteProcess(ctx, jobID, int(syscall.SIGTERM))
	alsoKillLocally := !handled || os.Getenv("CAPTUREMOCK_MODE") == "0"
	if alsoKillLocally && localPid != nil {
		d.localQueue.KillJob(*localPid)
	}
	return true
}

// GetStatusForAllJobs merges the local process registry's statuses with
// each agent's own job bookkeeping, then reaps idle machines.
func (d *Dispatcher) GetStatusForAllJobs(ctx context.Context) map[string]localqueue.Status {
	procStatus := d.localQueue.GetStatusForAllJobs()
	out := map[string]localqueue.Status{}

	d.mu.Lock()
	all := append(append([]*machine{}, d.machines...), d.releasedMachines...)
	d.mu.Unlock()

	for _, m := range all {
		m.agent.CollectJobStatus(out, procStatus)
	}
	d.Cleanup(ctx, false)
	return out
}

// Cleanup either releases every machine for good (final=true) or partitions
// the current fleet into still-busy and idle, releasing ownership of the
// idle ones. It always returns false: submission is a streaming process
// with no final "done" state here.
func (d *Dispatcher) Cleanup(ctx context.Context, final bool) bool {
	d.mu.Lock()
	machines := d.machines
	d.mu.Unlock()

	if final {
		instances := make([]catalog.Instance, len(machines))
		for i, m := range machines {
			instances[i] = m.instance
		}
		if err := d.negotiator.ReleaseOwnership(ctx, instances); err != nil {
			log.FromContext(ctx).Error(err, "failed to release ownership of some machines during final cleanup")
		}
		d.mu.Lock()
		d.releasedMachines = append(d.releasedMachines, machines...)
		d.machines = nil
		d.mu.Unlock()
		return false
	}

	var busy, idle []*machine
	for _, m := range machines {
		if m.agent.Cleanup(d.localQueue) {
			busy = append(busy, m)
		} else {
			idle = append(idle, m)
		}
	}
	if len(idle) == 0 {
		return false
	}

	idleInstances := make([]catalog.Instance, len(idle))
	for i, m := range idle {
		idleInstances[i] = m.instance
	}
	if err := d.negotiator.ReleaseOwnership(ctx, idleInstances); err != nil {
		log.FromContext(ctx).Error(err, "failed to release ownership of some idle machines")
	}

	d.mu.Lock()
	d.machines = busy
	d.releasedMachines = append(d.releasedMachines, idle...)
	d.mu.Unlock()

	log.FromContext(ctx).Info("released idle machines", "count", len(idle))
	return false
}

func (d *Dispatcher) findOwning(jobID string, includeReleased bool) *machine {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.machines {
		if m.agent.HasJob(jobID) {
			return m
		}
	}
	if includeReleased {
		for _, m := range d.releasedMachines {
			if m.agent.HasJob(jobID) {
				return m
			}
		}
	}
	return nil
}

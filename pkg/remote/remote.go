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

// Package remote is a concrete implementation of the host App abstraction
// the MachineAgent needs: ensuring a remote directory tree exists, copying
// a path across via rsync over ssh, building remote command lines, and
// shelling a command to a remote host. ssh does not forward signals to
// remote processes, so killing one is the caller's responsibility via a
// second remote command, not this package's.
package remote

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
)

// App shells out to ssh/rsync against owned instances.
type App struct {
	// SSHUser is prefixed to the host, e.g. "ec2-user".
	SSHUser string
}

func New(sshUser string) *App {
	return &App{SSHUser: sshUser}
}

// FullMachine returns the "<user>@<host>" address ssh/rsync expects.
func (a *App) FullMachine(host string) string {
	return fmt.Sprintf("%s@%s", a.SSHUser, host)
}

// EnsureRemoteDirExists creates the given directories (and their parents)
// on host via a single "mkdir -p" over ssh.
func (a *App) EnsureRemoteDirExists(ctx context.Context, host string, dirs ...string) error {
	if len(dirs) == 0 {
		return nil
	}
	args := append([]string{"mkdir", "-p"}, dirs...)
	return a.RunCommandOn(ctx, host, args)
}

// GetRemoteCopyFileProcess builds (but does not start) an rsync process
// mirroring src on srcHost to dstDir on dstHost. "localhost" means the
// local filesystem, matching the synchronisation caller's own usage.
func (a *App) GetRemoteCopyFileProcess(src, srcHost, dstDir, dstHost string) *exec.Cmd {
	source := src
	if srcHost != "localhost" {
		source = a.FullMachine(srcHost) + ":" + src
	}
	dest := dstDir
	if dstHost != "localhost" {
		dest = a.FullMachine(dstHost) + ":" + dstDir
	}
	return exec.Command("rsync", "-az", "--delete", source, dest)
}

// GetCommandArgsOn wraps args to run on host over ssh. agentForwarding
// requests ssh agent forwarding (-A) so the remote side can itself reach
// further hosts using the caller's keys.
func (a *App) GetCommandArgsOn(host string, args []string, agentForwarding bool) []string {
	sshArgs := []string{"ssh"}
	if agentForwarding {
		sshArgs = append(sshArgs, "-A")
	}
	sshArgs = append(sshArgs, a.FullMachine(host))
	return append(sshArgs, args...)
}

// RunCommandOn runs args on host over ssh and waits for completion.
func (a *App) RunCommandOn(ctx context.Context, host string, args []string) error {
	cmdArgs := a.GetCommandArgsOn(host, args, false)
	cmd := exec.CommandContext(ctx, cmdArgs[0], cmdArgs[1:]...)
	return cmd.Run()
}

// KillArgs builds the remote command that delivers signal to remotePid on
// host: ssh doesn't forward signals, so the only way to reach a remote
// process is to ask Python there to call os.kill directly.
func KillArgs(remotePid int, signal int) []string {
	return []string{"python", "-c", fmt.Sprintf("import os; os.kill(%d, %d)", remotePid, signal)}
}

// ParsePid parses a pid string returned by a submission's stdout/stderr
// collaborator, matching the original local-queue-system contract where a
// pid is always a base-10 integer.
func ParsePid(s string) (int, error) {
	return strconv.Atoi(s)
}

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

package agent_test

import (
	"context"
	"sync"
	"time"

	"github.com/texttest/ec2cloud/pkg/agent"
	"github.com/texttest/ec2cloud/pkg/localqueue"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func newAgent(app *fakeHostApp, startFn func(context.Context) error) *agent.Agent {
	var lock sync.Mutex
	return agent.New("i-1", "10.0.0.1", 4, []string{"/opt/texttest/local", "/opt/texttest/logs"}, app, &lock, startFn)
}

var _ = Describe("Agent", func() {
	It("dispatches submissions once synchronised and records the local pid", func() {
		app := &fakeHostApp{}
		a := newAgent(app, nil)

		var submitted [][]string
		var mu sync.Mutex
		submit := func(ctx context.Context, remoteCmdArgs []string) (int, string, error) {
			mu.Lock()
			submitted = append(submitted, remoteCmdArgs)
			mu.Unlock()
			return 4242, "", nil
		}

		jobID := a.SubmitSlave(ctx, submit, []string{"texttest", "-a", "foo"}, nil)
		Expect(jobID).To(Equal("job0_10.0.0.1"))
		Expect(a.HasJob(jobID)).To(BeTrue())

		Eventually(func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(submitted) == 1
		}, time.Second).Should(BeTrue())

		statuses := map[string]localqueue.Status{}
		Eventually(func() string {
			statuses = map[string]localqueue.Status{}
			a.CollectJobStatus(statuses, map[int]localqueue.Status{4242: {State: "RUNNING"}})
			return statuses[jobID].State
		}, time.Second).Should(Equal("RUNNING"))
	})

	It("runs the cloud start side-effect exactly once, on the first submission", func() {
		app := &fakeHostApp{}
		var calls int
		var mu sync.Mutex
		startFn := func(ctx context.Context) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil
		}
		a := newAgent(app, startFn)

		submit := func(ctx context.Context, remoteCmdArgs []string) (int, string, error) { return 1, "", nil }
		a.SubmitSlave(ctx, submit, []string{"texttest"}, nil)
		a.SubmitSlave(ctx, submit, []string{"texttest"}, nil)

		mu.Lock()
		defer mu.Unlock()
		Expect(calls).To(Equal(1))
	})

	It("reports SYNCH status before a job's local pid is known", func() {
		app := &fakeHostApp{}
		block := make(chan struct{})
		submit := func(ctx context.Context, remoteCmdArgs []string) (int, string, error) {
			<-block
			return 7, "", nil
		}
		a := newAgent(app, nil)
		jobID := a.SubmitSlave(ctx, submit, []string{"texttest"}, nil)

		statuses := map[string]localqueue.Status{}
		a.CollectJobStatus(statuses, nil)
		Expect(statuses[jobID].State).To(Equal("SYNCH"))
		close(block)
	})

	It("reports being full once job count reaches the core budget", func() {
		app := &fakeHostApp{}
		a := agent.New("i-1", "10.0.0.1", 2, nil, app, &sync.Mutex{}, nil)
		submit := func(ctx context.Context, remoteCmdArgs []string) (int, string, error) { return 1, "", nil }
		Expect(a.IsFull()).To(BeFalse())
		a.SubmitSlave(ctx, submit, []string{"texttest"}, nil)
		a.SubmitSlave(ctx, submit, []string{"texttest"}, nil)
		Expect(a.IsFull()).To(BeTrue())
	})

	It("reports every job of a failed agent as terminal-failed", func() {
		app := &fakeHostApp{failCopy: true}
		a := newAgent(app, nil)
		submit := func(ctx context.Context, remoteCmdArgs []string) (int, string, error) { return 1, "", nil }
		jobID := a.SubmitSlave(ctx, submit, []string{"texttest"}, nil)

		Eventually(a.ErrorMessage, time.Second).ShouldNot(BeEmpty())

		statuses := map[string]localqueue.Status{}
		a.CollectJobStatus(statuses, map[int]localqueue.Status{1: {State: "RUNNING"}})
		Expect(statuses[jobID].State).To(Equal("FAILED"))
		Expect(statuses[jobID].Details).To(Equal(a.ErrorMessage()))
	})

	It("keeps the terminated-during-synch message instead of the generic synch-failure text", func() {
		app := &fakeHostApp{slowCopy: true, copyStarted: make(chan struct{}, 1)}
		a := newAgent(app, nil)
		submit := func(ctx context.Context, remoteCmdArgs []string) (int, string, error) { return 1, "", nil }
		jobID := a.SubmitSlave(ctx, submit, []string{"texttest"}, nil)

		Eventually(app.copyStarted, time.Second).Should(Receive())
		time.Sleep(50 * time.Millisecond)

		handled, _ := a.KillRemoteProcess(ctx, jobID, 15)
		Expect(handled).To(BeTrue())

		Eventually(a.ErrorMessage, time.Second).Should(Equal("Terminated test during file synchronisation"))
		Consistently(a.ErrorMessage, 200*time.Millisecond).Should(Equal("Terminated test during file synchronisation"))
	})

	It("delivers a signal once the remote pid is known", func() {
		app := &fakeHostApp{}
		a := newAgent(app, nil)
		submit := func(ctx context.Context, remoteCmdArgs []string) (int, string, error) { return 55, "", nil }
		jobID := a.SubmitSlave(ctx, submit, []string{"texttest"}, nil)

		go func() {
			time.Sleep(50 * time.Millisecond)
			a.SetRemoteProcessId(jobID, 999)
		}()

		handled, localPid := a.KillRemoteProcess(ctx, jobID, 15)
		Expect(handled).To(BeTrue())
		Expect(localPid).NotTo(BeNil())
		Expect(*localPid).To(Equal(55))

		Eventually(func() [][]string { return app.commands() }, time.Second).ShouldNot(BeEmpty())
		cmds := app.commands()
		Expect(cmds[0]).To(ContainElement("import os; os.kill(999, 15)"))
	})

	It("reports itself still in use until its worker has drained and exited", func() {
		app := &fakeHostApp{}
		a := newAgent(app, nil)
		submit := func(ctx context.Context, remoteCmdArgs []string) (int, string, error) { return 1, "", nil }
		a.SubmitSlave(ctx, submit, []string{"texttest"}, nil)

		processes := localqueue.New()
		Eventually(func() bool { return a.Cleanup(processes) }, time.Second).Should(BeFalse())
	})
})

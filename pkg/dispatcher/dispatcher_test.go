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

package dispatcher_test

import (
	"time"

	"github.com/texttest/ec2cloud/pkg/batcher"
	"github.com/texttest/ec2cloud/pkg/catalog"
	"github.com/texttest/ec2cloud/pkg/dispatcher"
	"github.com/texttest/ec2cloud/pkg/localqueue"
	"github.com/texttest/ec2cloud/pkg/ownership"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func newDispatcher(api *fakeEC2API, app *fakeHostApp, owned []catalog.Instance) *dispatcher.Dispatcher {
	negotiator := ownership.New(
		batcher.NewDescribeInstancesBatcher(ctx, api),
		batcher.NewTagsBatcher(ctx, api),
		"alice", time.Now())
	return dispatcher.New(owned, negotiator, api, app, nil, localqueue.New(), "alice")
}

var _ = Describe("Dispatcher", func() {
	It("assigns jobs round-robin and refuses once every machine is full", func() {
		api := newFakeEC2API()
		app := &fakeHostApp{}
		owned := []catalog.Instance{
			{ID: "i-1", PrivateIP: "10.0.0.1", CoreBudget: 1, Running: true},
			{ID: "i-2", PrivateIP: "10.0.0.2", CoreBudget: 1, Running: true},
		}
		d := newDispatcher(api, app, owned)
		Expect(d.Capacity()).To(Equal(2))

		job1, err := d.SubmitSlaveJob(ctx, []string{"texttest"})
		Expect(err).To(BeNil())
		Expect(job1).To(Equal("job0_10.0.0.1"))

		job2, err := d.SubmitSlaveJob(ctx, []string{"texttest"})
		Expect(err).To(BeNil())
		Expect(job2).To(Equal("job0_10.0.0.2"))

		_, err = d.SubmitSlaveJob(ctx, []string{"texttest"})
		Expect(err).NotTo(BeNil())
	})

	It("starts a stopped instance exactly once, but never a running one", func() {
		api := newFakeEC2API()
		app := &fakeHostApp{}
		owned := []catalog.Instance{
			{ID: "i-1", PrivateIP: "10.0.0.1", CoreBudget: 4, Running: false},
			{ID: "i-2", PrivateIP: "10.0.0.2", CoreBudget: 4, Running: true},
		}
		d := newDispatcher(api, app, owned)

		_, err := d.SubmitSlaveJob(ctx, []string{"texttest"})
		Expect(err).To(BeNil())
		_, err = d.SubmitSlaveJob(ctx, []string{"texttest"})
		Expect(err).To(BeNil())

		Eventually(api.startCount, time.Second).Should(Equal(1))
	})

	It("reports the owning machine's ssh address and locates jobs by id", func() {
		api := newFakeEC2API()
		app := &fakeHostApp{}
		owned := []catalog.Instance{{ID: "i-1", PrivateIP: "10.0.0.1", CoreBudget: 4, Running: true}}
		d := newDispatcher(api, app, owned)

		jobID, err := d.SubmitSlaveJob(ctx, []string{"texttest"})
		Expect(err).To(BeNil())

		addr, ok := d.GetRemoteTestMachine(jobID)
		Expect(ok).To(BeTrue())
		Expect(addr).To(Equal("ec2-user@10.0.0.1"))

		_, ok = d.GetRemoteTestMachine("job99_10.9.9.9")
		Expect(ok).To(BeFalse())
	})

	It("releases every owned machine's tag on final cleanup", func() {
		api := newFakeEC2API()
		app := &fakeHostApp{}
		owned := []catalog.Instance{
			{ID: "i-1", PrivateIP: "10.0.0.1", CoreBudget: 2, Running: true},
			{ID: "i-2", PrivateIP: "10.0.0.2", CoreBudget: 2, Running: true},
		}
		d := newDispatcher(api, app, owned)

		Expect(d.Cleanup(ctx, true)).To(BeFalse())
		Expect(api.deleteCalls).To(Equal(2))
	})
})

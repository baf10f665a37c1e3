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

package catalog_test

import (
	"fmt"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/texttest/ec2cloud/pkg/catalog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Catalog", func() {
	It("should derive core budget from the instance type's size segment", func() {
		Expect(catalog.CoreBudget(ec2types.InstanceType("m5.8xlarge"))).To(Equal(32))
		Expect(catalog.CoreBudget(ec2types.InstanceType("m5.2xlarge"))).To(Equal(8))
		Expect(catalog.CoreBudget(ec2types.InstanceType("m5.large"))).To(Equal(2))
		Expect(catalog.CoreBudget(ec2types.InstanceType("t3.micro"))).To(Equal(1))
	})

	It("should keep only instances matching every tag filter, glob included", func() {
		fake := &fakeEC2API{
			instances: []ec2types.Instance{
				instance("i-1", "10.0.0.1", "m5.large", map[string]string{"queue_system": "batch1"}),
				instance("i-2", "10.0.0.2", "m5.large", map[string]string{"queue_system": "other"}),
				instance("i-3", "10.0.0.3", "m5.large", map[string]string{}),
			},
			runningIDs: map[string]bool{"i-1": true},
		}
		c := catalog.New(ctx, fake)
		instances, err := c.Discover(ctx, []string{"queue_system=batch*"})
		Expect(err).To(BeNil())
		Expect(instances).To(HaveLen(1))
		Expect(instances[0].ID).To(Equal("i-1"))
		Expect(instances[0].Running).To(BeTrue())
	})

	It("should sort running-first, then by descending core budget, then by IP", func() {
		fake := &fakeEC2API{
			instances: []ec2types.Instance{
				instance("i-1", "10.0.0.3", "m5.large", map[string]string{"queue_system": "1"}),
				instance("i-2", "10.0.0.1", "m5.2xlarge", map[string]string{"queue_system": "1"}),
				instance("i-3", "10.0.0.2", "m5.2xlarge", map[string]string{"queue_system": "1"}),
			},
			runningIDs: map[string]bool{"i-2": true, "i-3": true},
		}
		c := catalog.New(ctx, fake)
		instances, err := c.Discover(ctx, []string{"queue_system"})
		Expect(err).To(BeNil())
		Expect(instances).To(HaveLen(3))
		ids := []string{instances[0].ID, instances[1].ID, instances[2].ID}
		Expect(ids).To(Equal([]string{"i-2", "i-3", "i-1"}))
	})

	It("should return an empty catalog without error when the describe call fails", func() {
		fake := &fakeEC2API{describeErr: fmt.Errorf("credentials expired")}
		c := catalog.New(ctx, fake)
		instances, err := c.Discover(ctx, []string{"queue_system"})
		Expect(err).To(BeNil())
		Expect(instances).To(BeEmpty())
	})

	It("should reuse a cached discovery result for the same filter set without re-describing", func() {
		fake := &fakeEC2API{
			instances:  []ec2types.Instance{instance("i-1", "10.0.0.1", "m5.large", map[string]string{"queue_system": "batch1"})},
			runningIDs: map[string]bool{"i-1": true},
		}
		c := catalog.New(ctx, fake)

		first, err := c.Discover(ctx, []string{"queue_system=batch*"})
		Expect(err).To(BeNil())
		Expect(first).To(HaveLen(1))
		Expect(fake.describeCalls).To(Equal(1))

		second, err := c.Discover(ctx, []string{"queue_system=batch*"})
		Expect(err).To(BeNil())
		Expect(second).To(Equal(first))
		Expect(fake.describeCalls).To(Equal(1))

		_, err = c.Discover(ctx, []string{"queue_system=other*"})
		Expect(err).To(BeNil())
		Expect(fake.describeCalls).To(Equal(2))
	})

	It("should return an empty catalog when nothing matches the filters", func() {
		fake := &fakeEC2API{instances: []ec2types.Instance{
			instance("i-1", "10.0.0.1", "m5.large", map[string]string{}),
		}}
		c := catalog.New(ctx, fake)
		instances, err := c.Discover(ctx, []string{"queue_system"})
		Expect(err).To(BeNil())
		Expect(instances).To(BeEmpty())
	})
})

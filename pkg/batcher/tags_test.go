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

package batcher_test

import (
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/texttest/ec2cloud/pkg/batcher"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Tags Batcher", func() {
	It("should aggregate concurrent single-resource CreateTags calls into one call", func() {
		fake := newFakeEC2API()
		b := batcher.NewTagsBatcher(ctx, fake)
		resources := []string{"i-1", "i-2", "i-3"}

		var wg sync.WaitGroup
		var succeeded int32
		for _, r := range resources {
			wg.Add(1)
			go func(r string) {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := b.CreateTags(ctx, &ec2.CreateTagsInput{
					Resources: []string{r},
					Tags:      []ec2types.Tag{{Key: aws.String("TextTest user"), Value: aws.String("alice_20260101")}},
				})
				Expect(err).To(BeNil())
				atomic.AddInt32(&succeeded, 1)
			}(r)
		}
		wg.Wait()

		Expect(succeeded).To(BeNumerically("==", len(resources)))
		Expect(atomic.LoadInt32(&fake.createTagsCalls)).To(BeNumerically("==", 1))
		for _, r := range resources {
			Expect(fake.tags[r]["TextTest user"]).To(Equal("alice_20260101"))
		}
	})

	It("should aggregate concurrent single-resource DeleteTags calls into one call", func() {
		fake := newFakeEC2API()
		fake.addInstance("i-1")
		fake.tags["i-1"] = map[string]string{"TextTest user": "alice_20260101"}
		fake.tags["i-2"] = map[string]string{"TextTest user": "alice_20260101"}
		b := batcher.NewTagsBatcher(ctx, fake)

		var wg sync.WaitGroup
		for _, r := range []string{"i-1", "i-2"} {
			wg.Add(1)
			go func(r string) {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := b.DeleteTags(ctx, &ec2.DeleteTagsInput{
					Resources: []string{r},
					Tags:      []ec2types.Tag{{Key: aws.String("TextTest user")}},
				})
				Expect(err).To(BeNil())
			}(r)
		}
		wg.Wait()

		Expect(atomic.LoadInt32(&fake.deleteTagsCalls)).To(BeNumerically("==", 1))
		Expect(fake.tags["i-1"]["TextTest user"]).To(Equal(""))
		Expect(fake.tags["i-2"]["TextTest user"]).To(Equal(""))
	})
})

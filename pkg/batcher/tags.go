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

package batcher

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"

	sdk "github.com/texttest/ec2cloud/pkg/aws"
)

// TagsBatcher coalesces per-resource CreateTags/DeleteTags calls that
// arrive concurrently within one batching window into one call each, since
// every claim shares the same ownership tag value and every release just
// drops the same tag key. The ownership negotiator waits for each of its
// calls before issuing the next, so its own claims and releases each reach
// EC2 as a separate call.
type TagsBatcher struct {
	create *Batcher[ec2.CreateTagsInput, ec2.CreateTagsOutput]
	delete *Batcher[ec2.DeleteTagsInput, ec2.DeleteTagsOutput]
}

func NewTagsBatcher(ctx context.Context, ec2api sdk.EC2API) *TagsBatcher {
	createOptions := Options[ec2.CreateTagsInput, ec2.CreateTagsOutput]{
		Name:          "create_tags",
		IdleTimeout:   20 * time.Millisecond,
		MaxTimeout:    200 * time.Millisecond,
		MaxItems:      500,
		RequestHasher: OneBucketHasher[ec2.CreateTagsInput],
		BatchExecutor: execCreateTagsBatch(ec2api),
	}
	deleteOptions := Options[ec2.DeleteTagsInput, ec2.DeleteTagsOutput]{
		Name:          "delete_tags",
		IdleTimeout:   20 * time.Millisecond,
		MaxTimeout:    200 * time.Millisecond,
		MaxItems:      500,
		RequestHasher: OneBucketHasher[ec2.DeleteTagsInput],
		BatchExecutor: execDeleteTagsBatch(ec2api),
	}
	return &TagsBatcher{
		create: NewBatcher(ctx, createOptions),
		delete: NewBatcher(ctx, deleteOptions),
	}
}

func (b *TagsBatcher) CreateTags(ctx context.Context, input *ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error) {
	result := b.create.Add(ctx, input)
	return result.Output, result.Err
}

func (b *TagsBatcher) DeleteTags(ctx context.Context, input *ec2.DeleteTagsInput) (*ec2.DeleteTagsOutput, error) {
	result := b.delete.Add(ctx, input)
	return result.Output, result.Err
}

// execCreateTagsBatch aggregates every pending single-resource request into
// one CreateTags call carrying all resources, since within one batching
// window every caller is writing the same ownership tag/value pair.
func execCreateTagsBatch(ec2api sdk.EC2API) BatchExecutor[ec2.CreateTagsInput, ec2.CreateTagsOutput] {
	return func(ctx context.Context, inputs []*ec2.CreateTagsInput) []Result[ec2.CreateTagsOutput] {
		results := make([]Result[ec2.CreateTagsOutput], len(inputs))
		aggregated := &ec2.CreateTagsInput{Tags: inputs[0].Tags}
		for _, in := range inputs {
			aggregated.Resources = append(aggregated.Resources, in.Resources...)
		}
		out, err := ec2api.CreateTags(ctx, aggregated)
		for i := range inputs {
			results[i] = Result[ec2.CreateTagsOutput]{Output: out, Err: err}
		}
		return results
	}
}

func execDeleteTagsBatch(ec2api sdk.EC2API) BatchExecutor[ec2.DeleteTagsInput, ec2.DeleteTagsOutput] {
	return func(ctx context.Context, inputs []*ec2.DeleteTagsInput) []Result[ec2.DeleteTagsOutput] {
		results := make([]Result[ec2.DeleteTagsOutput], len(inputs))
		aggregated := &ec2.DeleteTagsInput{Tags: inputs[0].Tags}
		for _, in := range inputs {
			aggregated.Resources = append(aggregated.Resources, in.Resources...)
		}
		out, err := ec2api.DeleteTags(ctx, aggregated)
		for i := range inputs {
			results[i] = Result[ec2.DeleteTagsOutput]{Output: out, Err: err}
		}
		return results
	}
}

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
	"github.com/samber/lo"

	sdk "github.com/texttest/ec2cloud/pkg/aws"
)

// InstanceStatusBatcher coalesces DescribeInstanceStatus calls the catalog
// issues to classify candidates as running/pending.
type InstanceStatusBatcher struct {
	batcher *Batcher[ec2.DescribeInstanceStatusInput, ec2.DescribeInstanceStatusOutput]
}

func NewInstanceStatusBatcher(ctx context.Context, ec2api sdk.EC2API) *InstanceStatusBatcher {
	options := Options[ec2.DescribeInstanceStatusInput, ec2.DescribeInstanceStatusOutput]{
		Name:          "describe_instance_status",
		IdleTimeout:   50 * time.Millisecond,
		MaxTimeout:    500 * time.Millisecond,
		MaxItems:      500,
		RequestHasher: OneBucketHasher[ec2.DescribeInstanceStatusInput],
		BatchExecutor: execInstanceStatusBatch(ec2api),
	}
	return &InstanceStatusBatcher{batcher: NewBatcher(ctx, options)}
}

func (b *InstanceStatusBatcher) DescribeInstanceStatus(ctx context.Context, input *ec2.DescribeInstanceStatusInput) (*ec2.DescribeInstanceStatusOutput, error) {
	result := b.batcher.Add(ctx, input)
	return result.Output, result.Err
}

// execInstanceStatusBatch aggregates every pending request's instance ids
// into a single describe call; unlike DescribeInstances there is no partial
// fulfillment to recover from here, the response is simply fanned back out
// to every waiter by instance id membership.
func execInstanceStatusBatch(ec2api sdk.EC2API) BatchExecutor[ec2.DescribeInstanceStatusInput, ec2.DescribeInstanceStatusOutput] {
	return func(ctx context.Context, inputs []*ec2.DescribeInstanceStatusInput) []Result[ec2.DescribeInstanceStatusOutput] {
		results := make([]Result[ec2.DescribeInstanceStatusOutput], len(inputs))
		ids := make([]string, 0, len(inputs))
		for _, in := range inputs {
			ids = append(ids, in.InstanceIds...)
		}
		out, err := ec2api.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
			InstanceIds:         lo.Uniq(ids),
			IncludeAllInstances: lo.ToPtr(true),
		})
		for i, in := range inputs {
			if err != nil {
				results[i] = Result[ec2.DescribeInstanceStatusOutput]{Err: err}
				continue
			}
			results[i] = Result[ec2.DescribeInstanceStatusOutput]{Output: filterStatusesFor(out, in.InstanceIds)}
		}
		return results
	}
}

func filterStatusesFor(out *ec2.DescribeInstanceStatusOutput, ids []string) *ec2.DescribeInstanceStatusOutput {
	wanted := lo.SliceToMap(ids, func(id string) (string, bool) { return id, true })
	filtered := &ec2.DescribeInstanceStatusOutput{}
	for _, s := range out.InstanceStatuses {
		if s.InstanceId != nil && wanted[*s.InstanceId] {
			filtered.InstanceStatuses = append(filtered.InstanceStatuses, s)
		}
	}
	return filtered
}

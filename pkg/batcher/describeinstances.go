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
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/awslabs/operatorpkg/serrors"
	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"

	sdk "github.com/texttest/ec2cloud/pkg/aws"
)

// DescribeInstancesBatcher coalesces single-instance DescribeInstances
// calls (one per in-flight claim by the ownership negotiator's verification
// loop) into as few EC2 calls as the batching window allows. The catalog's
// own full-fleet DescribeInstances call does not go through it.
type DescribeInstancesBatcher struct {
	batcher *Batcher[ec2.DescribeInstancesInput, ec2.DescribeInstancesOutput]
}

func NewDescribeInstancesBatcher(ctx context.Context, ec2api sdk.EC2API) *DescribeInstancesBatcher {
	options := Options[ec2.DescribeInstancesInput, ec2.DescribeInstancesOutput]{
		Name:          "describe_instances",
		IdleTimeout:   50 * time.Millisecond,
		MaxTimeout:    500 * time.Millisecond,
		MaxItems:      500,
		RequestHasher: OneBucketHasher[ec2.DescribeInstancesInput],
		BatchExecutor: execDescribeInstancesBatch(ec2api),
	}
	return &DescribeInstancesBatcher{batcher: NewBatcher(ctx, options)}
}

func (b *DescribeInstancesBatcher) DescribeInstances(ctx context.Context, input *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
	if len(input.InstanceIds) != 1 {
		return nil, serrors.Wrap(fmt.Errorf("expected to receive a single instance only"), "instance-count", len(input.InstanceIds))
	}
	result := b.batcher.Add(ctx, input)
	return result.Output, result.Err
}

func execDescribeInstancesBatch(ec2api sdk.EC2API) BatchExecutor[ec2.DescribeInstancesInput, ec2.DescribeInstancesOutput] {
	return func(ctx context.Context, inputs []*ec2.DescribeInstancesInput) []Result[ec2.DescribeInstancesOutput] {
		results := make([]Result[ec2.DescribeInstancesOutput], len(inputs))
		aggregated := aggregateDescribeInstances(inputs)

		missing := sets.NewString(aggregated.InstanceIds...)
		out, err := ec2api.DescribeInstances(ctx, aggregated)
		if err == nil {
			for _, r := range out.Reservations {
				for _, instance := range r.Instances {
					id := *instance.InstanceId
					missing.Delete(id)
					inst := instance
					for reqID := range inputs {
						if inputs[reqID].InstanceIds[0] == id {
							results[reqID] = Result[ec2.DescribeInstancesOutput]{Output: &ec2.DescribeInstancesOutput{
								Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{inst}}},
							}}
						}
					}
				}
			}
		}

		// Some or all instances may have failed to describe together due to
		// eventual consistency. Retry the stragglers individually; this
		// should be rare.
		var wg sync.WaitGroup
		for instanceID := range missing {
			wg.Add(1)
			go func(instanceID string) {
				defer wg.Done()
				individual, ierr := ec2api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
				for reqID := range inputs {
					if inputs[reqID].InstanceIds[0] == instanceID {
						results[reqID] = Result[ec2.DescribeInstancesOutput]{Output: individual, Err: ierr}
					}
				}
			}(instanceID)
		}
		wg.Wait()
		return results
	}
}

func aggregateDescribeInstances(inputs []*ec2.DescribeInstancesInput) *ec2.DescribeInstancesInput {
	ids := make([]string, 0, len(inputs))
	for _, in := range inputs {
		ids = append(ids, in.InstanceIds...)
	}
	return &ec2.DescribeInstancesInput{InstanceIds: lo.Uniq(ids)}
}

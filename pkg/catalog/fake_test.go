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
	"context"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

type fakeEC2API struct {
	instances     []ec2types.Instance
	runningIDs    map[string]bool
	describeErr   error
	statusErr     error
	describeCalls int
}

func (f *fakeEC2API) DescribeInstances(_ context.Context, input *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.describeCalls++
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	wanted := map[string]bool{}
	for _, id := range input.InstanceIds {
		wanted[id] = true
	}
	out := &ec2.DescribeInstancesOutput{}
	for _, inst := range f.instances {
		if len(input.InstanceIds) > 0 && !wanted[*inst.InstanceId] {
			continue
		}
		out.Reservations = append(out.Reservations, ec2types.Reservation{Instances: []ec2types.Instance{inst}})
	}
	return out, nil
}

func (f *fakeEC2API) DescribeInstanceStatus(_ context.Context, input *ec2.DescribeInstanceStatusInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	out := &ec2.DescribeInstanceStatusOutput{}
	for _, id := range input.InstanceIds {
		id := id
		status := ec2types.SummaryStatusImpaired
		if f.runningIDs[id] {
			status = ec2types.SummaryStatusOk
		}
		out.InstanceStatuses = append(out.InstanceStatuses, ec2types.InstanceStatus{
			InstanceId:     &id,
			InstanceStatus: &ec2types.InstanceStatusSummary{Status: status},
		})
	}
	return out, nil
}

func (f *fakeEC2API) CreateTags(context.Context, *ec2.CreateTagsInput, ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	return &ec2.CreateTagsOutput{}, nil
}

func (f *fakeEC2API) DeleteTags(context.Context, *ec2.DeleteTagsInput, ...func(*ec2.Options)) (*ec2.DeleteTagsOutput, error) {
	return &ec2.DeleteTagsOutput{}, nil
}

func (f *fakeEC2API) StartInstances(context.Context, *ec2.StartInstancesInput, ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	return &ec2.StartInstancesOutput{}, nil
}

func instance(id, ip, instanceType string, tags map[string]string) ec2types.Instance {
	var ec2Tags []ec2types.Tag
	for k, v := range tags {
		k, v := k, v
		ec2Tags = append(ec2Tags, ec2types.Tag{Key: &k, Value: &v})
	}
	return ec2types.Instance{
		InstanceId:       &id,
		PrivateIpAddress: &ip,
		InstanceType:     ec2types.InstanceType(instanceType),
		Tags:             ec2Tags,
	}
}

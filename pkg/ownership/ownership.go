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

// Package ownership negotiates exclusive use of a subset of catalog
// instances via a tag claim/verify protocol. There is no compare-and-swap
// primitive on instance tags, so exclusivity is approximated by writing a
// tag optimistically and then re-reading it to see who actually won.
package ownership

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/awslabs/operatorpkg/serrors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/texttest/ec2cloud/pkg/batcher"
	"github.com/texttest/ec2cloud/pkg/catalog"
)

// TagName is the single reserved tag used to mark an instance as claimed.
const TagName = "TextTest user"

const (
	verifyMaxAttempts = 20
	verifyInterval    = 100 * time.Millisecond
)

// Negotiator claims and releases instances on behalf of one dispatcher
// process, sharing the catalog's batched describe/tag EC2 clients so a
// verification loop running alongside other candidates' claims coalesces
// into the same batching windows.
type Negotiator struct {
	describe *batcher.DescribeInstancesBatcher
	tags     *batcher.TagsBatcher
	myTag    string
}

func New(describe *batcher.DescribeInstancesBatcher, tags *batcher.TagsBatcher, userName string, startTime time.Time) *Negotiator {
	return &Negotiator{
		describe: describe,
		tags:     tags,
		myTag:    fmt.Sprintf("%s_%s", userName, startTime.Format("20060102150405")),
	}
}

// MyTag returns the ownership tag value this negotiator writes when
// claiming an instance.
func (n *Negotiator) MyTag() string {
	return n.myTag
}

// TakeOwnership runs the claim pass followed by the verification loop,
// recursing on capacity lost to a race exactly as the claim/verify/retreat
// protocol requires: the fallback instances are not re-filtered by the
// recursive call, since the verification loop re-reads live tags before
// trusting anything.
func (n *Negotiator) TakeOwnership(ctx context.Context, instances []catalog.Instance, capacityBudget int) ([]catalog.Instance, []string, error) {
	tryOwn, fallback, otherOwners := n.claimPass(instances, capacityBudget)
	if len(tryOwn) == 0 {
		return nil, sortedOwners(otherOwners), nil
	}

	owned, lostCapacity, err := n.verify(ctx, tryOwn, otherOwners)
	if err != nil {
		return nil, nil, err
	}

	if lostCapacity > 0 {
		fallbackOwned, fallbackOwners, err := n.TakeOwnership(ctx, fallback, lostCapacity)
		if err != nil {
			return nil, nil, err
		}
		owned = append(owned, fallbackOwned...)
		otherOwners.Insert(fallbackOwners...)
	}

	return owned, sortedOwners(otherOwners), nil
}

// claimPass walks instances in sorted order, tagging any untagged instance
// up to the capacity budget and recording every already-tagged instance's
// owner. Instances beyond the budget are set aside as fallback candidates
// for a later recursive pass if capacity is lost to a race.
func (n *Negotiator) claimPass(instances []catalog.Instance, capacityBudget int) (tryOwn []catalog.Instance, fallback []catalog.Instance, otherOwners sets.String) {
	otherOwners = sets.NewString()
	capacity := 0
	for _, inst := range instances {
		owner := inst.Tags[TagName]
		if owner != "" {
			otherOwners.Insert(ownerPrefix(owner))
			continue
		}
		if capacity < capacityBudget {
			tryOwn = append(tryOwn, inst)
		} else {
			fallback = append(fallback, inst)
		}
		capacity += inst.CoreBudget
	}
	return tryOwn, fallback, otherOwners
}

// verify writes the claim tag to every candidate, then re-reads each one up
// to verifyMaxAttempts times to see who actually won. An instance whose tag
// comes back empty on a given pass is still in flight (eventual
// consistency) and is retried; one that comes back with somebody else's
// value is a lost race and its core budget is returned as lostCapacity.
func (n *Negotiator) verify(ctx context.Context, candidates []catalog.Instance, otherOwners sets.String) ([]catalog.Instance, int, error) {
	order := make(map[string]int, len(candidates))
	for i, c := range candidates {
		order[c.ID] = i
	}

	if err := n.tagAll(ctx, candidates); err != nil {
		return nil, 0, err
	}

	pending := candidates
	var owned []catalog.Instance
	lostCapacity := 0

	for attempt := 0; attempt < verifyMaxAttempts; attempt++ {
		stillPending, err := n.readTags(ctx, pending)
		if err != nil {
			return nil, 0, err
		}

		var next []catalog.Instance
		for _, inst := range stillPending {
			owner := inst.Tags[TagName]
			switch {
			case owner == n.myTag:
				owned = append(owned, inst)
			case owner != "":
				otherOwners.Insert(ownerPrefix(owner))
				lostCapacity += inst.CoreBudget
			default:
				next = append(next, inst)
			}
		}
		pending = next
		if len(pending) == 0 {
			break
		}
		time.Sleep(verifyInterval)
	}
	for _, inst := range pending {
		lostCapacity += inst.CoreBudget
	}

	sort.SliceStable(owned, func(i, j int) bool {
		return order[owned[i].ID] < order[owned[j].ID]
	})
	return owned, lostCapacity, nil
}

func (n *Negotiator) tagAll(ctx context.Context, instances []catalog.Instance) error {
	for _, inst := range instances {
		if _, err := n.tags.CreateTags(ctx, &ec2.CreateTagsInput{
			Resources: []string{inst.ID},
			Tags:      []ec2types.Tag{{Key: lo.ToPtr(TagName), Value: lo.ToPtr(n.myTag)}},
		}); err != nil {
			return serrors.Wrap(err, "instance-id", inst.ID)
		}
	}
	return nil
}

func (n *Negotiator) readTags(ctx context.Context, instances []catalog.Instance) ([]catalog.Instance, error) {
	out := make([]catalog.Instance, len(instances))
	for i, inst := range instances {
		rsp, err := n.describe.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{inst.ID}})
		if err != nil {
			return nil, serrors.Wrap(err, "instance-id", inst.ID)
		}
		fresh := inst
		fresh.Tags = map[string]string{}
		for _, r := range rsp.Reservations {
			for _, i2 := range r.Instances {
				for _, t := range i2.Tags {
					if t.Key != nil && t.Value != nil {
						fresh.Tags[*t.Key] = *t.Value
					}
				}
			}
		}
		out[i] = fresh
	}
	return out, nil
}

// ReleaseOwnership removes the ownership tag from every given instance,
// combining every failure into a single error rather than reporting only
// the first. Removing a tag that is already absent is not an error. A
// failed release is not retried by this package or by its callers.
func (n *Negotiator) ReleaseOwnership(ctx context.Context, instances []catalog.Instance) error {
	var errs error
	for _, inst := range instances {
		if _, err := n.tags.DeleteTags(ctx, &ec2.DeleteTagsInput{
			Resources: []string{inst.ID},
			Tags:      []ec2types.Tag{{Key: lo.ToPtr(TagName)}},
		}); err != nil {
			errs = multierr.Append(errs, serrors.Wrap(err, "instance-id", inst.ID))
		}
	}
	return errs
}

func ownerPrefix(tagValue string) string {
	user, _, _ := strings.Cut(tagValue, "_")
	return user
}

func sortedOwners(owners sets.String) []string {
	if owners.Len() == 0 {
		return nil
	}
	return owners.List()
}

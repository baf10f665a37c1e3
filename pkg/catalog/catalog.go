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

// Package catalog enumerates cloud instances matching a set of tag filters
// and classifies them as running or still coming up.
package catalog

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"sigs.k8s.io/controller-runtime/pkg/log"

	sdk "github.com/texttest/ec2cloud/pkg/aws"
	"github.com/texttest/ec2cloud/pkg/batcher"
	"github.com/texttest/ec2cloud/pkg/cache"
)

// sizeCoreBudget maps the last dot-segment of an instance type to its core
// budget. Anything not listed here gets a budget of 1.
var sizeCoreBudget = map[string]int{
	"8xlarge": 32,
	"4xlarge": 16,
	"2xlarge": 8,
	"xlarge":  4,
	"large":   2,
	"medium":  1,
}

// Instance is the catalog's view of a discovered EC2 instance.
type Instance struct {
	ID         string
	PrivateIP  string
	Tags       map[string]string
	CoreBudget int
	Running    bool
}

// CoreBudget derives an instance's core budget from its instance type's
// trailing size segment (e.g. "m5.2xlarge" -> 8).
func CoreBudget(instanceType ec2types.InstanceType) int {
	segment := string(instanceType)
	if i := strings.LastIndex(segment, "."); i >= 0 {
		segment = segment[i+1:]
	}
	if budget, ok := sizeCoreBudget[segment]; ok {
		return budget
	}
	return 1
}

// Catalog discovers candidate instances via the EC2 API and owns the
// per-instance describe/status batchers the ownership negotiator reuses for
// its claim-verification loop, so the two components share one batching
// window instead of issuing independent single-instance calls.
type Catalog struct {
	ec2api   sdk.EC2API
	Describe *batcher.DescribeInstancesBatcher
	Status   *batcher.InstanceStatusBatcher
	discover *cache.DiscoveryCache
}

func New(ctx context.Context, ec2api sdk.EC2API) *Catalog {
	return &Catalog{
		ec2api:   ec2api,
		Describe: batcher.NewDescribeInstancesBatcher(ctx, ec2api),
		Status:   batcher.NewInstanceStatusBatcher(ctx, ec2api),
		discover: cache.NewDiscoveryCache(),
	}
}

// Filter is a parsed tag-filter entry: NAME (implicit "=1") or NAME=GLOB.
type Filter struct {
	TagName string
	Pattern string
}

// ParseFilters parses the raw queue_system_resource config entries.
func ParseFilters(raw []string) []Filter {
	filters := make([]Filter, 0, len(raw))
	for _, tag := range raw {
		name, pattern, ok := strings.Cut(tag, "=")
		if !ok {
			name, pattern = tag, "1"
		}
		filters = append(filters, Filter{TagName: name, Pattern: pattern})
	}
	return filters
}

func matchesFilter(tags map[string]string, f Filter) bool {
	value := tags[f.TagName]
	ok, err := path.Match(f.Pattern, value)
	return err == nil && ok
}

// Discover lists every instance satisfying every filter and classifies each
// as running or not. Failures never propagate: a diagnostic is logged and
// an empty catalog is returned, since a higher layer treats zero capacity
// as a clean, recoverable outcome rather than a crash. A successful result is
// memoized for cache.DiscoveryTTL per distinct filter set, since a dispatcher
// polling on an interval would otherwise re-describe the whole fleet on
// every tick even though tag membership and running state change slowly.
func (c *Catalog) Discover(ctx context.Context, rawFilters []string) ([]Instance, error) {
	key, keyErr := cache.Key(rawFilters)
	if keyErr == nil {
		if cached, ok := c.discover.Get(key); ok {
			return cached.([]Instance), nil
		}
	}

	instances, err := c.discoverUncached(ctx, rawFilters)
	if err == nil && keyErr == nil && len(instances) > 0 {
		c.discover.Set(key, instances)
	}
	return instances, err
}

func (c *Catalog) discoverUncached(ctx context.Context, rawFilters []string) ([]Instance, error) {
	filters := ParseFilters(rawFilters)

	describeOut, err := c.ec2api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{})
	if err != nil {
		log.FromContext(ctx).Error(err, "failed to establish a connection to the EC2 cloud; check your credentials")
		return nil, nil
	}

	var candidates []Instance
	for _, reservation := range describeOut.Reservations {
		for _, inst := range reservation.Instances {
			if inst.InstanceId == nil {
				continue
			}
			tags := tagsToMap(inst.Tags)
			matched := true
			for _, f := range filters {
				if !matchesFilter(tags, f) {
					matched = false
					break
				}
			}
			if !matched {
				continue
			}
			ip := ""
			if inst.PrivateIpAddress != nil {
				ip = *inst.PrivateIpAddress
			}
			candidates = append(candidates, Instance{
				ID:         *inst.InstanceId,
				PrivateIP:  ip,
				Tags:       tags,
				CoreBudget: CoreBudget(inst.InstanceType),
			})
		}
	}

	if len(candidates) == 0 {
		log.FromContext(ctx).Info("no instances found matching tag filters", "filters", fmt.Sprint(rawFilters))
		return nil, nil
	}

	running, err := c.runningIDs(ctx, candidates)
	if err != nil {
		log.FromContext(ctx).Error(err, "failed to query instance status")
		return nil, nil
	}
	for i := range candidates {
		candidates[i].Running = running[candidates[i].ID]
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Running != candidates[j].Running {
			return candidates[i].Running
		}
		if candidates[i].CoreBudget != candidates[j].CoreBudget {
			return candidates[i].CoreBudget > candidates[j].CoreBudget
		}
		return candidates[i].PrivateIP < candidates[j].PrivateIP
	})

	return candidates, nil
}

// runningIDs classifies every candidate as running or not, issuing one
// DescribeInstanceStatus call per instance, concurrently, through c.Status
// so a discovery pass collapses into as few upstream calls as the batching
// window allows.
func (c *Catalog) runningIDs(ctx context.Context, candidates []Instance) (map[string]bool, error) {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		running  = map[string]bool{}
		firstErr error
	)
	for _, inst := range candidates {
		inst := inst
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := c.Status.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{InstanceIds: []string{inst.ID}})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			for _, s := range out.InstanceStatuses {
				if s.InstanceId == nil || s.InstanceStatus == nil {
					continue
				}
				switch s.InstanceStatus.Status {
				case ec2types.SummaryStatusOk, ec2types.SummaryStatusInitializing:
					running[*s.InstanceId] = true
				}
			}
		}()
	}
	wg.Wait()
	return running, firstErr
}

func tagsToMap(tags []ec2types.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		if t.Key == nil || t.Value == nil {
			continue
		}
		out[*t.Key] = *t.Value
	}
	return out
}

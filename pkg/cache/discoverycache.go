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

package cache

import (
	"fmt"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/patrickmn/go-cache"
)

// DiscoveryCache memoizes a catalog discover() result for a given tag-filter
// set so repeated submissions within the TTL window don't each force a fresh
// DescribeInstances/DescribeInstanceStatus round trip. The cached value is
// opaque to this package; callers store and retrieve their own snapshot type.
type DiscoveryCache struct {
	c *cache.Cache
}

func NewDiscoveryCache() *DiscoveryCache {
	return &DiscoveryCache{c: cache.New(DiscoveryTTL, DiscoveryCleanupInterval)}
}

// Key hashes anything that identifies a discover() call (the tag filter
// list, typically) into a stable cache key.
func Key(filters []string) (string, error) {
	h, err := hashstructure.Hash(filters, hashstructure.FormatV2, nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h), nil
}

func (d *DiscoveryCache) Get(key string) (interface{}, bool) {
	return d.c.Get(key)
}

func (d *DiscoveryCache) Set(key string, value interface{}) {
	d.c.SetDefault(key, value)
}

func (d *DiscoveryCache) Flush() {
	d.c.Flush()
}

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

import "time"

const (
	// DiscoveryTTL bounds how long a catalog discover() result is reused
	// before the next submission forces a fresh DescribeInstances/
	// DescribeInstanceStatus round trip. Instance membership and running
	// state both change slowly relative to job submission rate, so a short
	// cache materially cuts EC2 API QPS without masking real state changes
	// for long.
	DiscoveryTTL = 30 * time.Second
	// DiscoveryCleanupInterval triggers cleanup of the discovery cache,
	// freeing expired entries. Expired entries are never returned by a
	// lookup, whether or not cleanup has run yet.
	DiscoveryCleanupInterval = time.Second * 10
)

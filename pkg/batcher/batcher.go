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

// Package batcher coalesces many concurrent single-item requests into as
// few upstream EC2 calls as the batching window allows. The ownership
// negotiator's verification loop and the instance catalog's discovery
// pass both issue one logical request per instance; without coalescing,
// a machine fleet of any size turns every poll into one EC2 call per
// instance.
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// Result is what a single item in a batch gets back.
type Result[O any] struct {
	Output *O
	Err    error
}

// BatchExecutor runs one upstream call for every item sharing a hash bucket
// and returns one Result per item, in the same order.
type BatchExecutor[I, O any] func(ctx context.Context, items []*I) []Result[O]

// Options configures a Batcher.
type Options[I, O any] struct {
	// Name identifies this batcher in metrics.
	Name string
	// IdleTimeout is how long a bucket waits without a new item before
	// flushing.
	IdleTimeout time.Duration
	// MaxTimeout bounds how long any item can wait in a bucket,
	// regardless of whether new items keep arriving.
	MaxTimeout time.Duration
	// MaxItems flushes a bucket immediately once it reaches this size.
	// Zero means unbounded.
	MaxItems int
	// MaxRequestWorkers caps how many BatchExecutor calls run
	// concurrently across all buckets. Zero means one at a time.
	MaxRequestWorkers int
	// RequestHasher buckets items that can be served by the same
	// upstream call together.
	RequestHasher func(ctx context.Context, item *I) uint64
	BatchExecutor BatchExecutor[I, O]
}

type request[I, O any] struct {
	item     *I
	response chan Result[O]
}

type bucket[I, O any] struct {
	mu      sync.Mutex
	items   []*request[I, O]
	notify  chan struct{}
	created time.Time
}

// Batcher coalesces concurrent Add calls that hash to the same bucket into
// a single BatchExecutor invocation.
type Batcher[I, O any] struct {
	ctx     context.Context
	options Options[I, O]
	workers chan struct{}

	mu      sync.Mutex
	buckets map[uint64]*bucket[I, O]
}

func NewBatcher[I, O any](ctx context.Context, options Options[I, O]) *Batcher[I, O] {
	if options.MaxRequestWorkers <= 0 {
		options.MaxRequestWorkers = 1
	}
	return &Batcher[I, O]{
		ctx:     ctx,
		options: options,
		workers: make(chan struct{}, options.MaxRequestWorkers),
		buckets: map[uint64]*bucket[I, O]{},
	}
}

// Add enqueues item into whichever bucket it hashes to and blocks until
// that bucket is flushed and this item's result is ready, or ctx is
// canceled first.
func (b *Batcher[I, O]) Add(ctx context.Context, item *I) Result[O] {
	hash := b.options.RequestHasher(ctx, item)
	req := &request[I, O]{item: item, response: make(chan Result[O], 1)}

	b.mu.Lock()
	bkt, ok := b.buckets[hash]
	if !ok {
		bkt = &bucket[I, O]{notify: make(chan struct{}, 1), created: time.Now()}
		b.buckets[hash] = bkt
	}
	b.mu.Unlock()
	if !ok {
		go b.run(hash, bkt)
	}

	bkt.mu.Lock()
	bkt.items = append(bkt.items, req)
	bkt.mu.Unlock()
	select {
	case bkt.notify <- struct{}{}:
	default:
	}

	select {
	case res := <-req.response:
		return res
	case <-ctx.Done():
		return Result[O]{Err: ctx.Err()}
	}
}

func (b *Batcher[I, O]) run(hash uint64, bkt *bucket[I, O]) {
	idle := time.NewTimer(b.options.IdleTimeout)
	maxWait := time.NewTimer(b.options.MaxTimeout)
	defer idle.Stop()
	defer maxWait.Stop()

	for {
		select {
		case <-bkt.notify:
			bkt.mu.Lock()
			full := b.options.MaxItems > 0 && len(bkt.items) >= b.options.MaxItems
			bkt.mu.Unlock()
			if full {
				b.flush(hash, bkt)
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(b.options.IdleTimeout)
		case <-idle.C:
			b.flush(hash, bkt)
			return
		case <-maxWait.C:
			b.flush(hash, bkt)
			return
		case <-b.ctx.Done():
			b.flush(hash, bkt)
			return
		}
	}
}

func (b *Batcher[I, O]) flush(hash uint64, bkt *bucket[I, O]) {
	b.mu.Lock()
	if b.buckets[hash] == bkt {
		delete(b.buckets, hash)
	}
	b.mu.Unlock()

	bkt.mu.Lock()
	reqs := bkt.items
	bkt.mu.Unlock()
	if len(reqs) == 0 {
		return
	}

	b.workers <- struct{}{}
	items := make([]*I, len(reqs))
	for i, r := range reqs {
		items[i] = r.item
	}
	results := b.options.BatchExecutor(b.ctx, items)
	<-b.workers

	RecordBatch(b.options.Name, len(reqs), time.Since(bkt.created))

	for i, r := range reqs {
		if i < len(results) {
			r.response <- results[i]
		} else {
			r.response <- Result[O]{Err: errBatchShortResult}
		}
	}
}

var errBatchShortResult = shortResultError{}

type shortResultError struct{}

func (shortResultError) Error() string {
	return "batcher: executor returned fewer results than items submitted"
}

// DefaultHasher buckets every distinct item (by deep value) into its own
// batch key, so only genuinely-identical concurrent requests coalesce.
func DefaultHasher[T any](_ context.Context, item *T) uint64 {
	hash, _ := hashstructure.Hash(item, hashstructure.FormatV2, nil)
	return hash
}

// OneBucketHasher puts every request into a single bucket, so a whole
// batching window's worth of requests becomes one upstream call regardless
// of their contents. Used where the upstream call itself accepts a list
// (e.g. tagging many instances at once).
func OneBucketHasher[T any](context.Context, *T) uint64 {
	return 0
}

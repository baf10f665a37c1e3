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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	metricsNamespace = "ec2dispatch"
	batcherSubsystem = "batcher"
	batcherNameLabel = "batcher"
)

// SizeBuckets returns threshold values for batch-size histograms. Each call
// returns a fresh slice so callers can't accidentally mutate the shared
// bucket definition.
func SizeBuckets() []float64 {
	return []float64{1, 2, 4, 5, 10, 15, 20, 25, 30, 40, 50, 60, 70, 80, 90, 100, 125, 150, 175, 200}
}

var (
	batchWindowDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: batcherSubsystem,
		Name:      "batch_time_seconds",
		Help:      "Duration of the batching window per batcher",
		Buckets:   prometheus.DefBuckets,
	}, []string{batcherNameLabel})
	batchSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: batcherSubsystem,
		Name:      "batch_size",
		Help:      "Size of the request batch per batcher",
		Buckets:   SizeBuckets(),
	}, []string{batcherNameLabel})
)

func init() {
	crmetrics.Registry.MustRegister(batchWindowDuration, batchSize)
}

// RecordBatch reports one flushed batch's size and the time its oldest
// member waited for the flush.
func RecordBatch(name string, size int, waited time.Duration) {
	batchWindowDuration.WithLabelValues(name).Observe(waited.Seconds())
	batchSize.WithLabelValues(name).Observe(float64(size))
}

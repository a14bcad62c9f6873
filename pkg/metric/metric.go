// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metric provides primitives for collecting metrics.
//
// Metrics are registered at package initialization, live for the lifetime of
// the process, and can be exported in the Prometheus text exposition format.
package metric

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"kcore.dev/kcore/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name is not of the form
	// "/component/name" using lowercase letters, digits and underscores.
	ErrInvalidName = errors.New("metric name is invalid")
)

// namespace prefixes every exported Prometheus metric name.
const namespace = "kcore"

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	value atomic.Uint64
}

type metricEntry struct {
	name        string
	description string

	// cumulative metrics only ever increase and are exported as counters;
	// others are exported as gauges.
	cumulative bool

	// sync is true if the value must be read synchronously with the
	// event that changes it. It is informational.
	sync bool

	value func() uint64
}

var (
	// mu protects allMetrics.
	mu sync.Mutex

	// allMetrics are the registered metrics, by name.
	allMetrics = make(map[string]metricEntry)
)

func validName(name string) bool {
	if len(name) < 2 || name[0] != '/' || strings.HasSuffix(name, "/") {
		return false
	}
	for _, c := range name[1:] {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '/':
		default:
			return false
		}
	}
	return true
}

// RegisterCustomUint64Metric registers a metric with the given name whose
// value is computed by value on every read.
func RegisterCustomUint64Metric(name string, cumulative, sync bool, description string, value func() uint64) error {
	if !validName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, ok := allMetrics[name]; ok {
		return ErrNameInUse
	}
	allMetrics[name] = metricEntry{
		name:        name,
		description: description,
		cumulative:  cumulative,
		sync:        sync,
		value:       value,
	}
	return nil
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func MustRegisterCustomUint64Metric(name string, cumulative, sync bool, description string, value func() uint64) {
	if err := RegisterCustomUint64Metric(name, cumulative, sync, description, value); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name string, sync bool, description string) (*Uint64Metric, error) {
	var m Uint64Metric
	return &m, RegisterCustomUint64Metric(name, true /* cumulative */, sync, description, m.Value)
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name string, sync bool, description string) *Uint64Metric {
	m, err := NewUint64Metric(name, sync, description)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Value returns the current value of the metric.
func (m *Uint64Metric) Value() uint64 {
	return m.value.Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment() {
	m.value.Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64) {
	m.value.Add(v)
}

// Values returns a snapshot of every registered metric.
func Values() map[string]uint64 {
	mu.Lock()
	defer mu.Unlock()
	vals := make(map[string]uint64, len(allMetrics))
	for name, e := range allMetrics {
		vals[name] = e.value()
	}
	return vals
}

// PrometheusName returns the exported name of the metric called name, e.g.
// "/pgalloc/allocated" becomes "kcore_pgalloc_allocated".
func PrometheusName(name string) string {
	return namespace + strings.ReplaceAll(name, "/", "_")
}

// families builds the Prometheus representation of every metric, sorted by
// name.
func families() []*dto.MetricFamily {
	mu.Lock()
	entries := make([]metricEntry, 0, len(allMetrics))
	for _, e := range allMetrics {
		entries = append(entries, e)
	}
	mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	fams := make([]*dto.MetricFamily, 0, len(entries))
	for _, e := range entries {
		v := float64(e.value())
		fam := &dto.MetricFamily{
			Name: proto.String(PrometheusName(e.name)),
			Help: proto.String(e.description),
		}
		if e.cumulative {
			fam.Type = dto.MetricType_COUNTER.Enum()
			fam.Metric = []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(v)}}}
		} else {
			fam.Type = dto.MetricType_GAUGE.Enum()
			fam.Metric = []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(v)}}}
		}
		fams = append(fams, fam)
	}
	return fams
}

// WritePrometheus writes every registered metric to w in the Prometheus text
// exposition format.
func WritePrometheus(w io.Writer) error {
	for _, fam := range families() {
		if _, err := expfmt.MetricFamilyToText(w, fam); err != nil {
			return fmt.Errorf("writing metric %q: %w", fam.GetName(), err)
		}
	}
	return nil
}

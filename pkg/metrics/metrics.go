// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// altpoolNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	altpoolNamespace = "altpool"

	statusLabelName   = "status"
	endpointLabelName = "endpoint"
	classLabelName    = "class"
	resultLabelName   = "result"
	triggerLabelName  = "trigger"

	SuccessLabel = "success"
	FailLabel    = "fail"
	NoopLabel    = "noop"

	TriggerLines   = "lines"
	TriggerTimeout = "timeout"
)

var (
	SessionStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: altpoolNamespace,
			Name:      "session_status",
			Help:      "number of sessions per status and endpoint",
		}, []string{statusLabelName, endpointLabelName})

	ReconnectScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: altpoolNamespace,
			Name:      "reconnect_scheduled_total",
			Help:      "number of reconnects scheduled per failure class",
		}, []string{classLabelName})

	SendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: altpoolNamespace,
			Name:      "send_total",
			Help:      "number of outbound sends executed by send queues",
		}, []string{resultLabelName})

	CaptureFlushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: altpoolNamespace,
			Name:      "capture_flushed_total",
			Help:      "number of response captures flushed per trigger",
		}, []string{triggerLabelName})

	MoveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: altpoolNamespace,
			Name:      "move_total",
			Help:      "number of endpoint moves per result",
		}, []string{resultLabelName})

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: altpoolNamespace,
			Name:      "tick_duration_seconds",
			Help:      "time spent in one pool scheduler cycle",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		})

	registerOnce     sync.Once
	metricRegisterer prometheus.Registerer
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标，重复调用只生效一次。
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(SessionStatus)
		r.MustRegister(ReconnectScheduled)
		r.MustRegister(SendTotal)
		r.MustRegister(CaptureFlushed)
		r.MustRegister(MoveTotal)
		r.MustRegister(TickDuration)
		metricRegisterer = r
	})
}

// Copyright 2025 The gVisor Authors.
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

// Package metrics holds the Prometheus collectors shared by the epoll,
// waitfd and msg packages.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registry every collector in this package is attached to.
// It is separate from prometheus.DefaultRegisterer so that embedding
// programs decide whether to expose it.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

var (
	// EpollInstances is the number of live epoll instances.
	EpollInstances = factory.NewGauge(prometheus.GaugeOpts{
		Name: "qnxcompat_epoll_instances",
		Help: "Number of live emulated epoll instances.",
	})

	// EpollCtl counts control operations by op and result.
	EpollCtl = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "qnxcompat_epoll_ctl_total",
		Help: "Emulated epoll_ctl calls.",
	}, []string{"op", "result"})

	// EpollWakeups counts wake tokens written by instance workers.
	EpollWakeups = factory.NewCounter(prometheus.CounterOpts{
		Name: "qnxcompat_epoll_wakeups_total",
		Help: "Wake tokens written to epoll instance descriptors.",
	})

	// WaitfdWatchers is the number of exit watchers still waiting.
	WaitfdWatchers = factory.NewGauge(prometheus.GaugeOpts{
		Name: "qnxcompat_waitfd_watchers",
		Help: "Exit watchers blocked waiting for their process.",
	})

	// MsgPending is the number of received but unreplied messages.
	MsgPending = factory.NewGauge(prometheus.GaugeOpts{
		Name: "qnxcompat_msg_pending",
		Help: "Messages received and awaiting a reply.",
	})

	// Msg counts Send, Receive and Reply calls by result.
	Msg = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "qnxcompat_msg_total",
		Help: "Message channel operations.",
	}, []string{"op", "result"})
)

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

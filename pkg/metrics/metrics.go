// Copyright 2024 The fleetgate Authors
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

// package metrics provides Prometheus metrics for the application.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal is a counter for the total number of device connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetgate_connections_total",
		Help: "The total number of device connections observed by the core.",
	})

	// SessionTakeoversTotal counts disconnects recognized as same-cluster
	// session takeovers.
	SessionTakeoversTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetgate_session_takeovers_total",
		Help: "The total number of session-takeover disconnects handled.",
	})

	// PublishesRoutedTotal counts publishes dispatched to the stream sink.
	PublishesRoutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetgate_publishes_routed_total",
		Help: "The total number of publishes dispatched to the stream sink.",
	},
		[]string{"service"},
	)

	// PublishesDroppedTotal counts publishes dropped by the pipeline.
	PublishesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetgate_publishes_dropped_total",
		Help: "The total number of publishes dropped by the pipeline, by reason.",
	},
		[]string{"reason"},
	)

	// ACLDenialsTotal counts publish/subscribe attempts denied by the
	// permission engine.
	ACLDenialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetgate_acl_denials_total",
		Help: "The total number of topic operations denied by the permission engine.",
	},
		[]string{"activity"},
	)

	// StatusEventsTotal counts device-status events emitted downstream.
	StatusEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetgate_status_events_total",
		Help: "The total number of device-status events emitted to the stream.",
	},
		[]string{"status"},
	)
)

// Serve starts an HTTP server to expose the Prometheus metrics.
func Serve(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	log.Printf("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = log.Fatalf

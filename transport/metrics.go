// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics counts frames the receive path drops silently. Drops never
// surface as errors at the Receive API; the counters are the only
// visibility callers get.
type metrics struct {
	droppedAuthFailure prometheus.Counter
	droppedReplay      prometheus.Counter
	droppedBadSource   prometheus.Counter
	droppedMalformed   prometheus.Counter
	droppedUnknownType prometheus.Counter

	handshakesCompleted prometheus.Counter
	handshakesRejected  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dsm",
			Subsystem: "transport",
			Name:      name,
			Help:      help,
		})
	}

	m := &metrics{
		droppedAuthFailure:  counter("dropped_auth_failure", "frames dropped for AEAD authentication failure"),
		droppedReplay:       counter("dropped_replay", "frames dropped as duplicate nonces"),
		droppedBadSource:    counter("dropped_bad_source", "frames dropped for source address or connection id mismatch"),
		droppedMalformed:    counter("dropped_malformed", "frames dropped as shorter than the header"),
		droppedUnknownType:  counter("dropped_unknown_type", "frames dropped for unknown message type"),
		handshakesCompleted: counter("handshakes_completed", "handshakes completed"),
		handshakesRejected:  counter("handshakes_rejected", "handshakes rejected during validation"),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.droppedAuthFailure,
			m.droppedReplay,
			m.droppedBadSource,
			m.droppedMalformed,
			m.droppedUnknownType,
			m.handshakesCompleted,
			m.handshakesRejected,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

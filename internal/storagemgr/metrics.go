// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package storagemgr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// transitionCounter counts state-transition callbacks by kind and
	// outcome (result="all" for every callback, plus result="failed" for
	// those that returned an error, via the teacher's counter+result
	// label convention).
	transitionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "storagemgr",
		Name:      "transitions",
		Help:      "partition state-transition callbacks by kind and result",
	}, []string{"transition", "result"})

	resumeDecommissionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "storagemgr",
		Name:      "resume_decommission_errors",
		Help:      "errors raised while resuming a decommission during OFFLINE->DROPPED",
	}, []string{})
)

func recordTransition(transition string, err error) {
	transitionCounter.WithLabelValues(transition, "all").Inc()
	if err != nil {
		transitionCounter.WithLabelValues(transition, "failed").Inc()
	}
}

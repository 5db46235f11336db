package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// firstUseTotal counts usage events handed to the reporter
	firstUseTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "usagetrace_first_use_total",
		Help: "Functions observed running for the first time",
	})

	// transitionTotal counts RecordCall results
	transitionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "usagetrace_transition_total",
		Help: "Usage state transitions by result",
	}, []string{"transition"})

	// patchTotal counts patch requests by outcome
	patchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "usagetrace_patch_total",
		Help: "Re-derivation requests by outcome (ok, failed, skipped)",
	}, []string{"result"})

	// dispatchErrorTotal counts panics recovered at the core boundary
	dispatchErrorTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "usagetrace_dispatch_error_total",
		Help: "Hook invocations that failed inside the core",
	})
)

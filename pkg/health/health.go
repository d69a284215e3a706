// Package health exposes liveness and readiness of the IPC links over HTTP.
package health

import (
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/amp-ipc/api"
)

// DefaultCheckTimeout bounds a single check.
const DefaultCheckTimeout = time.Second

// NewHandler returns an HTTP handler serving /live and /ready for target.
// When reg is non-nil each check also exports
// <namespace>_healthcheck_status{check="..."}.
func NewHandler(reg prometheus.Registerer, namespace string, target api.Health, timeout time.Duration) healthcheck.Handler {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	var h healthcheck.Handler
	if reg != nil {
		h = healthcheck.NewMetricsHandler(reg, namespace)
	} else {
		h = healthcheck.NewHandler()
	}
	h.AddLivenessCheck("ipc-live", healthcheck.Timeout(target.Live, timeout))
	h.AddReadinessCheck("ipc-ready", healthcheck.Timeout(target.Ready, timeout))
	return h
}

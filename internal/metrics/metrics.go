package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TokensIssued counts admission tokens minted, including reissues.
	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_tokens_issued_total",
		Help: "Admission tokens issued.",
	})

	// ScansAccepted counts recorded attendance entries.
	ScansAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_scans_accepted_total",
		Help: "Scans accepted and recorded.",
	})

	// ScansRejected counts rejected scans by stable reason string.
	ScansRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrattend_scans_rejected_total",
		Help: "Scans rejected, labelled by reason.",
	}, []string{"reason"})
)

package ingest

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"vpkgate/pkg/vpk"
	"vpkgate/services/lifecycle"
	"vpkgate/services/repack"
)

var uploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "vpkgate_uploads_total",
	Help: "Uploads processed, by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(uploadsTotal)
}

func outcomeLabel(out *Outcome, err error) string {
	switch {
	case err == nil && out != nil && out.Accepted:
		return "accepted"
	case err == nil:
		return "rejected"
	case errors.Is(err, lifecycle.ErrInvalidName):
		return "invalid_name"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, vpk.ErrCorrupt):
		return "corrupt"
	case errors.Is(err, repack.ErrBuildFailure):
		return "build_failure"
	default:
		return "error"
	}
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the Prometheus exposition handler for this process's
// default registerer (promauto registers every metric there).
func Handler() http.Handler {
	return promhttp.Handler()
}

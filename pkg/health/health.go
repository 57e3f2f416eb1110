package health

import (
	"github.com/cuemby/nimbus/pkg/types"
)

// Error categories attached to failed probes
const (
	CategoryTimeout           = "TIMEOUT"
	CategoryConnectionRefused = "CONNECTION_REFUSED"
	CategoryDNSFailure        = "DNS_FAILURE"
	CategoryTLSError          = "TLS_ERROR"
	CategoryNetwork           = "NETWORK_ERROR"
	CategoryHTTPStatus        = "HTTP_STATUS"
	CategoryBadBody           = "BAD_BODY"
)

// Result is the aggregate outcome of one check invocation
type Result struct {
	Status    types.HealthState       `json:"status"`
	Endpoints []*types.EndpointResult `json:"endpoints"`
}

// Healthy reports whether every probed endpoint succeeded
func (r *Result) Healthy() bool {
	return r.Status == types.HealthHealthy
}

// aggregate folds per-endpoint results into the overall state:
// healthy when all pass, unhealthy when all fail, partial otherwise
func aggregate(endpoints []*types.EndpointResult) types.HealthState {
	if len(endpoints) == 0 {
		return types.HealthHealthy
	}

	passed := 0
	for _, ep := range endpoints {
		if ep.Healthy {
			passed++
		}
	}

	switch passed {
	case len(endpoints):
		return types.HealthHealthy
	case 0:
		return types.HealthUnhealthy
	default:
		return types.HealthPartial
	}
}

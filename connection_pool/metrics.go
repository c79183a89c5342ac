package connection_pool

import "github.com/VictoriaMetrics/metrics"

var (
	acquires  = metrics.NewCounter(`raftsql_pool_acquires_total`)
	releases  = metrics.NewCounter(`raftsql_pool_releases_total`)
	evictions = metrics.NewCounter(`raftsql_pool_evictions_total`)
	refreshes = metrics.NewCounter(`raftsql_pool_topology_refreshes_total`)
	timeouts  = metrics.NewCounter(`raftsql_pool_request_timeouts_total`)
)

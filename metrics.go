// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package pipereg

import "expvar"

// regMetrics record registry activity counters.
type regMetrics struct {
	registered        expvar.Int // successful registrations
	dupName           expvar.Int // registrations rejected for a live duplicate
	acquired          expvar.Int // leases granted (including administrative)
	acquireBusy       expvar.Int // acquisitions rejected while leased
	providerReclaimed expvar.Int // stale entries dropped for a dead provider
	leaseReclaimed    expvar.Int // leases reclaimed from a dead holder
	entries           expvar.Int // gauge of registered names

	emap *expvar.Map
}

var rootMetrics = newRegMetrics()

func newRegMetrics() *regMetrics {
	rm := &regMetrics{emap: new(expvar.Map)}
	rm.emap.Set("names_registered", &rm.registered)
	rm.emap.Set("names_duplicate", &rm.dupName)
	rm.emap.Set("leases_granted", &rm.acquired)
	rm.emap.Set("leases_busy", &rm.acquireBusy)
	rm.emap.Set("providers_reclaimed", &rm.providerReclaimed)
	rm.emap.Set("leases_reclaimed", &rm.leaseReclaimed)
	rm.emap.Set("names_active", &rm.entries)
	return rm
}

// Metrics returns a metrics map for registry activity. The map is shared by
// all registries in the process; it is safe for the caller to add additional
// metrics to the map.
func Metrics() *expvar.Map { return rootMetrics.emap }

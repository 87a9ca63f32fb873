package virtualization

import "sync/atomic"

// Operation counters
var (
	handlesCreated    uint64
	handlesReleased   uint64
	validationsPassed uint64
	validationsFailed uint64
	machinesCreated   uint64
	startsSucceeded   uint64
	startsFailed      uint64
	stopRequests      uint64
	restoreFetches    uint64
	emptyResponses    uint64
)

// Metrics is a snapshot of the package counters.
type Metrics struct {
	HandlesCreated    uint64 `json:"handles_created"`
	HandlesReleased   uint64 `json:"handles_released"`
	ValidationsPassed uint64 `json:"validations_passed"`
	ValidationsFailed uint64 `json:"validations_failed"`
	MachinesCreated   uint64 `json:"machines_created"`
	StartsSucceeded   uint64 `json:"starts_succeeded"`
	StartsFailed      uint64 `json:"starts_failed"`
	StopRequests      uint64 `json:"stop_requests"`
	RestoreFetches    uint64 `json:"restore_fetches"`
	EmptyResponses    uint64 `json:"empty_responses"`
}

// LiveHandles is the number of native objects not yet released.
func (m Metrics) LiveHandles() uint64 {
	return m.HandlesCreated - m.HandlesReleased
}

// GetMetrics returns current counters.
func GetMetrics() Metrics {
	return Metrics{
		HandlesCreated:    atomic.LoadUint64(&handlesCreated),
		HandlesReleased:   atomic.LoadUint64(&handlesReleased),
		ValidationsPassed: atomic.LoadUint64(&validationsPassed),
		ValidationsFailed: atomic.LoadUint64(&validationsFailed),
		MachinesCreated:   atomic.LoadUint64(&machinesCreated),
		StartsSucceeded:   atomic.LoadUint64(&startsSucceeded),
		StartsFailed:      atomic.LoadUint64(&startsFailed),
		StopRequests:      atomic.LoadUint64(&stopRequests),
		RestoreFetches:    atomic.LoadUint64(&restoreFetches),
		EmptyResponses:    atomic.LoadUint64(&emptyResponses),
	}
}

// ResetMetrics zeroes all counters (for testing)
func ResetMetrics() {
	for _, c := range []*uint64{
		&handlesCreated, &handlesReleased, &validationsPassed, &validationsFailed,
		&machinesCreated, &startsSucceeded, &startsFailed, &stopRequests,
		&restoreFetches, &emptyResponses,
	} {
		atomic.StoreUint64(c, 0)
	}
}

package tracker

import (
	"themis"
	"themis/internal/quota"
)

// QuotaEnforcingTracker wraps a Tracker with zero or one producer
// quota (charged in AddWork) and zero or one consumer quota (credited
// in GetNewWork), giving back-pressure between two specific stages
// without coupling it to the allocator's total memory budget
// (spec.md §4.3).
type QuotaEnforcingTracker struct {
	*Tracker
	producerQuota *quota.Quota
	consumerQuota *quota.Quota
}

// NewQuotaEnforcing wraps t. Either quota may be nil to disable that
// side's enforcement.
func NewQuotaEnforcing(t *Tracker, producerQuota, consumerQuota *quota.Quota) *QuotaEnforcingTracker {
	return &QuotaEnforcingTracker{Tracker: t, producerQuota: producerQuota, consumerQuota: consumerQuota}
}

// AddWork charges the producer quota for any non-end-of-stream unit
// before delegating to the wrapped tracker.
func (q *QuotaEnforcingTracker) AddWork(unit themis.WorkUnit) {
	if q.producerQuota != nil && !themis.IsEndOfStream(unit) {
		q.producerQuota.AddUsage(unit.CurrentSizeInBytes())
	}
	q.Tracker.AddWork(unit)
}

// GetNewWork credits the consumer quota for any non-end-of-stream
// unit once it has left the wrapped tracker.
func (q *QuotaEnforcingTracker) GetNewWork(queueID int) themis.WorkUnit {
	unit := q.Tracker.GetNewWork(queueID)
	if q.consumerQuota != nil && !themis.IsEndOfStream(unit) {
		q.consumerQuota.RemoveUsage(unit.CurrentSizeInBytes())
	}
	return unit
}

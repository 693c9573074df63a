package measurement

import (
	"time"

	"github.com/google/btree"

	"github.com/yairfalse/vahti/types"
)

// Kind separates measurement jobs from availability jobs.
type Kind int

const (
	KindMeasurement Kind = iota
	KindAvailability
)

func (k Kind) String() string {
	if k == KindAvailability {
		return "availability"
	}
	return "measurement"
}

// AvailabilityMetric names the synthetic schedule of availability jobs.
const AvailabilityMetric = "availability"

type jobKey struct {
	kind       Kind
	resourceID string
	scheduleID int64
}

func measurementKey(s types.MeasurementSchedule) jobKey {
	return jobKey{kind: KindMeasurement, resourceID: s.ResourceID, scheduleID: s.ID}
}

func availabilityKey(resourceID string) jobKey {
	return jobKey{kind: KindAvailability, resourceID: resourceID}
}

type slot struct {
	due time.Time
	key jobKey
}

func slotLess(a, b slot) bool {
	if !a.due.Equal(b.due) {
		return a.due.Before(b.due)
	}
	if a.key.kind != b.key.kind {
		return a.key.kind < b.key.kind
	}
	if a.key.resourceID != b.key.resourceID {
		return a.key.resourceID < b.key.resourceID
	}
	return a.key.scheduleID < b.key.scheduleID
}

type job struct {
	key      jobKey
	sched    types.MeasurementSchedule
	queued   bool
	inFlight bool
	removed  bool
	// pending holds an update that arrived while the job was in flight.
	pending *types.MeasurementSchedule
}

// dueJob is a job handed to the dispatcher.
type dueJob struct {
	key   jobKey
	sched types.MeasurementSchedule
}

// NextDue applies the late-reschedule policy: the next run is one interval
// after the previous due time, unless that moment has already passed, in
// which case it is one interval from now. Missed ticks are never replayed.
func NextDue(prev time.Time, interval time.Duration, now time.Time) time.Time {
	next := prev.Add(interval)
	if !next.After(now) {
		next = now.Add(interval)
	}
	return next
}

// queue orders enabled jobs by due time. It is not safe for concurrent use.
type queue struct {
	order *btree.BTreeG[slot]
	jobs  map[jobKey]*job
}

func newQueue() *queue {
	return &queue{
		order: btree.NewG(32, slotLess),
		jobs:  make(map[jobKey]*job),
	}
}

// Len returns the number of queued jobs.
func (q *queue) Len() int {
	return q.order.Len()
}

// add registers a job, or updates it if the key is known. A new enabled
// job is first due at sched.NextDue, or one interval from now if unset or past.
func (q *queue) add(key jobKey, sched types.MeasurementSchedule, now time.Time) {
	if _, ok := q.jobs[key]; ok {
		q.update(key, sched, now)
		return
	}
	if sched.NextDue.IsZero() || !sched.NextDue.After(now) {
		sched.NextDue = now.Add(sched.Interval)
	}
	j := &job{key: key, sched: sched}
	q.jobs[key] = j
	if sched.Enabled {
		q.push(j)
	}
}

// update changes interval or enablement. The current due time is kept:
// a new interval applies from the next pass on.
func (q *queue) update(key jobKey, sched types.MeasurementSchedule, now time.Time) {
	j, ok := q.jobs[key]
	if !ok {
		return
	}
	if j.inFlight {
		s := sched
		j.pending = &s
		return
	}
	q.pop(j)
	sched.NextDue = j.sched.NextDue
	sched.LastStart = j.sched.LastStart
	if sched.NextDue.IsZero() || (!j.sched.Enabled && !sched.NextDue.After(now)) {
		sched.NextDue = now.Add(sched.Interval)
	}
	j.sched = sched
	if sched.Enabled {
		q.push(j)
	}
}

func (q *queue) remove(key jobKey) {
	j, ok := q.jobs[key]
	if !ok {
		return
	}
	q.pop(j)
	if j.inFlight {
		j.removed = true
	}
	delete(q.jobs, key)
}

// removeResource drops every job of a resource and returns how many there were.
func (q *queue) removeResource(resourceID string) int {
	n := 0
	for key := range q.jobs {
		if key.resourceID == resourceID {
			q.remove(key)
			n++
		}
	}
	return n
}

func (q *queue) push(j *job) {
	q.order.ReplaceOrInsert(slot{due: j.sched.NextDue, key: j.key})
	j.queued = true
}

func (q *queue) pop(j *job) {
	if j.queued {
		q.order.Delete(slot{due: j.sched.NextDue, key: j.key})
		j.queued = false
	}
}

// peek returns the earliest due time.
func (q *queue) peek() (time.Time, bool) {
	s, ok := q.order.Min()
	return s.due, ok
}

// popDue removes every job due at or before now and marks it in flight.
func (q *queue) popDue(now time.Time) []dueJob {
	var out []dueJob
	for {
		s, ok := q.order.Min()
		if !ok || s.due.After(now) {
			return out
		}
		q.order.DeleteMin()
		j := q.jobs[s.key]
		j.queued = false
		j.inFlight = true
		j.sched.LastStart = now
		out = append(out, dueJob{key: j.key, sched: j.sched})
	}
}

// complete requeues a finished job using the late-reschedule policy and
// returns its next due time. Updates that arrived in flight apply now.
func (q *queue) complete(key jobKey, now time.Time) (time.Time, bool) {
	j, ok := q.jobs[key]
	if !ok || !j.inFlight {
		return time.Time{}, false
	}
	j.inFlight = false
	if j.removed {
		return time.Time{}, false
	}
	if j.pending != nil {
		p := *j.pending
		j.pending = nil
		j.sched.Interval = p.Interval
		j.sched.Enabled = p.Enabled
		j.sched.Metric = p.Metric
		j.sched.DataType = p.DataType
	}
	if !j.sched.Enabled {
		return time.Time{}, false
	}
	j.sched.NextDue = NextDue(j.sched.NextDue, j.sched.Interval, now)
	q.push(j)
	return j.sched.NextDue, true
}

// schedules returns the measurement schedules of a resource.
func (q *queue) schedules(resourceID string) []types.MeasurementSchedule {
	var out []types.MeasurementSchedule
	for key, j := range q.jobs {
		if key.kind == KindMeasurement && key.resourceID == resourceID {
			out = append(out, j.sched)
		}
	}
	return out
}

// measurementKeys returns the measurement job keys of a resource.
func (q *queue) measurementKeys(resourceID string) []jobKey {
	var out []jobKey
	for key := range q.jobs {
		if key.kind == KindMeasurement && key.resourceID == resourceID {
			out = append(out, key)
		}
	}
	return out
}

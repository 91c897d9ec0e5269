// Package trigger submits configured rebuild messages on a schedule.
//
// Each Trigger pairs a schedule with a genqueue.Message. Schedules are cron
// expressions (5 or 6 fields, or descriptors such as "@daily"), intervals
// ("15m", "@every 1h") or HH:MM intervals ("02:30"). Interval triggers get a
// random first-run offset so a restart does not fire them all at once.
//
// The service only submits; coalescing and ordering are the queue's job, so
// a trigger firing while an equivalent rebuild is pending is a no-op.
package trigger

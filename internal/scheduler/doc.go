// Package scheduler drives the periodic scan tick.
//
// One cron entry (interval or cron expression) fires the tick. Ticks never
// overlap: a firing that finds the previous tick still running is skipped
// and recorded in the history. Stop cancels the root context, stops cron
// and waits for an in-flight tick.
package scheduler

// Package scheduler keeps job descriptors and their cron triggers, fires the
// triggers on robfig/cron and hands each fire to the task engine.
//
// Jobs are identified by JobKey and are unique: ScheduleJob refuses an
// existing key, so re-registration is CheckExists, DeleteJob, ScheduleJob.
// Registrations are written through to an optional storage.Store and restored
// on Start. Listeners observe every fire (before, vetoed, after).
package scheduler

// Package cron schedules synthetic agent turns: persisted cron jobs and the
// workspace heartbeat.
//
// Jobs live in <data>/cron/jobs.json. A single loop sleeps until the
// earliest due job; adding, enabling or removing a job wakes it.
//
// Invariants:
// - A job's next run is advanced and persisted, together with a pending
//   marker for the boundary being fired, before the firing is delivered.
// - Every firing carries the dedupe key cron:<job_id>:<scheduled_ms>, so a
//   redelivery after a crash is recognised by the consumer.
// - A job that missed several boundaries fires once, then resumes on the
//   next boundary strictly after now.
// - Cron expressions are evaluated in the job's TZ or the default location.
//
// Usage:
//
//	svc, _ := cron.NewService(cron.ServiceOptions{StorePath: path, Deliver: d.Publish})
//	_ = svc.Start(ctx)
//	job, _ := svc.AddJob(cron.AddParams{Name: "digest", Schedule: cron.Schedule{Kind: cron.ScheduleKindCron, Expr: "0 9 * * *"}, Payload: cron.Payload{Message: "Send the digest", Deliver: true}})
package cron

// Package alerts evaluates alert rules against evaluated session reports and
// delivers notifications to Slack, Teams or generic HTTP webhooks.
//
// A rule fires when its condition holds for a report, subject to a per-rule
// cooldown, and resolves when the same patient's next report no longer
// matches. Rules can be replaced at runtime with Update.
package alerts

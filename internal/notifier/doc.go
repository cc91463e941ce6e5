// Package notifier delivers price alerts and operator messages.
//
// Alerts and admin messages are sent synchronously so callers learn whether
// delivery worked. Log forwarding goes through an async queue drained by a
// small worker pool so a slow chat never blocks the logger.
//
// Every send is rate limited and retried with jittered backoff. A small
// in-memory history of delivered messages is kept for the admin API.
package notifier

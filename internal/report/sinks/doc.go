// Package sinks implements concrete report consumers: structured logging,
// Prometheus, Pub/Sub alerting, Postgres run history, and an in-memory ring
// used by the ops API and tests. Each satisfies report.Sink.
package sinks

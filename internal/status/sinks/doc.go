// Package sinks implements concrete status consumers. Each sink satisfies the
// status.Sink interface and is safe for repeated Consume/Close cycles.
package sinks

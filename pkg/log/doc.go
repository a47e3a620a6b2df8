// Package log provides structured logging via zerolog: a process-wide
// log.Logger initialized once by log.Init, plus WithComponent/WithTenant/
// WithScope/WithDelivery helpers that return a child logger carrying the
// matching field, grounded on the teacher's pkg/log.go.
package log

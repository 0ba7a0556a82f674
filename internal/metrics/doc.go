// Package metrics provides Prometheus metrics for the device runtime.
package metrics

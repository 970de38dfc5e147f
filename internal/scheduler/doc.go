// Package scheduler runs a rotation: one sequential pass over a model
// roster in which each model leases the devices, hydrates, encodes the
// work queue in adaptively sized slices, and releases before the next
// model starts. At most one model holds device memory at any instant.
//
// Per-model outputs are blended into a single matrix once every model has
// completed. A fatal failure at any model aborts the whole run; partial
// results are never returned as success.
//
// Service wraps the scheduler for long-running processes: one run at a
// time, a fresh telemetry recorder per run, and a background sampler
// around each run.
package scheduler

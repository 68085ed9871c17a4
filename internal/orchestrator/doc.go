// Package orchestrator ties the platform registry, the scheduler, the
// transfer engine and the healing controller into a job lifecycle.
//
// A submitted URL is resolved to a platform, queued by priority and
// driven through Queued, Downloading, Verifying and, on failure,
// Retrying, until it lands in Completed, Failed or Cancelled. Every
// transition, progress tick and healing decision is published on the
// job's event stream.
package orchestrator

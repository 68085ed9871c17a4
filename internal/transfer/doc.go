// Package transfer implements the resumable transfer engine.
//
// A Transfer streams one HTTP resource to a local destination through
// the partfile format: bytes are appended to <dest>.part and the
// sidecar is persisted after every chunk, so an interrupted transfer
// resumes from the last persisted offset with the running digest
// intact. A server that ignores the Range header, or a source whose
// ETag changed under a partial file, forces a clean restart instead of
// producing a corrupt merged file.
//
// The engine makes no retry decisions. Every failure is returned to
// the caller, which consults the healing controller for policy.
// Cancellation is cooperative and always yields OutcomeCancelled with
// a resumable sidecar, never a failure.
package transfer

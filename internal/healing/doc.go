// Package healing turns transfer failures into recovery actions.
//
// Every failed attempt is classified into an ErrorClass, then the
// Controller rules on it: retry with exponential backoff, rotate to
// another endpoint, restart clean after a checksum mismatch, or give
// up. Auth walls and stale extraction patterns are never auto-healed;
// they surface as ErrManualReviewRequired.
//
// The controller keeps a log of every decision. Once a job reaches a
// terminal state the caller reports the outcome with ResolveJob, which
// is what makes per-class success rates in Stats meaningful.
package healing

// Package progress tracks transfer progress for event publication.
//
// A Tracker accumulates byte counts reported by the transfer engine and
// turns them into rate-limited snapshots (percent complete, bytes per
// second) suitable for the orchestrator's event stream.
//
// # Usage
//
//	tracker := progress.NewTracker(500 * time.Millisecond)
//
//	// From the transfer engine's progress callback:
//	if snap, ok := tracker.Update(downloaded, total); ok {
//	    publish(snap)
//	}
//
// The package also provides byte-size formatting and parsing helpers
// ("256MB" style strings) used by the configuration layer.
package progress

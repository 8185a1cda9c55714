package attendance

import "time"

// Scan-window and classification offsets relative to the session schedule.
const (
	EarlyScanGrace = 30 * time.Minute // scans accepted this long before start
	LateScanGrace  = 15 * time.Minute // scans accepted this long after end
	LateThreshold  = 15 * time.Minute // after start+threshold a scan is late
)

// InScanWindow reports whether now falls inside the inclusive window
// [start-EarlyScanGrace, end+LateScanGrace].
func InScanWindow(now, start, end time.Time) bool {
	opens := start.Add(-EarlyScanGrace)
	closes := end.Add(LateScanGrace)
	return !now.Before(opens) && !now.After(closes)
}

// Classify derives the attendance status from the scan instant.
// Scans after the session end are absent, scans after start+LateThreshold
// (exclusive) up to and including the end are late, everything else present.
func Classify(scannedAt, start, end time.Time) EntryStatus {
	switch {
	case scannedAt.After(end):
		return StatusAbsent
	case scannedAt.After(start.Add(LateThreshold)):
		return StatusLate
	default:
		return StatusPresent
	}
}

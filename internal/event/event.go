package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	Log Type = iota + 1
	Progress
	Status
	StateChanged
	Entry
)

var typeNames = [...]string{
	Log:          "Log",
	Progress:     "Progress",
	Status:       "Status",
	StateChanged: "StateChanged",
	Entry:        "Entry",
}

func (t Type) String() string {
	if int(t) < len(typeNames) && typeNames[t] != "" {
		return typeNames[t]
	}
	return "Unknown"
}

// ProgressInfo is a point-in-time transfer progress sample.
// BytesTotal is zero when the total is unknown (restores, failed sizing).
type ProgressInfo struct {
	BytesDone  uint64
	BytesTotal uint64
	Elapsed    time.Duration
	Records    uint64 // files/records derived from tar checkpoints
	Percent    int    // tool-reported percentage, -1 when not reported
}

// TotalKnown reports whether BytesTotal carries a real figure.
func (p ProgressInfo) TotalKnown() bool { return p.BytesTotal > 0 }

// ElapsedSeconds returns Elapsed as fractional seconds.
func (p ProgressInfo) ElapsedSeconds() float64 { return p.Elapsed.Seconds() }

// Fraction returns BytesDone/BytesTotal clamped to [0,1], or 0 when the
// total is unknown.
func (p ProgressInfo) Fraction() float64 {
	if !p.TotalKnown() {
		return 0
	}
	f := float64(p.BytesDone) / float64(p.BytesTotal)
	if f > 1 {
		return 1
	}
	return f
}

// ArchiveEntry is one member of a tape archive listing.
type ArchiveEntry struct {
	Path  string
	Size  uint64
	IsDir bool
}

// Event is a single item on a task's event stream. Exactly one payload
// field is meaningful, selected by Type.
type Event struct {
	Type      Type
	Timestamp time.Time
	TaskID    string
	Device    string

	Line     string       // Log: raw tool output line
	Text     string       // Status: human status text
	State    string       // StateChanged: new task state name
	Progress ProgressInfo // Progress
	Entry    ArchiveEntry // Entry: one parsed listing row
	Error    error        // StateChanged to a terminal failure
}

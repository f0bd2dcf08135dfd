package progress

import (
	"regexp"
	"strconv"
)

// DefaultCheckpointInterval is the tar --checkpoint record interval.
const DefaultCheckpointInterval = 500

// Direction tells which byte counter a checkpoint line carried.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionWrite
	DirectionRead
)

func (d Direction) String() string {
	switch d {
	case DirectionWrite:
		return "write"
	case DirectionRead:
		return "read"
	default:
		return "none"
	}
}

var (
	checkpointRe = regexp.MustCompile(`CHECKPOINT\s+(\d+)`)
	writtenRe    = regexp.MustCompile(`W:\s*(\d+)`)
	readRe       = regexp.MustCompile(`R:\s*(\d+)`)
)

// Checkpoint is one parsed "CHECKPOINT %u %T" marker.
type Checkpoint struct {
	Iteration uint64
	Records   uint64
	Bytes     uint64
	Direction Direction
}

// CheckpointArgs returns the tar flags that make tar emit the markers
// ParseCheckpoint understands.
func CheckpointArgs(interval int) []string {
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	return []string{
		"--checkpoint=" + strconv.Itoa(interval),
		"--checkpoint-action=echo=CHECKPOINT %u %T",
	}
}

// ParseCheckpoint parses a tar checkpoint line. Records is always
// Iteration × interval. The byte counter is taken from the "W:" (write) or
// "R:" (read) label; a marker without a byte counter still parses.
func ParseCheckpoint(line string, interval int) (Checkpoint, bool) {
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	m := checkpointRe.FindStringSubmatch(line)
	if m == nil {
		return Checkpoint{}, false
	}
	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return Checkpoint{}, false
	}
	cp := Checkpoint{
		Iteration: n,
		Records:   n * uint64(interval),
	}
	if b, ok := labeled(writtenRe, line); ok {
		cp.Bytes, cp.Direction = b, DirectionWrite
	} else if b, ok := labeled(readRe, line); ok {
		cp.Bytes, cp.Direction = b, DirectionRead
	}
	return cp, true
}

func labeled(re *regexp.Regexp, line string) (uint64, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

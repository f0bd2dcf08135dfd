package progress

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/event"
)

// GNU tar -tv: -rw-r--r-- user/group 12345 2024-01-15 12:00 path/to/file
var listingRe = regexp.MustCompile(
	`^(.{10})\s+\S+/\S+\s+(\d+)\s+\d{4}-\d{2}-\d{2}\s+\d{2}:\d{2}(?::\d{2})?\s+(.*)$`,
)

// ParseListing parses one tar long-format listing line. Lines outside the
// fixed column grammar (warnings, device nodes, blank lines) are ignored.
func ParseListing(line string) (Entry, bool) {
	m := listingRe.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if m == nil {
		return Entry{}, false
	}
	size, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return Entry{}, false
	}
	perms, path := m[1], m[3]
	switch perms[0] {
	case 'l':
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[:i]
		}
	case 'h':
		if i := strings.Index(path, " link to "); i >= 0 {
			path = path[:i]
		}
	}
	if path == "" {
		return Entry{}, false
	}
	return Entry{
		Path:  path,
		Size:  size,
		IsDir: perms[0] == 'd',
	}, true
}

// Entry is one member of a tape archive, in stream order.
type Entry = event.ArchiveEntry

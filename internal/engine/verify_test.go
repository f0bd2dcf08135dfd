package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/progress"
)

func TestVerifyListing(t *testing.T) {
	written := []string{"data/", "/data/a.txt", "data/b.txt"}
	entries := []progress.Entry{
		{Path: "data/", IsDir: true},
		{Path: "data/a.txt", Size: 1},
		{Path: "data/c.txt", Size: 2},
	}
	r := VerifyListing(written, entries)
	assert.False(t, r.OK())
	assert.Equal(t, 2, r.Matched)
	assert.Equal(t, []string{"data/b.txt"}, r.Missing)
	assert.Equal(t, []string{"data/c.txt"}, r.Unexpected)
}

func TestVerifyListingEqual(t *testing.T) {
	r := VerifyListing([]string{"a/", "a/b"}, []progress.Entry{{Path: "a/b"}, {Path: "/a", IsDir: true}})
	assert.True(t, r.OK())
	assert.Equal(t, 2, r.Matched)
}

func TestParseDiskUsage(t *testing.T) {
	assert.Equal(t, uint64(3000), ParseDiskUsage("1000\t/a\n2000\t/b with space\n"))
	assert.Equal(t, uint64(0), ParseDiskUsage(""))
	assert.Equal(t, uint64(5), ParseDiskUsage("du: cannot access '/x'\n5\t/y"))
}

func TestTarArgs(t *testing.T) {
	assert.Equal(t, []string{"-tzvf", "/dev/nst0"}, ListArgs("/dev/nst0", true))
	assert.Equal(t, []string{
		"-xvf", "/dev/nst0", "-C", "/restore",
		"--checkpoint=100", "--checkpoint-action=echo=CHECKPOINT %u %T",
	}, RestoreArgs("/dev/nst0", "/restore", false, 100))
	assert.Equal(t, "-czvf", BackupArgs("/dev/nst0", []string{"/a"}, true, 500)[0])
}

func TestParseUnknownSizePolicy(t *testing.T) {
	p, err := ParseUnknownSizePolicy("")
	assert.NoError(t, err)
	assert.Equal(t, UnknownSizeWarn, p)
	p, err = ParseUnknownSizePolicy("block")
	assert.NoError(t, err)
	assert.Equal(t, UnknownSizeBlock, p)
	_, err = ParseUnknownSizePolicy("maybe")
	assert.Error(t, err)
}

func TestStateAndOpStrings(t *testing.T) {
	assert.Equal(t, "ltfs-backup", OpLTFSBackup.String())
	assert.Equal(t, ModeMountSync, OpLTFSBackup.Mode())
	assert.Equal(t, ModeArchive, OpList.Mode())
	assert.Equal(t, "positioning", StatePositioning.String())
	assert.True(t, StateCancelled.Terminal())
}

package core

import (
	"fmt"
	"strconv"
	"strings"
)

// Magic numbers identifying each persistent file kind.
const (
	JournalMagic    uint32 = 0x4A524E4C // "JRNL"
	EntryLogMagic   uint32 = 0x454C4F47 // "ELOG"
	LedgerMetaMagic uint32 = 0x4C4D4554 // "LMET"
	LocationsMagic  uint32 = 0x4C4F4358 // "LOCX"
	CheckpointMagic uint32 = 0x54504B43
)

// File names.
const (
	CheckpointFileName    = "CHECKPOINT"
	LedgerMetaFileName    = "ledgers.meta"
	LocationsFileName     = "locations.idx"
	JournalSegmentSuffix  = ".jrn"
	EntryLogFileSuffix    = ".log"
	DirectoryLockFileName = "LOCK"
)

// FormatVersion is the current version for all persistent file formats.
const FormatVersion uint8 = 1

// ChecksumSize is the width of the CRC32 trailer on journal records.
const ChecksumSize = 4

// FormatTempFilename appends a temporary-file suffix to name.
func FormatTempFilename(name, suffix string) string {
	return name + "." + suffix
}

// FormatJournalSegmentName returns the file name of journal segment index.
func FormatJournalSegmentName(index uint64) string {
	return fmt.Sprintf("%08d%s", index, JournalSegmentSuffix)
}

// ParseJournalSegmentName is the inverse of FormatJournalSegmentName.
func ParseJournalSegmentName(name string) (uint64, error) {
	if !strings.HasSuffix(name, JournalSegmentSuffix) {
		return 0, fmt.Errorf("file %s is not a journal segment", name)
	}
	return strconv.ParseUint(strings.TrimSuffix(name, JournalSegmentSuffix), 10, 64)
}

// FormatEntryLogName returns the file name of entry log id.
func FormatEntryLogName(id uint64) string {
	return fmt.Sprintf("%016x%s", id, EntryLogFileSuffix)
}

// ParseEntryLogName is the inverse of FormatEntryLogName.
func ParseEntryLogName(name string) (uint64, error) {
	if !strings.HasSuffix(name, EntryLogFileSuffix) {
		return 0, fmt.Errorf("file %s is not an entry log", name)
	}
	return strconv.ParseUint(strings.TrimSuffix(name, EntryLogFileSuffix), 16, 64)
}

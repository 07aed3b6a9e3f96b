package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument reports a malformed argument such as a negative id.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNullArgument reports a missing entry or master key.
	ErrNullArgument = errors.New("null argument")
	// ErrCapacityExceeded reports an entry larger than the cache can ever hold.
	ErrCapacityExceeded = errors.New("entry exceeds cache capacity")
	// ErrLedgerFenced reports a normal write against a fenced ledger.
	ErrLedgerFenced = errors.New("ledger is fenced")
	ErrNoLedger     = errors.New("no such ledger")
	ErrNoEntry      = errors.New("no such entry")
	// ErrAccessDenied reports a master key that does not match the ledger's key.
	ErrAccessDenied = errors.New("access denied: master key mismatch")

	ErrBookieClosed     = errors.New("bookie is closed")
	ErrJournalClosed    = errors.New("journal is closed")
	ErrDiskFull         = errors.New("disk usage above threshold")
	ErrAllocationFailed = errors.New("buffer allocation failed")
	ErrCorrupted        = errors.New("data corrupted")
)

// CorruptionError describes a checksum or framing failure in a persisted file.
type CorruptionError struct {
	Path   string
	Offset int64
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupted file %s at offset %d: %s", e.Path, e.Offset, e.Reason)
}

func (e *CorruptionError) Unwrap() error {
	return ErrCorrupted
}

// IsCorruption reports whether err is, or wraps, a CorruptionError.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// ResultCode is the numeric outcome delivered to write callbacks. The values
// follow the bookie wire protocol.
type ResultCode int

const (
	EOK              ResultCode = 0
	ENoLedger        ResultCode = 1
	ENoEntry         ResultCode = 2
	EBadRequest      ResultCode = 100
	EIO              ResultCode = 101
	EUnauthorized    ResultCode = 102
	EFenced          ResultCode = 104
	EReadOnly        ResultCode = 105
	ETooManyRequests ResultCode = 106
)

func (c ResultCode) String() string {
	switch c {
	case EOK:
		return "EOK"
	case ENoLedger:
		return "ENOLEDGER"
	case ENoEntry:
		return "ENOENTRY"
	case EBadRequest:
		return "EBADREQ"
	case EIO:
		return "EIO"
	case EUnauthorized:
		return "EUA"
	case EFenced:
		return "EFENCED"
	case EReadOnly:
		return "EREADONLY"
	case ETooManyRequests:
		return "ETOOMANYREQUESTS"
	default:
		return fmt.Sprintf("ResultCode(%d)", int(c))
	}
}

// ResultCodeOf maps an error returned by the bookie to its protocol code.
func ResultCodeOf(err error) ResultCode {
	switch {
	case err == nil:
		return EOK
	case errors.Is(err, ErrNoLedger):
		return ENoLedger
	case errors.Is(err, ErrNoEntry):
		return ENoEntry
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrNullArgument), errors.Is(err, ErrCapacityExceeded):
		return EBadRequest
	case errors.Is(err, ErrAccessDenied):
		return EUnauthorized
	case errors.Is(err, ErrLedgerFenced):
		return EFenced
	case errors.Is(err, ErrDiskFull):
		return EReadOnly
	default:
		return EIO
	}
}

package state

import "errors"

var (
	// ErrEmptyBatch is returned for a commit event whose chunks contain no blocks.
	ErrEmptyBatch = errors.New("batch has no blocks")
	// ErrBatchNotFound is returned when a mutation targets a batch that has not been committed yet.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrBatchIncomplete is returned while a batch in a bundle range lacks its header or proof.
	ErrBatchIncomplete = errors.New("batch is missing header or proof")
	// ErrStaleFinalizeEvent is returned for a finalize event below the L1 finalization watermark.
	ErrStaleFinalizeEvent = errors.New("finalize event below last finalized batch index")
	// ErrBundleOutOfOrder is returned when bundle boundaries do not arrive in increasing order.
	ErrBundleOutOfOrder = errors.New("bundle boundary out of order")
	// ErrBundleMisaligned is returned when the L1 watermark does not sit on a known bundle boundary.
	ErrBundleMisaligned = errors.New("last finalized batch index does not match bundle queue")
	// ErrHeaderHashMismatch is returned when keccak256(header) differs from the batch hash.
	ErrHeaderHashMismatch = errors.New("batch header does not hash to batch hash")
)

// IsFatal reports whether err is a bundle ordering violation. These mean the
// chain reorganized or events were delivered out of order, and the in-memory
// state can no longer be trusted.
func IsFatal(err error) bool {
	return errors.Is(err, ErrBundleOutOfOrder) || errors.Is(err, ErrBundleMisaligned)
}

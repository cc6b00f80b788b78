package trip

import "context"

// FixSource is an asynchronous stream of position fixes, typically backed by
// the platform location API or a replay recording.
type FixSource interface {
	// Start begins delivery of fixes on the Fixes channel.
	Start() error
	// Stop suspends delivery. The source may be started again.
	Stop()
	// Fixes returns the delivery channel. The channel is closed only when
	// the source is destroyed by its owner.
	Fixes() <-chan PositionFix
}

// MotionSource is an asynchronous stream of activity-recognition samples.
type MotionSource interface {
	Start() error
	Stop()
	// Destroy releases the underlying platform listener. The source cannot
	// be restarted and the Samples channel is closed.
	Destroy()
	Samples() <-chan MotionSample
}

// Store is the durable queue holding fixes pending upload acknowledgment.
type Store interface {
	// Save persists a fix and returns its queue identifier.
	Save(fix PositionFix) (int64, error)
	// ListUnsent returns all queued fixes not yet acknowledged, in id order.
	ListUnsent() ([]QueuedFix, error)
	// DeleteByIDs removes exactly the given identifiers.
	DeleteByIDs(ids []int64) error
}

// Uploader delivers fixes to the backend. Any error, including a timeout,
// means the attempt failed as a whole and the fixes stay queued.
type Uploader interface {
	SendOne(ctx context.Context, fix PositionFix) error
	SendBatch(ctx context.Context, fixes []PositionFix) error
}

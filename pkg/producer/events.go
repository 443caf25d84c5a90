package producer

import "github.com/coldfile/coldfile"

// Event is a discrete notification about run or segment lifecycle. Events
// carry no control surface; observers are side-effect only and must not
// block for long, since they run on the migrating goroutines.
type Event interface {
	producerEvent()
}

// RunStarted fires once per run, before any segment work.
type RunStarted struct {
	Targets Targets
}

// SegmentStarted fires when a segment begins copying its target range.
type SegmentStarted struct {
	Segment coldfile.Segment
	Range   coldfile.BlockRange
}

// SegmentProgress fires periodically while a segment copies, carrying the
// last block fully appended.
type SegmentProgress struct {
	Segment coldfile.Segment
	Block   uint64
}

// SegmentCompleted fires when a segment finishes its whole target range.
type SegmentCompleted struct {
	Segment coldfile.Segment
	Range   coldfile.BlockRange
}

// SegmentFailed fires when a segment aborts; progress committed before
// the failure stays durable.
type SegmentFailed struct {
	Segment coldfile.Segment
	Err     error
}

// RunFinished fires once per run, after every segment settled.
type RunFinished struct {
	Result Result
}

func (RunStarted) producerEvent() {}

func (SegmentStarted) producerEvent() {}

func (SegmentProgress) producerEvent() {}

func (SegmentCompleted) producerEvent() {}

func (SegmentFailed) producerEvent() {}

func (RunFinished) producerEvent() {}

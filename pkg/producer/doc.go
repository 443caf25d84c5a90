// Package producer moves finalized chain data out of the mutable store
// into immutable cold files.
//
// Three segments migrate independently: headers (with total difficulty
// and canonical hash), transactions and receipts. Each one tracks its own
// durable high-water mark, so the segments never wait for each other and
// a failure in one leaves the others' progress intact.
//
// # Run lifecycle
//
// A producer handles one run at a time:
//
//	Idle ---> Running ---> Completed
//	             |
//	             +-------> Failed
//
// Both outcomes settle back to Idle; a second Run while one is in flight
// returns ErrAlreadyRunning instead of queueing.
//
// # Targets
//
// Targets are derived per segment from the store's highest committed
// block and the chain tip:
//
//	next      = highest(segment) + 1   (0 with no cold files yet)
//	finalized = tip - safety margin
//	target    = [next, finalized]      (only when next <= finalized)
//
// The safety margin defaults to one bucket width. Blocks the hot store
// could still rewrite during a reorg stay out of cold files entirely.
//
// # Flow
//
//  1. Caller invokes RunToTip, or Targets + Run
//  2. The run takes one snapshot of the source store
//  3. Segment workers fan out, one goroutine each
//  4. Headers walks its three tables zipped, verifying every block
//  5. Transactions and receipts resolve each block through body indices
//  6. Writers commit at block boundaries on the configured cadence
//  7. A segment hitting corruption aborts; the others keep going
//  8. Result reports each segment's committed range or first error
//
// Every append is re-checked against the cold file's own header, so a run
// resumed after a crash continues exactly where the durable state says,
// never re-appending a committed row.
package producer

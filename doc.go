// Package runqueue runs tasks on named, single-worker runners.
//
// Each Runner owns a goroutine and a growable FIFO queue. Tasks posted to a
// runner execute one at a time in the order they were posted, so state owned
// by a runner needs no locks. Runners are created through a Registry, which
// tracks them, supplies a lazily created default runner, and reports when
// every runner has drained.
//
// # Quick Start
//
//	reg := runqueue.NewRegistry()
//	defer reg.Close()
//
//	game := reg.NewRunner("game")
//	game.Enqueue(func(ctx context.Context) {
//		// runs on game's worker goroutine
//	})
//
//	// Block until a value computed on game is ready
//	score, err := runqueue.Now(ctx, game, func(ctx context.Context) (int, error) {
//		return state.score, nil
//	})
//
//	reg.ShutdownAll()
//	reg.Wait(ctx)
//
// # Key Concepts
//
// Runner: a serialized executor. Enqueue never blocks; Now blocks the caller
// until the task has run and returns its result. OrderlyShutdown lets queued
// tasks finish and rejects new ones.
//
// SlowServiceRunner: a bounded pool for blocking work. Results are delivered
// back on a chosen Runner, never on a pool goroutine.
//
// SubRunner: a private Runner whose results are delivered to the Runner that
// created it.
//
// The core package holds the implementation; this package re-exports the
// types most programs need.
package runqueue

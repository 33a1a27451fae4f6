// Package storage is the durable source of truth for the bot.
//
// It holds four families of state:
//   - tweet_queue: submitted work items awaiting capture (priority queue)
//   - posts_line: approved posts awaiting a publish slot
//   - published: terminal archive of posted items
//   - states/errors/feedback: chat session state and audit records
//
// All cross-worker coordination happens through conditional UPDATEs here;
// no in-process locking establishes ownership of an item.
package storage

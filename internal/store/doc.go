// Package store provides durable key/value persistence for parley.
//
// # Architecture
//
// Storage is split in two layers:
//
//   - Store: an opaque key/value interface (Get, Set, Remove, List, Close)
//   - Adapter: typed JSON access to conversations, messages, the active
//     conversation pointer, the current user and the language preference
//
// Backends implementing Store:
//
//   - SQLiteStore: single "kv" table in a local SQLite file (default)
//   - BoltStore: single "kv" bucket in a local bbolt file
//   - MongoStore: one document per key in a MongoDB collection
//   - MemoryStore: process-local map for tests and throwaway sessions
//
// # Keys
//
// Keys are built from Key{Namespace, UserID, Kind, ID} and render to the
// same flat strings the browser front end used:
//
//	7_conversations
//	7_messages_<conversationId>
//	7_activeConversation
//	user
//	chatHistory
//	preferredLanguage
//
// A non-empty namespace is prepended as "<namespace>:" so several profiles
// can share one backend.
//
// # Error Handling
//
// Get returns ErrNotFound for missing keys. The Adapter maps missing
// conversation and message lists to empty slices. Remove of a missing key
// is not an error.
//
// # Testing
//
// Use NewMemoryStore() for unit tests and NewSQLiteStore(":memory:") for
// integration tests with real SQLite.
package store

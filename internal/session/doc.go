// Package session holds the conversation state of the signed-in user.
//
// A Manager keeps the conversation list, a per-conversation message cache
// and at most one outstanding backend request. Every mutation is written
// through to Storage in the same step, so the cache and the store never
// disagree once a call returns.
//
// Sending or regenerating cancels whichever request is already in flight,
// in any conversation. A cancelled request appends nothing; a failed one
// appends an error message to the conversation it was started from, even
// when the user has since switched away.
//
// Observers subscribe to Change notifications by topic:
//
//	changes, _ := mgr.Subscribe(ctx, session.TopicReply)
//	for c := range changes {
//		fmt.Println("reply in", c.ConversationID, c.Result.Outcome)
//	}
package session

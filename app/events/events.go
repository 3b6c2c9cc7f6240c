// Package events wires the transport to the moderation pipeline. It listens for
// inbound messages, runs each through the pipeline and applies the resulting side
// effects: deletions, bans across the involved rooms, and rejection notices. It also
// hosts the periodic scheduler driving cache cleanups and night mode transitions.
package events

import (
	"context"

	"tg-guard/app/bot"
)

// Transport delivers inbound messages and executes moderation side effects.
// Implementations must return bot.ErrNoPrivilege when the bot lacks admin rights,
// the listener treats it as a logged, non-fatal failure.
type Transport interface {
	bot.RoomControl
	Updates(ctx context.Context) <-chan bot.Message
	BanUser(ctx context.Context, roomID, userID int64) error
	UnbanUser(ctx context.Context, roomID, userID int64) error
}

// Moderator evaluates one message and produces a decision. Implemented by bot.Pipeline.
type Moderator interface {
	OnMessage(ctx context.Context, msg bot.Message) bot.Decision
}

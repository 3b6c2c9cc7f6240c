package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"tg-guard/app/bot"
	"tg-guard/app/storage"
)

// Listener consumes transport updates, forwards each message to the moderator
// and applies the decision's side effects. Not thread safe, run a single Do loop.
type Listener struct {
	Transport    Transport
	Moderator    Moderator
	DecisionLog  io.Writer     // optional json-lines audit log
	RejectNotice string        // optional text posted to the room on rejection
	NoticeTTL    time.Duration // how long a rejection notice stays before auto-delete
	Dry          bool          // evaluate and log but skip all side effects

	wg sync.WaitGroup
}

// decisionLogEntry is one json line in the audit log
type decisionLogEntry struct {
	Time     time.Time `json:"time"`
	RoomID   int64     `json:"room_id"`
	UserID   int64     `json:"user_id"`
	UserName string    `json:"user_name,omitempty"`
	MsgID    int       `json:"msg_id"`
	Text     string    `json:"text"`
	Approved bool      `json:"approved"`
	Reason   string    `json:"reason,omitempty"`
	Banned   bool      `json:"banned,omitempty"`
}

// Do processes updates until the context is canceled or the updates channel closes.
// Blocking call.
func (l *Listener) Do(ctx context.Context) error {
	log.Printf("[INFO] start listener, dry=%v", l.Dry)
	if l.NoticeTTL == 0 {
		l.NoticeTTL = 5 * time.Minute
	}

	updates := l.Transport.Updates(ctx)
	defer l.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-updates:
			if !ok {
				return fmt.Errorf("updates channel closed")
			}
			decision := l.Moderator.OnMessage(ctx, msg)
			l.logDecision(msg, decision)
			if l.Dry {
				continue
			}
			if err := l.applyDecision(ctx, msg, decision); err != nil {
				log.Printf("[WARN] decision partially applied for message %d in room %d: %v", msg.MsgID, msg.RoomID, err)
			}
		}
	}
}

// applyDecision executes the side effects for a single decision. Failures are
// aggregated per effect, a failed step never prevents the remaining ones.
func (l *Listener) applyDecision(ctx context.Context, msg bot.Message, decision bot.Decision) error {
	if decision.Approved {
		return nil
	}

	var result *multierror.Error

	if decision.DeleteRequested {
		if err := l.Transport.DeleteMessage(ctx, msg.RoomID, msg.MsgID); err != nil {
			result = multierror.Append(result, fmt.Errorf("delete %d in room %d: %w", msg.MsgID, msg.RoomID, err))
		}
	}

	for _, ref := range decision.DeleteAlso {
		if err := l.Transport.DeleteMessage(ctx, ref.RoomID, ref.MsgID); err != nil {
			result = multierror.Append(result, fmt.Errorf("delete cached %d in room %d: %w", ref.MsgID, ref.RoomID, err))
		}
	}

	if decision.BanTriggered {
		rooms := decision.SpamRooms
		if len(rooms) == 0 {
			rooms = []int64{msg.RoomID}
		}
		for _, room := range rooms {
			if err := l.Transport.BanUser(ctx, room, msg.UserID); err != nil {
				result = multierror.Append(result, fmt.Errorf("ban %d in room %d: %w", msg.UserID, room, err))
			}
		}
	}

	// the same generic notice regardless of the internal reason
	if l.RejectNotice != "" && decision.DeleteRequested {
		l.postNotice(ctx, msg.RoomID)
	}

	return result.ErrorOrNil()
}

// postNotice sends the rejection notice and schedules its removal
func (l *Listener) postNotice(ctx context.Context, roomID int64) {
	noticeID, err := l.Transport.SendMessage(ctx, roomID, l.RejectNotice)
	if err != nil {
		log.Printf("[WARN] can't post rejection notice in room %d: %v", roomID, err)
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		select {
		case <-ctx.Done():
		case <-time.After(l.NoticeTTL):
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := l.Transport.DeleteMessage(cleanupCtx, roomID, noticeID); err != nil {
				log.Printf("[WARN] can't delete rejection notice %d in room %d: %v", noticeID, roomID, err)
			}
		}
	}()
}

func (l *Listener) logDecision(msg bot.Message, decision bot.Decision) {
	if l.DecisionLog == nil {
		return
	}
	entry := decisionLogEntry{
		Time:     time.Now(),
		RoomID:   msg.RoomID,
		UserID:   msg.UserID,
		UserName: msg.UserName,
		MsgID:    msg.MsgID,
		Text:     msg.Text,
		Approved: decision.Approved,
		Reason:   decision.Reason,
		Banned:   decision.BanTriggered,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[WARN] can't marshal decision log entry: %v", err)
		return
	}
	if _, err := l.DecisionLog.Write(append(line, '\n')); err != nil {
		log.Printf("[WARN] can't write decision log: %v", err)
	}
}

// RecordKeeper adapts the records store to the pipeline's RecordWriter.
type RecordKeeper struct {
	Records *storage.Records
}

// AddRecord persists the message and its moderation outcome.
func (r RecordKeeper) AddRecord(ctx context.Context, msg bot.Message, decision bot.Decision) error {
	return r.Records.Add(ctx, storage.Record{
		RoomID:    msg.RoomID,
		UserID:    msg.UserID,
		UserName:  msg.UserName,
		MsgID:     msg.MsgID,
		Text:      msg.Text,
		Approved:  decision.Approved,
		Question:  decision.IsQuestion,
		Reason:    decision.Reason,
		Timestamp: msg.Sent,
	})
}

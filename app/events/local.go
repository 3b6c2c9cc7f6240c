package events

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"tg-guard/app/bot"
)

// LocalTransport reads json-encoded messages, one per line, from a reader and logs
// all side effects instead of calling a real chat service. Used for dry runs and
// piping captured traffic through the pipeline.
type LocalTransport struct {
	reader io.Reader

	perms  map[int64]bot.Permissions
	nextID atomic.Int64
	mu     sync.Mutex
}

// localUpdate is the wire format of one inbound line
type localUpdate struct {
	RoomID   int64  `json:"room_id"`
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
	MsgID    int    `json:"msg_id"`
	Text     string `json:"text"`
	Edit     bool   `json:"edit"`
}

// NewLocalTransport makes a transport reading messages from r, typically stdin.
func NewLocalTransport(r io.Reader) *LocalTransport {
	res := &LocalTransport{reader: r, perms: make(map[int64]bot.Permissions)}
	res.nextID.Store(1000)
	return res
}

// Updates parses the input line by line and delivers messages until EOF or
// context cancellation. The returned channel is closed when the input ends.
func (t *LocalTransport) Updates(ctx context.Context) <-chan bot.Message {
	ch := make(chan bot.Message, 100)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(t.reader)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var upd localUpdate
			if err := json.Unmarshal(line, &upd); err != nil {
				log.Printf("[WARN] can't parse update line: %v", err)
				continue
			}
			msg := bot.Message{RoomID: upd.RoomID, UserID: upd.UserID, UserName: upd.UserName,
				MsgID: upd.MsgID, Text: upd.Text, Sent: time.Now(), IsEdit: upd.Edit}
			select {
			case ch <- msg:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Printf("[WARN] update stream failed: %v", err)
		}
	}()
	return ch
}

// SendMessage logs the outgoing message and returns a synthetic id.
func (t *LocalTransport) SendMessage(_ context.Context, roomID int64, text string) (int, error) {
	id := int(t.nextID.Add(1))
	log.Printf("[INFO] send to room %d: %q (id %d)", roomID, text, id)
	return id, nil
}

// DeleteMessage logs the deletion.
func (t *LocalTransport) DeleteMessage(_ context.Context, roomID int64, msgID int) error {
	log.Printf("[INFO] delete message %d in room %d", msgID, roomID)
	return nil
}

// BanUser logs the ban.
func (t *LocalTransport) BanUser(_ context.Context, roomID, userID int64) error {
	log.Printf("[INFO] ban user %d in room %d", userID, roomID)
	return nil
}

// UnbanUser logs the unban.
func (t *LocalTransport) UnbanUser(_ context.Context, roomID, userID int64) error {
	log.Printf("[INFO] unban user %d in room %d", userID, roomID)
	return nil
}

// SetRoomPermissions stores the permission set in memory.
func (t *LocalTransport) SetRoomPermissions(_ context.Context, roomID int64, perm bot.Permissions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.perms[roomID] = perm
	log.Printf("[INFO] room %d permissions set to %+v", roomID, perm)
	return nil
}

// GetRoomPermissions returns the stored permission set, permissive if never set.
func (t *LocalTransport) GetRoomPermissions(_ context.Context, roomID int64) (bot.Permissions, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if perm, ok := t.perms[roomID]; ok {
		return perm, nil
	}
	return bot.PermissivePermissions(), nil
}

package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-pkgz/repeater"
	"github.com/hashicorp/go-multierror"
)

// NightModeConfig is a set of parameters for NightMode.
type NightModeConfig struct {
	Rooms  []int64       // rooms to restrict
	Start  string        // "HH:MM" wall-clock start, may be after End to span midnight
	End    string        // "HH:MM" wall-clock end
	Grace  time.Duration // tolerance window after activation
	Notice string        // message posted to a room on activation
}

// NightMode restricts and unrestricts posting in designated rooms on a wall-clock
// schedule. Activation snapshots the room's permissions for later restore and arms a
// grace window during which messages are still tolerated, covering propagation delay
// across rooms. Thread-safe.
type NightMode struct {
	NightModeConfig
	transport RoomControl

	states          map[int64]*roomNightState
	transitioningOn bool
	graceUntil      time.Time
	mu              sync.Mutex
}

type roomNightState struct {
	restricted bool
	saved      *Permissions // nil means no snapshot, restore falls back to permissive defaults
	noticeID   int
	graceUntil time.Time
}

// NewNightMode creates a NightMode controller.
func NewNightMode(cfg NightModeConfig, transport RoomControl) *NightMode {
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Minute
	}
	if cfg.Notice == "" {
		cfg.Notice = "quiet hours are in effect, posting is temporarily restricted"
	}
	return &NightMode{NightModeConfig: cfg, transport: transport, states: make(map[int64]*roomNightState)}
}

// ActivateAll restricts all configured rooms and arms the global grace window.
// Per-room transport failures are aggregated and do not abort the remaining rooms.
func (n *NightMode) ActivateAll(ctx context.Context) error {
	grace := time.Now().Add(n.Grace)
	n.mu.Lock()
	n.transitioningOn = true
	n.graceUntil = grace
	n.mu.Unlock()

	var result *multierror.Error
	for _, room := range n.Rooms {
		if err := n.Activate(ctx, room); err != nil {
			result = multierror.Append(result, fmt.Errorf("room %d: %w", room, err))
		}
	}
	log.Printf("[INFO] night mode activated for %d rooms, grace until %s", len(n.Rooms), grace.Format(time.Kitchen))
	return result.ErrorOrNil()
}

// DeactivateAll restores all restricted rooms and clears the global transition flag.
func (n *NightMode) DeactivateAll(ctx context.Context) error {
	var result *multierror.Error
	for _, room := range n.Rooms {
		if err := n.Deactivate(ctx, room); err != nil {
			result = multierror.Append(result, fmt.Errorf("room %d: %w", room, err))
		}
	}

	n.mu.Lock()
	n.transitioningOn = false
	n.graceUntil = time.Time{}
	n.mu.Unlock()

	log.Printf("[INFO] night mode deactivated")
	return result.ErrorOrNil()
}

// Activate restricts a single room: snapshot permissions best-effort, apply restrictive
// ones, post the notice and arm a local grace window.
func (n *NightMode) Activate(ctx context.Context, roomID int64) error {
	n.mu.Lock()
	st, ok := n.states[roomID]
	if !ok {
		st = &roomNightState{}
		n.states[roomID] = st
	}
	if st.restricted {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	var saved *Permissions
	if perm, err := n.transport.GetRoomPermissions(ctx, roomID); err == nil {
		saved = &perm
	} else {
		log.Printf("[WARN] can't snapshot permissions for room %d: %v", roomID, err)
	}

	if err := n.transport.SetRoomPermissions(ctx, roomID, RestrictivePermissions()); err != nil {
		if errors.Is(err, ErrNoPrivilege) {
			log.Printf("[WARN] no privilege to restrict room %d", roomID)
			return err
		}
		return fmt.Errorf("can't restrict room %d: %w", roomID, err)
	}

	noticeID := n.postNotice(ctx, roomID)

	n.mu.Lock()
	st.restricted = true
	st.saved = saved
	st.noticeID = noticeID
	st.graceUntil = time.Now().Add(n.Grace)
	n.mu.Unlock()

	log.Printf("[INFO] room %d restricted", roomID)
	return nil
}

// Deactivate restores a single room: snapshotted permissions if present, hardcoded
// permissive defaults otherwise, and deletes the notice message if still around.
func (n *NightMode) Deactivate(ctx context.Context, roomID int64) error {
	n.mu.Lock()
	st, ok := n.states[roomID]
	if !ok || !st.restricted {
		n.mu.Unlock()
		return nil
	}
	saved, noticeID := st.saved, st.noticeID
	n.mu.Unlock()

	perm := PermissivePermissions()
	if saved != nil {
		perm = *saved
	}
	if err := n.transport.SetRoomPermissions(ctx, roomID, perm); err != nil {
		if errors.Is(err, ErrNoPrivilege) {
			log.Printf("[WARN] no privilege to unrestrict room %d", roomID)
			return err
		}
		return fmt.Errorf("can't unrestrict room %d: %w", roomID, err)
	}

	if noticeID != 0 {
		if err := n.transport.DeleteMessage(ctx, roomID, noticeID); err != nil {
			log.Printf("[WARN] can't delete night mode notice in room %d: %v", roomID, err)
		}
	}

	n.mu.Lock()
	st.restricted = false
	st.saved = nil
	st.noticeID = 0
	st.graceUntil = time.Time{}
	n.mu.Unlock()

	log.Printf("[INFO] room %d unrestricted", roomID)
	return nil
}

// Restricted reports if a message arriving in the room at the given time should be
// rejected. Grace windows, global and per-room, tolerate the message.
func (n *NightMode) Restricted(roomID int64, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	st, ok := n.states[roomID]
	if !ok || !st.restricted {
		return false
	}
	if n.transitioningOn && now.Before(n.graceUntil) {
		return false
	}
	if now.Before(st.graceUntil) {
		return false
	}
	return true
}

// Active reports if any configured room is currently restricted.
func (n *NightMode) Active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, st := range n.states {
		if st.restricted {
			return true
		}
	}
	return false
}

// ShouldBeActive reports if the wall clock falls into the configured quiet hours.
// The interval may span midnight, i.e. start 23:00 end 07:00.
func (n *NightMode) ShouldBeActive(now time.Time) bool {
	start, err := parseClock(n.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(n.End)
	if err != nil {
		return false
	}

	minutes := now.Hour()*60 + now.Minute()
	if start <= end {
		return minutes >= start && minutes < end
	}
	return minutes >= start || minutes < end
}

// Reconcile applies whatever state the wall clock dictates, used on startup so a
// restart during quiet hours does not leave rooms unrestricted.
func (n *NightMode) Reconcile(ctx context.Context, now time.Time) error {
	if n.Start == "" || n.End == "" {
		return nil
	}
	if n.ShouldBeActive(now) && !n.Active() {
		log.Printf("[INFO] night mode reconcile: should be active, activating")
		return n.ActivateAll(ctx)
	}
	if !n.ShouldBeActive(now) && n.Active() {
		log.Printf("[INFO] night mode reconcile: should be inactive, deactivating")
		return n.DeactivateAll(ctx)
	}
	return nil
}

// postNotice sends the notice with a few retries, returns 0 if it never made it
func (n *NightMode) postNotice(ctx context.Context, roomID int64) int {
	var noticeID int
	err := repeater.NewDefault(3, time.Second).Do(ctx, func() error {
		id, err := n.transport.SendMessage(ctx, roomID, n.Notice)
		if err != nil {
			return err
		}
		noticeID = id
		return nil
	})
	if err != nil {
		log.Printf("[WARN] can't post night mode notice in room %d: %v", roomID, err)
		return 0
	}
	return noticeID
}

// parseClock converts "HH:MM" to minutes since midnight
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("can't parse clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

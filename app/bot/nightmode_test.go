package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRoomControl struct {
	perms    map[int64]Permissions
	permsErr error
	setErr   map[int64]error
	sent     []struct {
		roomID int64
		text   string
	}
	deleted []MsgRef
	nextID  int
	mu      sync.Mutex
}

func newFakeRoomControl() *fakeRoomControl {
	return &fakeRoomControl{perms: map[int64]Permissions{}, setErr: map[int64]error{}, nextID: 100}
}

func (f *fakeRoomControl) SendMessage(_ context.Context, roomID int64, text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, struct {
		roomID int64
		text   string
	}{roomID, text})
	return f.nextID, nil
}

func (f *fakeRoomControl) DeleteMessage(_ context.Context, roomID int64, msgID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, MsgRef{RoomID: roomID, MsgID: msgID})
	return nil
}

func (f *fakeRoomControl) SetRoomPermissions(_ context.Context, roomID int64, perm Permissions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.setErr[roomID]; err != nil {
		return err
	}
	f.perms[roomID] = perm
	return nil
}

func (f *fakeRoomControl) GetRoomPermissions(_ context.Context, roomID int64) (Permissions, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.permsErr != nil {
		return Permissions{}, f.permsErr
	}
	return f.perms[roomID], nil
}

func TestNightMode_ActivateDeactivateAll(t *testing.T) {
	transport := newFakeRoomControl()
	transport.perms[1] = PermissivePermissions()
	transport.perms[2] = Permissions{CanSendMessages: true}

	n := NewNightMode(NightModeConfig{Rooms: []int64{1, 2}, Grace: time.Minute, Notice: "quiet hours"}, transport)

	require.NoError(t, n.ActivateAll(context.Background()))
	assert.True(t, n.Active())
	assert.Equal(t, RestrictivePermissions(), transport.perms[1])
	assert.Equal(t, RestrictivePermissions(), transport.perms[2])
	require.Len(t, transport.sent, 2, "a notice per room")
	assert.Equal(t, "quiet hours", transport.sent[0].text)

	require.NoError(t, n.DeactivateAll(context.Background()))
	assert.False(t, n.Active())
	assert.Equal(t, PermissivePermissions(), transport.perms[1], "snapshot restored")
	assert.Equal(t, Permissions{CanSendMessages: true}, transport.perms[2], "snapshot restored")
	assert.Len(t, transport.deleted, 2, "notices removed")
}

func TestNightMode_GracePeriod(t *testing.T) {
	transport := newFakeRoomControl()
	n := NewNightMode(NightModeConfig{Rooms: []int64{1}, Grace: time.Minute}, transport)

	require.NoError(t, n.ActivateAll(context.Background()))

	now := time.Now()
	assert.False(t, n.Restricted(1, now), "within grace, tolerated")
	assert.True(t, n.Restricted(1, now.Add(2*time.Minute)), "past grace, rejected")
	assert.False(t, n.Restricted(99, now.Add(2*time.Minute)), "unconfigured room never restricted")

	require.NoError(t, n.DeactivateAll(context.Background()))
	assert.False(t, n.Restricted(1, now.Add(2*time.Minute)))
}

func TestNightMode_SingleRoom(t *testing.T) {
	transport := newFakeRoomControl()
	n := NewNightMode(NightModeConfig{Rooms: []int64{1, 2}, Grace: time.Minute}, transport)

	require.NoError(t, n.Activate(context.Background(), 1))
	now := time.Now()
	assert.True(t, n.Restricted(1, now.Add(2*time.Minute)))
	assert.False(t, n.Restricted(2, now.Add(2*time.Minute)), "other room untouched")

	require.NoError(t, n.Activate(context.Background(), 1), "repeat activation is a no-op")
	assert.Len(t, transport.sent, 1)

	require.NoError(t, n.Deactivate(context.Background(), 1))
	assert.False(t, n.Restricted(1, now.Add(2*time.Minute)))
	require.NoError(t, n.Deactivate(context.Background(), 1), "repeat deactivation is a no-op")
}

func TestNightMode_NoSnapshotFallsBackToPermissive(t *testing.T) {
	transport := newFakeRoomControl()
	transport.permsErr = assert.AnError

	n := NewNightMode(NightModeConfig{Rooms: []int64{1}, Grace: time.Minute}, transport)
	require.NoError(t, n.Activate(context.Background(), 1))

	transport.mu.Lock()
	transport.permsErr = nil
	transport.mu.Unlock()

	require.NoError(t, n.Deactivate(context.Background(), 1))
	assert.Equal(t, PermissivePermissions(), transport.perms[1])
}

func TestNightMode_PartialFailure(t *testing.T) {
	transport := newFakeRoomControl()
	transport.setErr[1] = ErrNoPrivilege

	n := NewNightMode(NightModeConfig{Rooms: []int64{1, 2}, Grace: time.Minute}, transport)
	err := n.ActivateAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "room 1")

	now := time.Now().Add(2 * time.Minute)
	assert.False(t, n.Restricted(1, now), "failed room stays unrestricted")
	assert.True(t, n.Restricted(2, now), "other room restricted despite the failure")
}

func TestNightMode_ShouldBeActive(t *testing.T) {
	day := func(h, m int) time.Time { return time.Date(2024, 6, 1, h, m, 0, 0, time.UTC) }

	tbl := []struct {
		name   string
		start  string
		end    string
		now    time.Time
		active bool
	}{
		{"inside same-day window", "21:00", "23:00", day(22, 0), true},
		{"before same-day window", "21:00", "23:00", day(20, 59), false},
		{"at end of same-day window", "21:00", "23:00", day(23, 0), false},
		{"overnight, late evening", "23:00", "07:00", day(23, 30), true},
		{"overnight, early morning", "23:00", "07:00", day(6, 59), true},
		{"overnight, daytime", "23:00", "07:00", day(12, 0), false},
		{"overnight, at end", "23:00", "07:00", day(7, 0), false},
		{"bad start", "25:99", "07:00", day(0, 0), false},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNightMode(NightModeConfig{Start: tt.start, End: tt.end}, newFakeRoomControl())
			assert.Equal(t, tt.active, n.ShouldBeActive(tt.now))
		})
	}
}

func TestNightMode_Reconcile(t *testing.T) {
	transport := newFakeRoomControl()
	n := NewNightMode(NightModeConfig{Rooms: []int64{1}, Start: "23:00", End: "07:00", Grace: time.Minute}, transport)

	quiet := time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC)
	require.NoError(t, n.Reconcile(context.Background(), quiet))
	assert.True(t, n.Active(), "restart during quiet hours restores restriction")

	daytime := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, n.Reconcile(context.Background(), daytime))
	assert.False(t, n.Active())

	noSchedule := NewNightMode(NightModeConfig{Rooms: []int64{1}}, transport)
	require.NoError(t, noSchedule.Reconcile(context.Background(), quiet))
	assert.False(t, noSchedule.Active(), "no schedule, nothing to reconcile")
}

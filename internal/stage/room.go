package stage

import (
	"context"

	"github.com/pulsarengine/stage1/internal/bridge"
)

// RoomType is the kind of online room the host is entering.
type RoomType int32

const (
	RoomNone RoomType = iota
	RoomVSWW
	RoomVSRegional
	RoomBTWW
	RoomBTRegional
	RoomFroomHost
	RoomFroomNonHost
	RoomJoiningWW
	RoomJoiningRegional
	RoomJoiningBTWW
	RoomJoiningBTRegional
)

// Worldwide reports whether the room matches players worldwide.
func (r RoomType) Worldwide() bool {
	switch r {
	case RoomVSWW, RoomBTWW, RoomJoiningWW, RoomJoiningBTWW:
		return true
	}
	return false
}

// SetAggressivePacketChecks tells the payload which packet checks to use
// for room. Worldwide rooms restore the payload default, other rooms turn
// the checks off. It does nothing and returns ErrNotReady without a
// resident payload.
func (l *Loader) SetAggressivePacketChecks(ctx context.Context, room RoomType) (int32, error) {
	value := bridge.False
	if room.Worldwide() {
		value = bridge.Reset
	}
	return l.Exec(ctx, bridge.SetValue{Key: bridge.KeyEnableAggressivePacketChecks, Value: value})
}

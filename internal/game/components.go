package game

import "github.com/yohamta/donburi"

// PositionData is an entity position in millimetres.
type PositionData struct {
	X, Y int64
}

// VelocityData is an entity velocity in millimetres per second.
type VelocityData struct {
	X, Y int64
}

// OwnerData identifies the player that controls an entity.
type OwnerData struct {
	Player uint8
}

var (
	Position = donburi.NewComponentType[PositionData]()
	Velocity = donburi.NewComponentType[VelocityData]()
	Owner    = donburi.NewComponentType[OwnerData]()
)

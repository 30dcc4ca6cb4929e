package roomsvc

import (
	"github.com/dkeye/Seance/internal/core"
	"github.com/dkeye/Seance/internal/domain"
)

// Directory answers ownership and capacity questions from room facts that
// are static for the session's lifetime.
type Directory struct {
	room domain.Room
}

func NewDirectory(room domain.Room) *Directory {
	return &Directory{room: room}
}

var _ core.Directory = (*Directory)(nil)

func (d *Directory) IsSessionOwner(id domain.UserID) bool {
	return id != "" && id == d.room.CreatorID
}

func (d *Directory) RoomCapacity() int { return d.room.Capacity }

package repo

import (
	"context"

	"github.com/seta-lab/seta/internal/biz/domain"
)

// TurnCache is the TTL-bounded recent-turn buffer per room.
type TurnCache interface {
	// Append adds a completed turn and trims the room to the window.
	Append(ctx context.Context, turn domain.Turn) error
	// Recent returns up to n most recent turns, oldest first. A miss
	// returns an empty slice and no error.
	Recent(ctx context.Context, roomID string, n int) ([]domain.Turn, error)
}

package models

import "time"

type GameStatus string

const (
	GameStatusSetup      GameStatus = "setup"
	GameStatusInProgress GameStatus = "in_progress"
	GameStatusFinished   GameStatus = "finished"
	GameStatusAbandoned  GameStatus = "abandoned"
)

// Session is one created game pairing. Immutable after creation; exactly
// two SessionParticipant rows reference it.
type Session struct {
	ID          string     `db:"id" json:"id"`
	Status      GameStatus `db:"status" json:"status"`
	CurrentTurn string     `db:"current_turn" json:"currentTurn"`
	CreatedBy   string     `db:"created_by" json:"createdBy"`
	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
}

// SessionParticipant is one player's seat in a session. Seat numbers are 1
// and 2 in creation order.
type SessionParticipant struct {
	ID         string     `db:"id" json:"id"`
	SessionID  string     `db:"game_id" json:"gameId"`
	PlayerID   string     `db:"player_id" json:"playerId"`
	SeatNumber int        `db:"player_number" json:"playerNumber"`
	Board      BoardState `db:"board" json:"board"`
	Ready      bool       `db:"ready" json:"ready"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
}

// BoardState is owned by gameplay downstream; matchmaking only writes the
// empty placeholder.
type BoardState struct {
	Ships []Ship `json:"ships"`
}

type Ship struct {
	Type        string       `json:"type"`
	Size        int          `json:"size"`
	Cells       []Coordinate `json:"cells"`
	Orientation string       `json:"orientation"`
	Sunk        bool         `json:"sunk"`
}

type Coordinate struct {
	X int `json:"x"`
	Y int `json:"y"`
}

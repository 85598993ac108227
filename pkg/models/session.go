package models

import "time"

// Session identifies one conversation tree and its persistence location.
// LeafID points at the current branch head; empty means an empty session.
type Session struct {
	ID        string    `json:"id"`
	File      string    `json:"file,omitempty"`
	Cwd       string    `json:"cwd"`
	LeafID    string    `json:"leaf_id,omitempty"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

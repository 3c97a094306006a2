package models

import "time"

// User is a chat account. PasswordHash never leaves the server.
type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	FullName     string    `db:"full_name" json:"full_name"`
	Bio          string    `db:"bio" json:"bio,omitempty"`
	ProfilePic   string    `db:"profile_pic" json:"profile_pic,omitempty"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

package store

import "time"

type User struct {
	ID           string
	Name         *string
	Email        string
	Role         string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DisplayName is the name when set, otherwise the email.
func (u User) DisplayName() string {
	if u.Name != nil && *u.Name != "" {
		return *u.Name
	}
	return u.Email
}

type Task struct {
	ID          string
	Title       string
	Description string
	Done        bool
	OwnerID     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskWithOwner is a task joined with the owning user.
type TaskWithOwner struct {
	Task
	Owner User
}

type TaskFilter struct {
	OwnerID string
	Title   string
}

// UserPatch carries optional user changes; nil fields are left untouched.
type UserPatch struct {
	Name  *string
	Email *string
	Role  *string
}

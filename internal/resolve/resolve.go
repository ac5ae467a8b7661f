// Package resolve turns loose user and task references (ids, emails, names,
// titles) into concrete records. Authorization is not decided here; callers
// check the resolved subject with rbac afterwards.
package resolve

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"todoo/api/internal/rbac"
	"todoo/api/internal/store"
)

const (
	MsgUserNotFound      = "Usuário não encontrado"
	MsgUserNameAmbiguous = "Nome de usuário não é único; especifique por email ou id"
	MsgTaskNotFound      = "Tarefa não encontrada"
	MsgTaskRefMissing    = "Informe o id da tarefa ou o nome (taskName) para localizar"
	MsgTaskAmbiguous     = "Nome de tarefa não é único; especifique o id"
	MsgTaskAmbiguousAll  = "Nome de tarefa não é único; especifique o usuário (id/email/nome) ou o id da tarefa"
	MsgTaskAmbiguousOwn  = "Nome de tarefa não é único para este usuário; especifique o id"
)

type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindAmbiguous    Kind = "ambiguous"
	KindInvalidInput Kind = "invalid_input"
)

// Error is a resolution failure the caller can act on. Store failures are
// returned as ordinary wrapped errors instead.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func resolveError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// As extracts a resolution error from err.
func As(err error) (*Error, bool) {
	var resolveErr *Error
	if errors.As(err, &resolveErr) {
		return resolveErr, true
	}
	return nil, false
}

type UserStore interface {
	GetUserByID(ctx context.Context, id string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	FindUsersByName(ctx context.Context, name string) ([]store.User, error)
}

type TaskStore interface {
	GetTask(ctx context.Context, id string) (store.Task, error)
	FindTasksByTitle(ctx context.Context, title, ownerID string) ([]store.Task, error)
}

type Store interface {
	UserStore
	TaskStore
}

type Resolver struct {
	store Store
}

func New(s Store) *Resolver {
	return &Resolver{store: s}
}

// UserHints identify a user. The first non-blank field in id, email, name
// order is used; the rest are ignored.
type UserHints struct {
	ID    string
	Email string
	Name  string
}

func (h UserHints) normalized() UserHints {
	return UserHints{
		ID:    strings.TrimSpace(h.ID),
		Email: strings.TrimSpace(h.Email),
		Name:  strings.TrimSpace(h.Name),
	}
}

func (h UserHints) Empty() bool {
	n := h.normalized()
	return n.ID == "" && n.Email == "" && n.Name == ""
}

// User resolves hints to a user id. Non-admin actors always resolve to
// themselves, whatever the hints say. With no hints the actor is returned.
func (r *Resolver) User(ctx context.Context, actor rbac.Actor, hints UserHints) (string, error) {
	if !actor.IsAdmin() {
		return actor.ID, nil
	}
	hints = hints.normalized()

	switch {
	case hints.ID != "":
		user, err := r.store.GetUserByID(ctx, hints.ID)
		if err != nil {
			return "", lookupError(err, MsgUserNotFound, "lookup user by id")
		}
		return user.ID, nil
	case hints.Email != "":
		user, err := r.store.GetUserByEmail(ctx, hints.Email)
		if err != nil {
			return "", lookupError(err, MsgUserNotFound, "lookup user by email")
		}
		return user.ID, nil
	case hints.Name != "":
		matches, err := r.store.FindUsersByName(ctx, hints.Name)
		if err != nil {
			return "", fmt.Errorf("lookup users by name: %w", err)
		}
		switch len(matches) {
		case 0:
			return "", resolveError(KindNotFound, MsgUserNotFound)
		case 1:
			return matches[0].ID, nil
		default:
			return "", resolveError(KindAmbiguous, MsgUserNameAmbiguous)
		}
	default:
		return actor.ID, nil
	}
}

// TaskHints identify a task by id, or by exact title optionally narrowed by
// owner hints.
type TaskHints struct {
	ID    string
	Title string
	Owner UserHints
}

// TaskRef is a resolved task.
type TaskRef struct {
	ID      string
	OwnerID string
}

func (t TaskRef) Subject() rbac.TaskSubject {
	return rbac.TaskSubject{ID: t.ID, OwnerID: t.OwnerID}
}

// Task resolves hints to a task. The owner of the result is not checked
// against the actor when the task is found by id.
func (r *Resolver) Task(ctx context.Context, actor rbac.Actor, hints TaskHints) (TaskRef, error) {
	id := strings.TrimSpace(hints.ID)
	title := strings.TrimSpace(hints.Title)

	if id != "" {
		task, err := r.store.GetTask(ctx, id)
		if err != nil {
			return TaskRef{}, lookupError(err, MsgTaskNotFound, "lookup task")
		}
		return TaskRef{ID: task.ID, OwnerID: task.OwnerID}, nil
	}
	if title == "" {
		return TaskRef{}, resolveError(KindInvalidInput, MsgTaskRefMissing)
	}

	if !actor.IsAdmin() {
		return r.taskByTitle(ctx, title, actor.ID, MsgTaskAmbiguous)
	}

	// An admin who names no owner searches every owner's tasks.
	if hints.Owner.Empty() {
		return r.taskByTitle(ctx, title, "", MsgTaskAmbiguousAll)
	}
	ownerID, err := r.User(ctx, actor, hints.Owner)
	if err != nil {
		return TaskRef{}, err
	}
	return r.taskByTitle(ctx, title, ownerID, MsgTaskAmbiguousOwn)
}

func (r *Resolver) taskByTitle(ctx context.Context, title, ownerID, ambiguous string) (TaskRef, error) {
	matches, err := r.store.FindTasksByTitle(ctx, title, ownerID)
	if err != nil {
		return TaskRef{}, fmt.Errorf("lookup tasks by title: %w", err)
	}
	switch len(matches) {
	case 0:
		return TaskRef{}, resolveError(KindNotFound, MsgTaskNotFound)
	case 1:
		return TaskRef{ID: matches[0].ID, OwnerID: matches[0].OwnerID}, nil
	default:
		return TaskRef{}, resolveError(KindAmbiguous, ambiguous)
	}
}

func lookupError(err error, notFound, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return resolveError(KindNotFound, notFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Package rbac decides whether an actor may perform an action on a task or
// user. It performs no I/O.
package rbac

import "strings"

type Role string
type Action string

const (
	RoleAdmin Role = "ADMIN"
	RoleUser  Role = "USER"
)

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Actor is the authenticated identity behind one request.
type Actor struct {
	ID   string
	Role Role
}

func (a *Actor) IsAdmin() bool {
	return a != nil && a.Role == RoleAdmin
}

// Subject is what a check is evaluated against. Implementations are
// limited to the types in this package.
type Subject interface {
	subject()
}

// TypeTag is a class-level subject ("may create tasks at all").
type TypeTag string

const (
	TaskType TypeTag = "Task"
	UserType TypeTag = "User"
)

// TaskSubject is a concrete task, or a task about to be created under OwnerID.
type TaskSubject struct {
	ID      string
	OwnerID string
}

// UserSubject is a concrete user.
type UserSubject struct {
	ID string
}

func (TypeTag) subject()     {}
func (TaskSubject) subject() {}
func (UserSubject) subject() {}

// Ability is the permission set of one actor. Derive it per request.
type Ability struct {
	actor Actor
	valid bool
}

func For(actor *Actor) Ability {
	if actor == nil || strings.TrimSpace(actor.ID) == "" {
		return Ability{}
	}
	switch actor.Role {
	case RoleAdmin, RoleUser:
		return Ability{actor: *actor, valid: true}
	default:
		return Ability{}
	}
}

func Can(actor *Actor, action Action, subject Subject) bool {
	return For(actor).Can(action, subject)
}

func (a Ability) Can(action Action, subject Subject) bool {
	if !a.valid || !knownAction(action) {
		return false
	}
	if a.actor.Role == RoleAdmin {
		switch s := subject.(type) {
		case TypeTag:
			return s == TaskType || s == UserType
		case TaskSubject, UserSubject:
			return true
		default:
			return false
		}
	}

	switch s := subject.(type) {
	case TypeTag:
		switch s {
		case TaskType:
			return action == ActionCreate || action == ActionRead
		case UserType:
			return action == ActionRead || action == ActionUpdate
		}
		return false
	case TaskSubject:
		return s.OwnerID == a.actor.ID
	case UserSubject:
		if action != ActionRead && action != ActionUpdate {
			return false
		}
		return s.ID == a.actor.ID
	default:
		return false
	}
}

func knownAction(action Action) bool {
	switch action {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// ParseRole normalizes a stored or submitted role. Unknown values yield "".
func ParseRole(value string) Role {
	switch Role(strings.ToUpper(strings.TrimSpace(value))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleUser:
		return RoleUser
	default:
		return ""
	}
}

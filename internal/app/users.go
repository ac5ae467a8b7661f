package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"todoo/api/internal/authpw"
	"todoo/api/internal/rbac"
	"todoo/api/internal/resolve"
	"todoo/api/internal/store"
	"todoo/api/internal/util"
)

const (
	MsgForbiddenListUsers  = "Usuário não autorizado a listar usuários"
	MsgForbiddenViewUser   = "Usuário não autorizado a visualizar este usuário"
	MsgForbiddenCreateUser = "Usuário não autorizado a criar usuários"
	MsgForbiddenUpdateUser = "Usuário não autorizado a atualizar este usuário"
	MsgForbiddenRoleChange = "Somente administradores podem alterar a role de um usuário"
	MsgForbiddenDeleteUser = "Somente administradores podem remover usuários"

	MsgUserCreated = "Usuário criado com sucesso"
	MsgUserUpdated = "Usuário atualizado com sucesso"
	MsgUserDeleted = "Usuário deletado com sucesso"
	MsgEmailTaken  = "Email já cadastrado"
	MsgInvalidRole = "Role inválida"
	MsgNameBlank   = "Nome não pode ser vazio"
)

type UserView struct {
	ID    string `json:"id"`
	Name  string `json:"nome"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

func userView(user store.User) UserView {
	view := UserView{ID: user.ID, Email: user.Email, Role: user.Role}
	if user.Name != nil {
		view.Name = *user.Name
	}
	return view
}

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

func userNotFound() *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", resolve.MsgUserNotFound, nil)
}

func (s *Service) ListUsers(ctx context.Context, actor rbac.Actor) ([]UserView, error) {
	if !actor.IsAdmin() {
		return nil, forbidden(MsgForbiddenListUsers)
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]UserView, 0, len(users))
	for _, user := range users {
		views = append(views, userView(user))
	}
	return views, nil
}

func (s *Service) GetUser(ctx context.Context, actor rbac.Actor, id string) (UserView, error) {
	if !rbac.Can(&actor, rbac.ActionRead, rbac.UserSubject{ID: id}) {
		return UserView{}, forbidden(MsgForbiddenViewUser)
	}
	user, err := s.store.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserView{}, userNotFound()
		}
		return UserView{}, err
	}
	return userView(user), nil
}

type CreateUserInput struct {
	Name  string
	Email string
	Role  string
}

// CreateUser adds an account without a password; it cannot sign in until
// one is set through sign-up with the same email.
func (s *Service) CreateUser(ctx context.Context, actor rbac.Actor, in CreateUserInput) (UserView, error) {
	if !rbac.Can(&actor, rbac.ActionCreate, rbac.UserType) {
		return UserView{}, forbidden(MsgForbiddenCreateUser)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return UserView{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", MsgNameBlank, nil)
	}
	email, err := authpw.NormalizeEmail(in.Email)
	if err != nil {
		return UserView{}, validationError(err)
	}
	role := rbac.RoleUser
	if strings.TrimSpace(in.Role) != "" {
		if role = rbac.ParseRole(in.Role); role == "" {
			return UserView{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", MsgInvalidRole, nil)
		}
	}

	user := store.User{ID: util.NewID(""), Name: &name, Email: email, Role: string(role)}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return UserView{}, domainError(http.StatusConflict, "EMAIL_TAKEN", MsgEmailTaken, nil)
		}
		return UserView{}, err
	}
	s.logger.Info().Str("user_id", user.ID).Str("actor_id", actor.ID).Str("role", user.Role).Msg("user created")
	return userView(user), nil
}

type UpdateUserInput struct {
	Name  *string
	Email *string
	Role  *string
}

func (s *Service) UpdateUser(ctx context.Context, actor rbac.Actor, id string, in UpdateUserInput) error {
	if _, err := s.store.GetUserByID(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return userNotFound()
		}
		return err
	}
	if !rbac.Can(&actor, rbac.ActionUpdate, rbac.UserSubject{ID: id}) {
		return forbidden(MsgForbiddenUpdateUser)
	}
	if in.Role != nil && !actor.IsAdmin() {
		return forbidden(MsgForbiddenRoleChange)
	}

	var patch store.UserPatch
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return domainError(http.StatusBadRequest, "VALIDATION_ERROR", MsgNameBlank, nil)
		}
		patch.Name = &name
	}
	if in.Email != nil {
		email, err := authpw.NormalizeEmail(*in.Email)
		if err != nil {
			return validationError(err)
		}
		patch.Email = &email
	}
	if in.Role != nil {
		role := rbac.ParseRole(*in.Role)
		if role == "" {
			return domainError(http.StatusBadRequest, "VALIDATION_ERROR", MsgInvalidRole, nil)
		}
		value := string(role)
		patch.Role = &value
	}
	if patch == (store.UserPatch{}) {
		return nil
	}

	if err := s.store.UpdateUser(ctx, id, patch); err != nil {
		switch {
		case errors.Is(err, store.ErrEmailTaken):
			return domainError(http.StatusConflict, "EMAIL_TAKEN", MsgEmailTaken, nil)
		case errors.Is(err, sql.ErrNoRows):
			return userNotFound()
		}
		return err
	}
	s.logger.Info().Str("user_id", id).Str("actor_id", actor.ID).Msg("user updated")
	return nil
}

// DeleteUser removes a user and, through the foreign key, their tasks.
func (s *Service) DeleteUser(ctx context.Context, actor rbac.Actor, id string) error {
	if !actor.IsAdmin() {
		return forbidden(MsgForbiddenDeleteUser)
	}
	if _, err := s.store.GetUserByID(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return userNotFound()
		}
		return err
	}

	var owned []store.TaskWithOwner
	if s.index != nil {
		tasks, err := s.store.ListTasks(ctx, store.TaskFilter{OwnerID: id})
		if err != nil {
			return err
		}
		owned = tasks
	}
	if err := s.store.DeleteUser(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return userNotFound()
		}
		return err
	}
	for _, task := range owned {
		s.index.DeleteTask(task.ID)
	}
	s.logger.Info().Str("user_id", id).Str("actor_id", actor.ID).Int("tasks", len(owned)).Msg("user deleted")
	return nil
}

func validationError(err error) error {
	var validation *authpw.ValidationError
	if errors.As(err, &validation) {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", validation.Message, nil)
	}
	return err
}

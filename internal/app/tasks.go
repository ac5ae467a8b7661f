package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"todoo/api/internal/rbac"
	"todoo/api/internal/resolve"
	"todoo/api/internal/search"
	"todoo/api/internal/store"
	"todoo/api/internal/util"
)

const (
	MsgConfirmCreate = "Confirmação necessária para criar tarefa. Confirme com confirm=true."
	MsgConfirmUpdate = "Confirmação necessária para atualizar tarefa. Confirme com confirm=true."
	MsgConfirmDelete = "Confirmação necessária para deletar tarefa. Confirme com confirm=true."

	MsgForbiddenListTasks = "Usuário não autorizado a listar tarefas"
	MsgForbiddenCreate    = "Usuário não autorizado a criar tarefa para este usuário"
	MsgForbiddenUpdate    = "Usuário não autorizado a atualizar esta tarefa"
	MsgForbiddenReassign  = "Usuário não autorizado a atribuir esta tarefa a outro usuário"
	MsgForbiddenDelete    = "Usuário não autorizado a remover esta tarefa"

	MsgTaskCreated = "Tarefa criada com sucesso"
	MsgTaskUpdated = "Tarefa atualizada com sucesso"
	MsgTaskDeleted = "Tarefa deletada com sucesso"

	MsgTitleRequired = "Informe o título da tarefa"
	MsgQueryRequired = "Informe o termo de busca"
	MsgUpstream      = "Falha ao acessar os dados; tente novamente"
)

type OwnerView struct {
	ID    string `json:"id"`
	Name  string `json:"nome"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type TaskView struct {
	ID          string    `json:"id"`
	Title       string    `json:"titulo"`
	Description string    `json:"descricao"`
	Done        bool      `json:"completo"`
	OwnerID     string    `json:"userId"`
	Owner       OwnerView `json:"owner"`
}

func taskView(row store.TaskWithOwner) TaskView {
	return TaskView{
		ID:          row.ID,
		Title:       row.Title,
		Description: row.Description,
		Done:        row.Done,
		OwnerID:     row.OwnerID,
		Owner: OwnerView{
			ID:    row.Owner.ID,
			Name:  row.Owner.DisplayName(),
			Email: row.Owner.Email,
			Role:  row.Owner.Role,
		},
	}
}

// Mutation is the data of a successful task write.
type Mutation struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type ListTasksInput struct {
	Owner resolve.UserHints
	Title string
}

// ListTasks returns the tasks the actor may read, newest first. Non-admins
// only ever see their own tasks; owner hints narrow an admin's listing.
func (s *Service) ListTasks(ctx context.Context, actor rbac.Actor, in ListTasksInput) Outcome {
	ability := rbac.For(&actor)
	if !ability.Can(rbac.ActionRead, rbac.TaskType) {
		return outcome(KindForbidden, MsgForbiddenListTasks)
	}

	filter := store.TaskFilter{Title: strings.TrimSpace(in.Title)}
	switch {
	case !actor.IsAdmin():
		filter.OwnerID = actor.ID
	case !in.Owner.Empty():
		ownerID, err := s.resolver.User(ctx, actor, in.Owner)
		if err != nil {
			return s.failure(err, "list tasks")
		}
		filter.OwnerID = ownerID
	}

	rows, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		return s.failure(err, "list tasks")
	}
	views := make([]TaskView, 0, len(rows))
	for _, row := range rows {
		if !ability.Can(rbac.ActionRead, rbac.TaskSubject{ID: row.ID, OwnerID: row.OwnerID}) {
			continue
		}
		views = append(views, taskView(row))
	}
	return ok(views)
}

type CreateTaskInput struct {
	Title       string
	Description string
	Done        bool
	Owner       resolve.UserHints
	Confirm     bool
}

func (s *Service) CreateTask(ctx context.Context, actor rbac.Actor, in CreateTaskInput) Outcome {
	if !in.Confirm {
		return outcome(KindRequiresConfirmation, MsgConfirmCreate)
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return outcome(KindInvalidInput, MsgTitleRequired)
	}

	ownerID, err := s.resolver.User(ctx, actor, in.Owner)
	if err != nil {
		return s.failure(err, "create task")
	}
	if !rbac.Can(&actor, rbac.ActionCreate, rbac.TaskSubject{OwnerID: ownerID}) {
		return outcome(KindForbidden, MsgForbiddenCreate)
	}
	if _, err := s.store.GetUserByID(ctx, ownerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return outcome(KindNotFound, resolve.MsgUserNotFound)
		}
		return s.failure(err, "create task")
	}

	task := store.Task{
		ID:          util.NewID(""),
		Title:       title,
		Description: in.Description,
		Done:        in.Done,
		OwnerID:     ownerID,
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return s.failure(err, "create task")
	}
	s.indexTask(task)
	s.logger.Info().Str("task_id", task.ID).Str("owner_id", ownerID).Str("actor_id", actor.ID).Msg("task created")
	return ok(Mutation{ID: task.ID, Message: MsgTaskCreated})
}

// UpdateTaskInput changes the fields that are non-nil. Empty NewOwner hints
// keep the current owner.
type UpdateTaskInput struct {
	Target      resolve.TaskHints
	Title       *string
	Description *string
	Done        *bool
	NewOwner    resolve.UserHints
	Confirm     bool
}

func (s *Service) UpdateTask(ctx context.Context, actor rbac.Actor, in UpdateTaskInput) Outcome {
	if !in.Confirm {
		return outcome(KindRequiresConfirmation, MsgConfirmUpdate)
	}
	if in.Title != nil && strings.TrimSpace(*in.Title) == "" {
		return outcome(KindInvalidInput, MsgTitleRequired)
	}

	ref, err := s.resolver.Task(ctx, actor, in.Target)
	if err != nil {
		return s.failure(err, "update task")
	}
	ability := rbac.For(&actor)
	if !ability.Can(rbac.ActionUpdate, ref.Subject()) {
		return outcome(KindForbidden, MsgForbiddenUpdate)
	}

	ownerID := ref.OwnerID
	if !in.NewOwner.Empty() {
		ownerID, err = s.resolver.User(ctx, actor, in.NewOwner)
		if err != nil {
			return s.failure(err, "update task")
		}
	}
	reassigned := ref.Subject()
	reassigned.OwnerID = ownerID
	if !ability.Can(rbac.ActionUpdate, reassigned) {
		return outcome(KindForbidden, MsgForbiddenReassign)
	}

	task, err := s.store.GetTask(ctx, ref.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return outcome(KindNotFound, resolve.MsgTaskNotFound)
		}
		return s.failure(err, "update task")
	}
	if in.Title != nil {
		task.Title = strings.TrimSpace(*in.Title)
	}
	if in.Description != nil {
		task.Description = *in.Description
	}
	if in.Done != nil {
		task.Done = *in.Done
	}
	task.OwnerID = ownerID

	if err := s.store.UpdateTask(ctx, task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return outcome(KindNotFound, resolve.MsgTaskNotFound)
		}
		return s.failure(err, "update task")
	}
	s.indexTask(task)
	s.logger.Info().Str("task_id", task.ID).Str("owner_id", ownerID).Str("actor_id", actor.ID).Msg("task updated")
	return ok(Mutation{ID: task.ID, Message: MsgTaskUpdated})
}

type DeleteTaskInput struct {
	Target  resolve.TaskHints
	Confirm bool
}

func (s *Service) DeleteTask(ctx context.Context, actor rbac.Actor, in DeleteTaskInput) Outcome {
	if !in.Confirm {
		return outcome(KindRequiresConfirmation, MsgConfirmDelete)
	}

	ref, err := s.resolver.Task(ctx, actor, in.Target)
	if err != nil {
		return s.failure(err, "delete task")
	}
	if !rbac.Can(&actor, rbac.ActionDelete, ref.Subject()) {
		return outcome(KindForbidden, MsgForbiddenDelete)
	}
	if err := s.store.DeleteTask(ctx, ref.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return outcome(KindNotFound, resolve.MsgTaskNotFound)
		}
		return s.failure(err, "delete task")
	}
	if s.index != nil {
		s.index.DeleteTask(ref.ID)
	}
	s.logger.Info().Str("task_id", ref.ID).Str("actor_id", actor.ID).Msg("task deleted")
	return ok(Mutation{ID: ref.ID, Message: MsgTaskDeleted})
}

type SearchTasksInput struct {
	Text  string
	Limit int
}

// SearchTasks runs a full-text search. Non-admin searches are restricted to
// the actor's tasks, and every hit is checked against the policy.
func (s *Service) SearchTasks(ctx context.Context, actor rbac.Actor, in SearchTasksInput) Outcome {
	ability := rbac.For(&actor)
	if !ability.Can(rbac.ActionRead, rbac.TaskType) {
		return outcome(KindForbidden, MsgForbiddenListTasks)
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return outcome(KindInvalidInput, MsgQueryRequired)
	}

	q := search.Query{Text: text, Limit: in.Limit}
	if !actor.IsAdmin() {
		q.OwnerID = actor.ID
	}
	if s.index == nil {
		return ok(search.Response{Results: []search.Result{}, Query: text})
	}

	resp := s.index.Search(ctx, q)
	visible := make([]search.Result, 0, len(resp.Results))
	for _, result := range resp.Results {
		if ability.Can(rbac.ActionRead, rbac.TaskSubject{ID: result.ID, OwnerID: result.OwnerID}) {
			visible = append(visible, result)
		}
	}
	if len(visible) != len(resp.Results) {
		resp.Total -= len(resp.Results) - len(visible)
	}
	resp.Results = visible
	return ok(resp)
}

func (s *Service) indexTask(task store.Task) {
	if s.index == nil {
		return
	}
	s.index.IndexTask(search.TaskRecord{
		ID:          task.ID,
		Title:       task.Title,
		Description: task.Description,
		Done:        task.Done,
		OwnerID:     task.OwnerID,
	})
}

// failure maps an error from resolution or the store to an outcome. Store
// errors are logged and reported without their text.
func (s *Service) failure(err error, op string) Outcome {
	if resolveErr, ok := resolve.As(err); ok {
		switch resolveErr.Kind {
		case resolve.KindNotFound:
			return outcome(KindNotFound, resolveErr.Message)
		case resolve.KindAmbiguous:
			return outcome(KindAmbiguous, resolveErr.Message)
		case resolve.KindInvalidInput:
			return outcome(KindInvalidInput, resolveErr.Message)
		}
	}
	s.logger.Error().Err(err).Str("op", op).Msg("store failure")
	return outcome(KindUpstreamFailure, MsgUpstream)
}

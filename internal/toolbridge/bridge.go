// Package toolbridge exposes the task commands as assistant tools. The actor
// always comes from the caller's session; tool arguments can only supply
// hints and field values.
package toolbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"todoo/api/internal/app"
	"todoo/api/internal/rbac"
	"todoo/api/internal/resolve"
)

// Commands is the subset of app.Service the bridge drives.
type Commands interface {
	ListTasks(ctx context.Context, actor rbac.Actor, in app.ListTasksInput) app.Outcome
	CreateTask(ctx context.Context, actor rbac.Actor, in app.CreateTaskInput) app.Outcome
	UpdateTask(ctx context.Context, actor rbac.Actor, in app.UpdateTaskInput) app.Outcome
	DeleteTask(ctx context.Context, actor rbac.Actor, in app.DeleteTaskInput) app.Outcome
}

type Bridge struct {
	commands Commands
	registry *ToolRegistry
	audit    *AuditLogger
	now      func() time.Time
}

func New(commands Commands, registry *ToolRegistry, audit *AuditLogger) *Bridge {
	return &Bridge{commands: commands, registry: registry, audit: audit, now: time.Now}
}

// Tools lists the tools offered to the model.
func (b *Bridge) Tools() []ToolSpec {
	return b.registry.List()
}

// Execute runs a tool with the raw JSON arguments produced by the model and
// returns the outcome as JSON. Unparseable arguments are treated as empty.
func (b *Bridge) Execute(ctx context.Context, actor rbac.Actor, name, rawArguments string) string {
	args := map[string]any{}
	if strings.TrimSpace(rawArguments) != "" {
		if err := json.Unmarshal([]byte(rawArguments), &args); err != nil || args == nil {
			args = map[string]any{}
		}
	}
	payload, err := json.Marshal(b.Call(ctx, actor, name, args))
	if err != nil {
		return `{"kind":"error","message":"Falha ao serializar resultado"}`
	}
	return string(payload)
}

// Call runs a tool for actor.
func (b *Bridge) Call(ctx context.Context, actor rbac.Actor, name string, args map[string]any) app.Outcome {
	started := b.now()
	confirm := confirmed(args)
	result := b.dispatch(ctx, actor, name, args, confirm)

	detail := ""
	if !result.OK() {
		detail = result.Message
	}
	b.audit.Complete(ToolCallCompletion{
		ToolName:    name,
		Actor:       actor,
		Kind:        result.Kind,
		Confirm:     confirm,
		ErrorDetail: detail,
		Duration:    b.now().Sub(started),
	})
	return result
}

func (b *Bridge) dispatch(ctx context.Context, actor rbac.Actor, name string, args map[string]any, confirm bool) app.Outcome {
	spec, ok := b.registry.Lookup(name)
	if !ok {
		return app.Outcome{Kind: app.KindError, Message: fmt.Sprintf("Ferramenta desconhecida: %s", name)}
	}

	owner := ownerHints(args)
	switch spec.Name {
	case "list_tasks":
		return b.commands.ListTasks(ctx, actor, app.ListTasksInput{Owner: owner, Title: stringArg(args, "taskName")})

	case "create_task":
		if !confirm {
			return b.commands.CreateTask(ctx, actor, app.CreateTaskInput{})
		}
		done, err := boolArg(args, "completo")
		if err != nil {
			return *err
		}
		in := app.CreateTaskInput{
			Title:       stringArg(args, "titulo"),
			Description: stringArg(args, "descricao"),
			Owner:       owner,
			Confirm:     true,
		}
		if done != nil {
			in.Done = *done
		}
		return b.commands.CreateTask(ctx, actor, in)

	case "update_task":
		if !confirm {
			return b.commands.UpdateTask(ctx, actor, app.UpdateTaskInput{})
		}
		done, err := boolArg(args, "completo")
		if err != nil {
			return *err
		}
		return b.commands.UpdateTask(ctx, actor, app.UpdateTaskInput{
			Target:      taskHints(args, owner),
			Title:       optionalString(args, "titulo"),
			Description: optionalString(args, "descricao"),
			Done:        done,
			NewOwner:    owner,
			Confirm:     true,
		})

	case "delete_task":
		return b.commands.DeleteTask(ctx, actor, app.DeleteTaskInput{Target: taskHints(args, owner), Confirm: confirm})
	}
	return app.Outcome{Kind: app.KindError, Message: fmt.Sprintf("Ferramenta sem implementação: %s", spec.Name)}
}

// confirmed accepts only a JSON boolean true; "true" as a string is rejected.
func confirmed(args map[string]any) bool {
	value, ok := args["confirm"].(bool)
	return ok && value
}

func ownerHints(args map[string]any) resolve.UserHints {
	return resolve.UserHints{
		ID:    stringArg(args, "userId"),
		Email: stringArg(args, "userEmail"),
		Name:  stringArg(args, "userName"),
	}
}

func taskHints(args map[string]any, owner resolve.UserHints) resolve.TaskHints {
	return resolve.TaskHints{ID: stringArg(args, "id"), Title: stringArg(args, "taskName"), Owner: owner}
}

func stringArg(args map[string]any, key string) string {
	value, _ := args[key].(string)
	return value
}

func optionalString(args map[string]any, key string) *string {
	value, ok := args[key].(string)
	if !ok {
		return nil
	}
	return &value
}

func boolArg(args map[string]any, key string) (*bool, *app.Outcome) {
	raw, present := args[key]
	if !present || raw == nil {
		return nil, nil
	}
	value, ok := raw.(bool)
	if !ok {
		return nil, &app.Outcome{Kind: app.KindInvalidInput, Message: fmt.Sprintf("O campo %s deve ser booleano", key)}
	}
	return &value, nil
}

// Package assistant runs the task chat: the model sees the four task tools,
// every tool call is executed through the tool bridge as the session's user,
// and the results are fed back for a final answer.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"todoo/api/internal/app"
	"todoo/api/internal/rbac"
	"todoo/api/internal/toolbridge"
)

const temperature = 0.2

// Completer sends a chat-completions request.
type Completer interface {
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ToolRunner executes a tool call for an actor and returns the JSON result.
type ToolRunner interface {
	Tools() []toolbridge.ToolSpec
	Execute(ctx context.Context, actor rbac.Actor, name, rawArguments string) string
}

type Assistant struct {
	completer Completer
	tools     ToolRunner
	maxRounds int
	logger    zerolog.Logger
}

// New returns an assistant that allows up to maxRounds rounds of tool calls
// before asking for the final answer.
func New(completer Completer, tools ToolRunner, maxRounds int, logger zerolog.Logger) *Assistant {
	if maxRounds < 1 {
		maxRounds = 1
	}
	return &Assistant{
		completer: completer,
		tools:     tools,
		maxRounds: maxRounds,
		logger:    logger.With().Str("component", "assistant").Logger(),
	}
}

func (a *Assistant) Chat(ctx context.Context, session app.Session, history []app.ChatMessage) (app.ChatResult, error) {
	actor := session.Actor()
	tools := a.toolDefinitions()

	messages := []Message{{Role: "system", Content: SystemPrompt(session)}}
	messages = append(messages, clientMessages(history)...)

	for round := 0; round < a.maxRounds; round++ {
		choice, err := a.complete(ctx, messages, tools)
		if err != nil {
			return app.ChatResult{}, err
		}
		if len(choice.Message.ToolCalls) == 0 {
			return app.ChatResult{Reply: choice.Message.Content, Messages: returned(messages)}, nil
		}

		messages = append(messages, Message{
			Role:      "assistant",
			Content:   choice.Message.Content,
			ToolCalls: choice.Message.ToolCalls,
		})
		for _, call := range choice.Message.ToolCalls {
			result := a.tools.Execute(ctx, actor, call.Function.Name, call.Function.Arguments)
			messages = append(messages, Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Name:       call.Function.Name,
				Content:    result,
			})
		}
		a.logger.Debug().Str("user_id", actor.ID).Int("round", round+1).Int("tool_calls", len(choice.Message.ToolCalls)).Msg("tool round")
	}

	final, err := a.complete(ctx, messages, tools)
	if err != nil {
		return app.ChatResult{}, err
	}
	return app.ChatResult{Reply: final.Message.Content, Messages: returned(messages)}, nil
}

func (a *Assistant) complete(ctx context.Context, messages []Message, tools []Tool) (Choice, error) {
	resp, err := a.completer.ChatCompletion(ctx, ChatRequest{
		Messages:    messages,
		Tools:       tools,
		ToolChoice:  "auto",
		Temperature: temperature,
	})
	if err != nil {
		return Choice{}, fmt.Errorf("chat completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return Choice{}, errors.New("chat completion returned no choices")
	}
	return resp.Choices[0], nil
}

func (a *Assistant) toolDefinitions() []Tool {
	specs := a.tools.Tools()
	tools := make([]Tool, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, Tool{
			Type: "function",
			Function: Function{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.InputSchema,
			},
		})
	}
	return tools
}

// clientMessages keeps the user and assistant turns of a client history.
// System and tool messages can only come from the server.
func clientMessages(history []app.ChatMessage) []Message {
	messages := make([]Message, 0, len(history))
	for _, m := range history {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		if role != "user" && role != "assistant" {
			continue
		}
		messages = append(messages, Message{Role: role, Content: m.Content})
	}
	return messages
}

// returned drops the system prompt and the assistant turns that only carry
// tool calls.
func returned(messages []Message) []app.ChatMessage {
	out := make([]app.ChatMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" || (m.Role == "assistant" && len(m.ToolCalls) > 0) {
			continue
		}
		out = append(out, app.ChatMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		})
	}
	return out
}

// SystemPrompt carries the trusted identity of the session's user.
func SystemPrompt(session app.Session) string {
	id := session.UserID
	return fmt.Sprintf(`Você é um assistente que ajuda a gerenciar tarefas.
Contexto do usuário logado (fonte confiável do servidor):
- currentUserId: %s
- currentUserRole: %s
- currentUserName: %s
- currentUserEmail: %s

Regras:
- Nunca pergunte quem é o usuário logado e nunca questione o papel (role). Utilize os valores acima.
- Interprete "minhas tarefas", "eu" ou termos equivalentes sempre como o usuário de id %s.
- Para operações de escrita (criar, atualizar, remover), peça confirmação explícita e inclua confirm=true nos parâmetros.
- Para listagens/leitura, não solicite confirmação.
- Você pode identificar usuários por nome ou email (sem exigir id) e tarefas pelo título (nome da tarefa); se houver ambiguidades, peça para especificar o usuário (id/email/nome) ou o id da tarefa.
Responda em português.`, id, session.Role, session.UserName, session.Email, id)
}

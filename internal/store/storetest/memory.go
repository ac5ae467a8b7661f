// Package storetest provides an in-memory store with the same method set as
// store.PostgresStore, for tests in other packages.
package storetest

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"todoo/api/internal/store"
)

type Memory struct {
	mu       sync.Mutex
	users    map[string]store.User
	tasks    map[string]store.Task
	sessions map[string]memorySession
	seq      int
	base     time.Time
	ops      []string

	// Fail, when set, is consulted before every call; a non-nil result is
	// returned as the call's error.
	Fail func(op string) error
}

type memorySession struct {
	userID    string
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users:    map[string]store.User{},
		tasks:    map[string]store.Task{},
		sessions: map[string]memorySession{},
		base:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Ops returns the names of the calls made so far, in order.
func (m *Memory) Ops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}

// Count returns how many times op was called.
func (m *Memory) Count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, recorded := range m.ops {
		if recorded == op {
			n++
		}
	}
	return n
}

// AddUser inserts a user directly, bypassing call recording.
func (m *Memory) AddUser(user store.User) store.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	user.CreatedAt = m.nextTime()
	user.UpdatedAt = user.CreatedAt
	m.users[user.ID] = user
	return user
}

// AddTask inserts a task directly; later tasks sort as newer.
func (m *Memory) AddTask(task store.Task) store.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	task.CreatedAt = m.nextTime()
	task.UpdatedAt = task.CreatedAt
	m.tasks[task.ID] = task
	return task
}

func (m *Memory) Task(id string) (store.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	return task, ok
}

func (m *Memory) User(id string) (store.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	return user, ok
}

func (m *Memory) nextTime() time.Time {
	m.seq++
	return m.base.Add(time.Duration(m.seq) * time.Second)
}

func (m *Memory) enter(op string) error {
	m.ops = append(m.ops, op)
	if m.Fail != nil {
		return m.Fail(op)
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter("Ping")
}

func (m *Memory) GetUserByID(ctx context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetUserByID"); err != nil {
		return store.User{}, err
	}
	user, ok := m.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *Memory) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetUserByEmail"); err != nil {
		return store.User{}, err
	}
	for _, user := range m.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *Memory) FindUsersByName(ctx context.Context, name string) ([]store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindUsersByName"); err != nil {
		return nil, err
	}
	matches := make([]store.User, 0)
	for _, user := range m.users {
		if user.Name != nil && *user.Name == name {
			matches = append(matches, user)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })
	return matches, nil
}

func (m *Memory) ListUsers(ctx context.Context) ([]store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListUsers"); err != nil {
		return nil, err
	}
	users := make([]store.User, 0, len(m.users))
	for _, user := range m.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID > users[j].ID })
	return users, nil
}

func (m *Memory) CountUsers(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CountUsers"); err != nil {
		return 0, err
	}
	return len(m.users), nil
}

func (m *Memory) CreateUser(ctx context.Context, user store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateUser"); err != nil {
		return err
	}
	for _, existing := range m.users {
		if existing.Email == user.Email {
			return store.ErrEmailTaken
		}
	}
	user.CreatedAt = m.nextTime()
	user.UpdatedAt = user.CreatedAt
	m.users[user.ID] = user
	return nil
}

func (m *Memory) UpdateUser(ctx context.Context, id string, patch store.UserPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateUser"); err != nil {
		return err
	}
	user, ok := m.users[id]
	if !ok {
		return sql.ErrNoRows
	}
	if patch.Email != nil {
		for otherID, other := range m.users {
			if otherID != id && other.Email == *patch.Email {
				return store.ErrEmailTaken
			}
		}
		user.Email = *patch.Email
	}
	if patch.Name != nil {
		name := *patch.Name
		user.Name = &name
	}
	if patch.Role != nil {
		user.Role = *patch.Role
	}
	user.UpdatedAt = m.nextTime()
	m.users[id] = user
	return nil
}

func (m *Memory) DeleteUser(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteUser"); err != nil {
		return err
	}
	if _, ok := m.users[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.users, id)
	for taskID, task := range m.tasks {
		if task.OwnerID == id {
			delete(m.tasks, taskID)
		}
	}
	return nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetTask"); err != nil {
		return store.Task{}, err
	}
	task, ok := m.tasks[id]
	if !ok {
		return store.Task{}, sql.ErrNoRows
	}
	return task, nil
}

func (m *Memory) FindTasksByTitle(ctx context.Context, title, ownerID string) ([]store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindTasksByTitle"); err != nil {
		return nil, err
	}
	return m.filterTasks(store.TaskFilter{Title: title, OwnerID: ownerID}), nil
}

func (m *Memory) filterTasks(filter store.TaskFilter) []store.Task {
	matches := make([]store.Task, 0)
	for _, task := range m.tasks {
		if filter.Title != "" && task.Title != filter.Title {
			continue
		}
		if filter.OwnerID != "" && task.OwnerID != filter.OwnerID {
			continue
		}
		matches = append(matches, task)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })
	return matches
}

func (m *Memory) ListTasks(ctx context.Context, filter store.TaskFilter) ([]store.TaskWithOwner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListTasks"); err != nil {
		return nil, err
	}
	tasks := m.filterTasks(filter)
	items := make([]store.TaskWithOwner, 0, len(tasks))
	for _, task := range tasks {
		items = append(items, store.TaskWithOwner{Task: task, Owner: m.users[task.OwnerID]})
	}
	return items, nil
}

func (m *Memory) InsertTask(ctx context.Context, task store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("InsertTask"); err != nil {
		return err
	}
	task.CreatedAt = m.nextTime()
	task.UpdatedAt = task.CreatedAt
	m.tasks[task.ID] = task
	return nil
}

func (m *Memory) UpdateTask(ctx context.Context, task store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateTask"); err != nil {
		return err
	}
	existing, ok := m.tasks[task.ID]
	if !ok {
		return sql.ErrNoRows
	}
	task.CreatedAt = existing.CreatedAt
	task.UpdatedAt = m.nextTime()
	m.tasks[task.ID] = task
	return nil
}

func (m *Memory) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteTask"); err != nil {
		return err
	}
	if _, ok := m.tasks[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.tasks, id)
	return nil
}

func (m *Memory) SaveSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SaveSession"); err != nil {
		return err
	}
	m.sessions[tokenHash] = memorySession{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *Memory) LookupSession(ctx context.Context, tokenHash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("LookupSession"); err != nil {
		return "", err
	}
	session, ok := m.sessions[tokenHash]
	if !ok || !time.Now().Before(session.expiresAt) {
		return "", sql.ErrNoRows
	}
	return session.userID, nil
}

func (m *Memory) RevokeSession(ctx context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("RevokeSession"); err != nil {
		return err
	}
	delete(m.sessions, tokenHash)
	return nil
}

package worker

import "sync"

// Group starts and stops a set of tasks together.
type Group struct {
	mu    sync.Mutex
	tasks []*Task
}

// Add registers a task with the group.
func (g *Group) Add(t *Task) *Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tasks = append(g.tasks, t)
	return t
}

// Start starts every task.
func (g *Group) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.tasks {
		t.Start()
	}
}

// Stop stops tasks in reverse registration order, waiting for in-flight runs.
func (g *Group) Stop() {
	g.mu.Lock()
	tasks := make([]*Task, len(g.tasks))
	copy(tasks, g.tasks)
	g.mu.Unlock()

	for i := len(tasks) - 1; i >= 0; i-- {
		tasks[i].Stop()
	}
}

// Stats returns a snapshot for every task.
func (g *Group) Stats() []Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Stats, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t.Stats())
	}
	return out
}

package models

// TodoStatus tracks one todo item's progress.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoCancelled  TodoStatus = "cancelled"
)

// Todo is one item of a task's ordered work list, replaced or merged
// atomically by the todo_write tool.
type Todo struct {
	ID       string     `json:"id"`
	TaskID   string     `json:"task_id"`
	Content  string     `json:"content"`
	Status   TodoStatus `json:"status"`
	Sequence int        `json:"sequence"`
}

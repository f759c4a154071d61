package model

import "time"

type TaskStatus string

// Task statuses. The lifecycle is queued -> started -> completed|failed.
const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusStarted   TaskStatus = "started"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Rank orders statuses along the lifecycle. Unknown statuses rank lowest.
func (s TaskStatus) Rank() int {
	switch s {
	case TaskStatusQueued:
		return 1
	case TaskStatusStarted:
		return 2
	case TaskStatusCompleted, TaskStatusFailed:
		return 3
	default:
		return 0
	}
}

// Task tracks one submission from the moment its object id is minted until
// the record is explicitly deleted.
type Task struct {
	ObjectID    string     `gorm:"primaryKey;column:object_id;type:VARCHAR(255);"`
	SubmitterID string     `gorm:"column:submitter_id;type:VARCHAR(255);not null;index:upload_tasks_submitter_id_idx"`
	Status      TaskStatus `gorm:"column:status;type:VARCHAR(32);not null;index:upload_tasks_status_idx"`
	Stderr      *string    `gorm:"column:stderr;type:TEXT"`
	PayloadRef  string     `gorm:"column:payload_ref;type:VARCHAR(512)"`
	Filename    string     `gorm:"column:filename;type:VARCHAR(512)"`
	SizeBytes   int64      `gorm:"column:size_bytes;not null;default:0"`
	DateCreated time.Time  `gorm:"column:date_created;not null"`
	StartDate   *time.Time `gorm:"column:start_date"`
	EndDate     *time.Time `gorm:"column:end_date"`
}

func (Task) TableName() string {
	return "upload_tasks"
}

type TaskList []Task

func (l TaskList) ObjectIDs() []string {
	ids := make([]string, 0, len(l))
	for _, t := range l {
		ids = append(ids, t.ObjectID)
	}
	return ids
}

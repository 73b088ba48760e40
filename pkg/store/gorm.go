package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loadgate/pkg/model"
)

// taskRecord is the SQL row layout of a task.
type taskRecord struct {
	Seq           int64      `gorm:"primaryKey;autoIncrement"`
	ID            string     `gorm:"uniqueIndex;size:36;not null"`
	OwnerID       string     `gorm:"index;size:64;not null"`
	TargetURL     string     `gorm:"size:2048;not null"`
	NumUsers      int        `gorm:"not null"`
	RampUp        int        `gorm:"not null"`
	StartTime     time.Time  `gorm:"not null;index:idx_load_tests_status_start,priority:2"`
	EndTime       time.Time  `gorm:"not null"`
	Status        string     `gorm:"size:16;not null;index:idx_load_tests_status_start,priority:1"`
	ExecutionID   string     `gorm:"size:64"`
	ReportHandle  string     `gorm:"size:64"`
	FailureReason string     `gorm:"size:1024"`
	DecidedBy     string     `gorm:"size:64"`
	CreatedAt     time.Time  `gorm:"not null"`
	UpdatedAt     time.Time  `gorm:"not null"`
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

func (taskRecord) TableName() string { return "load_tests" }

func recordFromTask(t model.Task) taskRecord {
	return taskRecord{
		Seq:           t.Seq,
		ID:            t.ID,
		OwnerID:       t.OwnerID,
		TargetURL:     t.TargetURL,
		NumUsers:      t.NumUsers,
		RampUp:        t.RampUp,
		StartTime:     t.StartTime,
		EndTime:       t.EndTime,
		Status:        string(t.Status),
		ExecutionID:   t.ExecutionID,
		ReportHandle:  t.ReportHandle,
		FailureReason: t.FailureReason,
		DecidedBy:     t.DecidedBy,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		StartedAt:     t.StartedAt,
		FinishedAt:    t.FinishedAt,
	}
}

func (r taskRecord) toTask() model.Task {
	return model.Task{
		ID:            r.ID,
		Seq:           r.Seq,
		OwnerID:       r.OwnerID,
		TargetURL:     r.TargetURL,
		NumUsers:      r.NumUsers,
		RampUp:        r.RampUp,
		StartTime:     r.StartTime,
		EndTime:       r.EndTime,
		Status:        model.Status(r.Status),
		ExecutionID:   r.ExecutionID,
		ReportHandle:  r.ReportHandle,
		FailureReason: r.FailureReason,
		DecidedBy:     r.DecidedBy,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
	}
}

// GormModels lists the tables GormStore needs migrated.
func GormModels() []interface{} {
	return []interface{}{&taskRecord{}, &model.User{}, &bootstrapRecord{}}
}

// bootstrapRecord holds a single row once the first account exists. Its
// primary key serializes concurrent first registrations.
type bootstrapRecord struct {
	Name      string `gorm:"primaryKey;size:32"`
	CreatedAt time.Time
}

func (bootstrapRecord) TableName() string { return "bootstrap" }

// GormStore keeps tasks and users in MySQL or Postgres through gorm.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) CreateTask(ctx context.Context, t model.Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = t.CreatedAt
	rec := recordFromTask(t)
	rec.Seq = 0
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return "", fmt.Errorf("task %s: %w", t.ID, model.ErrConflict)
		}
		return "", fmt.Errorf("insert task: %w", err)
	}
	return rec.ID, nil
}

func (s *GormStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	return s.getTask(s.db.WithContext(ctx), id)
}

func (s *GormStore) getTask(tx *gorm.DB, id string) (model.Task, error) {
	var rec taskRecord
	if err := tx.Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Task{}, model.ErrNotFound
		}
		return model.Task{}, fmt.Errorf("select task: %w", err)
	}
	return rec.toTask(), nil
}

func (s *GormStore) ListTasks(ctx context.Context, f ListFilter) ([]model.Task, error) {
	q := s.db.WithContext(ctx).Model(&taskRecord{})
	if f.OwnerID != "" {
		q = q.Where("owner_id = ?", f.OwnerID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if !f.StartBefore.IsZero() {
		q = q.Where("start_time <= ?", f.StartBefore)
	}
	if f.AfterSeq > 0 {
		q = q.Where("seq > ?", f.AfterSeq)
	}
	if f.Sort == SortStartTime {
		q = q.Order("start_time ASC").Order("seq ASC")
	} else {
		q = q.Order("seq ASC")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var recs []taskRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]model.Task, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toTask())
	}
	return out, nil
}

func (s *GormStore) UpdateStatus(ctx context.Context, id string, expected, next model.Status, p model.Patch) (model.Task, error) {
	var out model.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := s.getTask(tx, id)
		if err != nil {
			return err
		}
		out = t
		if t.Status != expected {
			return model.ErrConflict
		}
		p.Apply(&t, next)
		res := tx.Model(&taskRecord{}).
			Where("id = ? AND status = ?", id, string(expected)).
			Updates(map[string]interface{}{
				"status":         string(t.Status),
				"execution_id":   t.ExecutionID,
				"report_handle":  t.ReportHandle,
				"failure_reason": t.FailureReason,
				"decided_by":     t.DecidedBy,
				"updated_at":     t.UpdatedAt,
				"started_at":     t.StartedAt,
				"finished_at":    t.FinishedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("update task: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return model.ErrConflict
		}
		out = t
		return nil
	})
	return out, err
}

func (s *GormStore) CreateUser(ctx context.Context, u model.User) error {
	if err := s.db.WithContext(ctx).Create(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("user %s: %w", u.Username, model.ErrConflict)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *GormStore) CreateFirstUser(ctx context.Context, u model.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&bootstrapRecord{Name: "first_user", CreatedAt: u.CreatedAt}).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("first user: %w", model.ErrConflict)
			}
			return fmt.Errorf("insert bootstrap: %w", err)
		}
		var count int64
		if err := tx.Model(&model.User{}).Count(&count).Error; err != nil {
			return fmt.Errorf("count users: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("first user: %w", model.ErrConflict)
		}
		if err := tx.Create(&u).Error; err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		return nil
	})
}

func (s *GormStore) FindUser(ctx context.Context, username string) (model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.User{}, model.ErrNotFound
		}
		return model.User{}, fmt.Errorf("select user: %w", err)
	}
	return u, nil
}

func (s *GormStore) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.User{}).Count(&count).Error
	return count, err
}

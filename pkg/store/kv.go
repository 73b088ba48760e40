package store

import (
	"encoding/json"
	"time"

	"loadgate/pkg/model"
)

// kvTask is the JSON document stored by key/value backends. Seq is hidden
// from API output on model.Task, so it is carried explicitly here.
type kvTask struct {
	model.Task
	Seq int64 `json:"seq"`
}

func encodeTask(t model.Task) ([]byte, error) {
	return json.Marshal(kvTask{Task: t, Seq: t.Seq})
}

func decodeTask(b []byte) (model.Task, error) {
	var rec kvTask
	if err := json.Unmarshal(b, &rec); err != nil {
		return model.Task{}, err
	}
	rec.Task.Seq = rec.Seq
	return rec.Task, nil
}

type kvUser struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"password_hash"`
	Role         model.Role `json:"role"`
	CreatedAt    time.Time  `json:"created_at"`
}

func encodeUser(u model.User) ([]byte, error) {
	return json.Marshal(kvUser{
		ID:           u.ID,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		Role:         u.Role,
		CreatedAt:    u.CreatedAt,
	})
}

func decodeUser(b []byte) (model.User, error) {
	var rec kvUser
	if err := json.Unmarshal(b, &rec); err != nil {
		return model.User{}, err
	}
	return model.User{
		ID:           rec.ID,
		Username:     rec.Username,
		PasswordHash: rec.PasswordHash,
		Role:         rec.Role,
		CreatedAt:    rec.CreatedAt,
	}, nil
}

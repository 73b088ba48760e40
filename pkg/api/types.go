package api

import "loadgate/pkg/model"

type submitResponse struct {
	TaskID string     `json:"task_id"`
	Task   model.Task `json:"task"`
}

type listResponse struct {
	Tasks []model.Task `json:"tasks"`
}

type rejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Token  string     `json:"token"`
	UserID string     `json:"user_id"`
	Role   model.Role `json:"role"`
}

type errorResponse struct {
	Error string `json:"error"`
}

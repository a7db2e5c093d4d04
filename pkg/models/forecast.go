package models

import "time"

// Forecast is one ward-level prediction for a target month
type Forecast struct {
	WardCode    string    `json:"ward_code"`
	WardName    string    `json:"ward_name"`
	TargetMonth Month     `json:"target_month"`
	Point       float64   `json:"point"`
	Lower       float64   `json:"lower"`
	Upper       float64   `json:"upper"`
	Resource    float64   `json:"resource_allocation"`
	Model       string    `json:"model,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

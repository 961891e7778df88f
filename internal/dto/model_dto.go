package dto

const (
	EventModelLoaded   = "model:loaded"
	EventModelUnloaded = "model:unloaded"
)

type ModelLifecycleEvent struct {
	Model string `json:"model"`
}

type ModelListItem struct {
	Name     string  `json:"name"`
	SizeGB   float64 `json:"size"`
	IsLoaded bool    `json:"isLoaded"`
}

type LoadModelRequest struct {
	Model string `json:"model" validate:"required"`
}

type MemoryInfoResponse struct {
	TotalGB   uint64 `json:"total"`
	FreeGB    uint64 `json:"free"`
	UsedGB    uint64 `json:"used"`
	Timestamp int64  `json:"timestamp"`
}

package models

// Stats агрегирует счётчики по событиям, задачам и чекам.
type Stats struct {
	TotalEvents      int64 `json:"total_events"`
	PendingTasks     int64 `json:"pending_tasks"`
	WaitingAuthTasks int64 `json:"waiting_auth_tasks"`
	SuccessTasks     int64 `json:"success_tasks"`
	FailedTasks      int64 `json:"failed_tasks"`
	TotalReceipts    int64 `json:"total_receipts"`
}

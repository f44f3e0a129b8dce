// Package model holds the data shapes shared across the dispatch engine:
// sessions, jobs, records, and the durable artifacts the pipeline produces.
// All identifiers are opaque strings, never a generated document ID type.
package model

import "time"

// Session is a tenant-configured target API plus the credentials used to
// call it. Created once by an external submitter, read-only thereafter.
type Session struct {
	SessionID   string    `json:"sessionId"`
	APIURL      string    `json:"apiUrl"`
	Auth        Auth      `json:"auth"`
	CreatedAt   time.Time `json:"createdAt"`
	OwnerUserID string    `json:"ownerUserId"`
}

// Auth carries the credentials the Batch Worker turns into outbound headers.
type Auth struct {
	UserID string `json:"userId"`
	APIKey string `json:"apiKey"`
}

// JobStatus is the closed set of states a Job may be in.
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobDelayed   JobStatus = "delayed"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is a unit of work dequeued and exclusively owned by one Batch Worker.
type Job struct {
	JobID       string      `json:"jobId"`
	SessionID   string      `json:"sessionId"`
	Records     []Record    `json:"records"`
	Verbose     bool        `json:"verbose"`
	Status      JobStatus   `json:"status"`
	Progress    JobProgress `json:"progress"`
	ReturnValue *JobResult  `json:"returnValue,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	StartedAt   time.Time   `json:"startedAt,omitempty"`
	FinishedAt  time.Time   `json:"finishedAt,omitempty"`
}

// JobProgress is what gets pushed to the queue's updateProgress call.
type JobProgress struct {
	Processed         int     `json:"processed"`
	Total             int     `json:"total"`
	SuccessCount      int     `json:"successCount"`
	FailureCount      int     `json:"failureCount"`
	UserActionCount   int     `json:"userActionRequiredCount"`
	AvgTimePerRecord  float64 `json:"avgTimePerRecordMs"`
	EstTimeLeftSec    int     `json:"estTimeLeftSec"`
	Backlog           int     `json:"backlog"`
	ControllerStatus  string  `json:"controllerStatus"`
}

// JobResult is the terminal outcome every completed job reports.
type JobResult struct {
	SuccessCount int `json:"successCount"`
	FailureCount int `json:"failureCount"`
	TotalRecords int `json:"totalRecords"`
}

// Record is opaque to the core except for the two correlation fields.
type Record struct {
	MemberID  string                 `json:"memberId"`
	RequestID string                 `json:"requestId"`
	Payload   map[string]interface{} `json:"-"`
	Raw       []byte                 `json:"-"`
}

// RequestTrace is produced for every attempt that reaches the HTTP executor.
type RequestTrace struct {
	TraceID         string            `json:"traceId"`
	SessionID       string            `json:"sessionId"`
	ReqID           string            `json:"reqId"`
	Timestamp       time.Time         `json:"ts"`
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	ReqHeaders      map[string]string `json:"reqHeaders"`
	ReqBody         string            `json:"reqBody"`
	Status          int               `json:"status"`
	RespHeaders     map[string]string `json:"respHeaders"`
	RespBody        string            `json:"respBody"`
	Success         bool              `json:"success"`
	ErrorMessage    string            `json:"errorMessage,omitempty"`
	TimeMs          int64             `json:"timeMs"`
	Attempt         int               `json:"attempt"`
	IsRetry         bool              `json:"isRetry"`
	OriginalTraceID string            `json:"originalTraceId,omitempty"`
}

// SessionStats is monotonically incremented, never decremented.
type SessionStats struct {
	Total   int64           `json:"total"`
	Success int64           `json:"success"`
	Failure int64           `json:"failure"`
	Status  map[string]int64 `json:"status"`
}

// Category is the closed error taxonomy produced by the classifier (C3).
type Category string

const (
	CategoryRequiresUserAction Category = "REQUIRES_USER_ACTION"
	CategoryAuthError          Category = "AUTH_ERROR"
	CategoryTemporaryFailure   Category = "TEMPORARY_FAILURE"
	CategorySystemError        Category = "SYSTEM_ERROR"
	CategoryNetworkError       Category = "NETWORK_ERROR"
	CategoryUnknownError       Category = "UNKNOWN_ERROR"
)

// UserActionError is persisted whenever a record terminally classifies as
// REQUIRES_USER_ACTION. TTL 24h, enforced by the Context Store.
type UserActionError struct {
	ErrorID            string    `json:"errorId"`
	SessionID          string    `json:"sessionId"`
	JobID              string    `json:"jobId"`
	Timestamp          time.Time `json:"ts"`
	StatusCode         int       `json:"statusCode"`
	Category           Category  `json:"category"`
	Message            string    `json:"message"`
	ValidationErrors   []string  `json:"validationErrors,omitempty"`
	PermissionInfo     string    `json:"permissionInfo,omitempty"`
	UserActionGuidance string    `json:"userActionGuidance,omitempty"`
	Record             Record    `json:"record"`
	Resolved           bool      `json:"resolved"`
	Resolution         string    `json:"resolution,omitempty"`
	ResolvedAt         time.Time `json:"resolvedAt,omitempty"`
}

// SuccessResponse is persisted whenever a record terminally succeeds.
// TTL 24h, enforced by the Context Store.
type SuccessResponse struct {
	ResponseID string            `json:"responseId"`
	SessionID  string            `json:"sessionId"`
	JobID      string            `json:"jobId"`
	Timestamp  time.Time         `json:"ts"`
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Data       string            `json:"data"`
	Record     Record            `json:"record"`
	DurationMs int64             `json:"durationMs"`
}

// CircuitBreakerState is the process-wide breaker, mirrored to the durable
// store for cross-process visibility (never for cross-process control).
type CircuitBreakerState struct {
	Tripped         bool      `json:"tripped"`
	LastTripped     time.Time `json:"lastTripped"`
	Reason          string    `json:"reason"`
	ResetTimeout    time.Duration `json:"resetTimeout"`
	MetricsSnapshot string    `json:"metricsSnapshot,omitempty"`
}

// WorkerMetrics is overwritten (not appended) under worker:globalMetrics:<id>.
type WorkerMetrics struct {
	WorkerID           string    `json:"workerId"`
	CurrentConcurrency int       `json:"currentConcurrency"`
	AvgTimePerRecordMs float64   `json:"avgTimePerRecordMs"`
	EstTimeLeftSec     int       `json:"estTimeLeftSec"`
	SuccessCount       int       `json:"successCount"`
	FailureCount       int       `json:"failureCount"`
	Completed          int       `json:"completed"`
	Total              int       `json:"total"`
	Backlog            int       `json:"backlog"`
	AvgCPU             float64   `json:"avgCpu"`
	AvgMem             float64   `json:"avgMem"`
	AvgError           float64   `json:"avgError"`
	ProgressHistory    []float64 `json:"progressHistory"`
	ControllerStatus   string    `json:"controllerStatus"`
	Timestamp          time.Time `json:"timestamp"`
}

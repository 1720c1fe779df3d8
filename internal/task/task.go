// Package task defines the data model shared by every component of the
// crawl orchestration plane: tasks, queue entries, worker records,
// assignments, content records, dedup contexts and error records.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Priority is one of the five ordered scheduling buckets.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityNormal   Priority = "NORMAL"
	PriorityLow      Priority = "LOW"
	PriorityBatch    Priority = "BATCH"
)

// ordinal returns the base used in the queue-entry score formula.
// Lower ordinal means higher effective priority.
func (p Priority) ordinal() int64 {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	case PriorityBatch:
		return 4
	default:
		return 2
	}
}

// Score computes the deterministic priority score: base*1000 +
// created_unix + retry_count*10. Lower score sorts first.
func (p Priority) Score(createdAt time.Time, retryCount int) float64 {
	return float64(p.ordinal()*1000) + float64(createdAt.Unix()) + float64(retryCount*10)
}

// Buckets lists every priority bucket in scan order (highest first),
// the order priority-first scheduling walks.
func Buckets() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBatch}
}

// Status is the mutable lifecycle state of a Task.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRetrying   Status = "RETRYING"
	StatusExpired    Status = "EXPIRED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether a status ends the task's lifecycle; terminal
// statuses release any task-level dedup claim (SPEC_FULL.md §9.2).
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is the unit of crawl work. Identity and creation attributes are
// immutable after construction; Priority/Status/RetryCount/
// AssignedWorker/LastError/Result mutate over the task's lifecycle.
type Task struct {
	ID string `json:"id"`

	URL          string                 `json:"url"`
	Platform     string                 `json:"platform"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	ScheduledFor *time.Time             `json:"scheduled_for,omitempty"`
	ExpiresAt    *time.Time             `json:"expires_at,omitempty"`
	MaxRetries   int                    `json:"max_retries"`
	SessionHint  string                 `json:"session_hint,omitempty"`
	Tags         []string               `json:"tags,omitempty"`

	Priority       Priority `json:"priority"`
	Status         Status   `json:"status"`
	RetryCount     int      `json:"retry_count"`
	AssignedWorker string   `json:"assigned_worker,omitempty"`
	LastError      string   `json:"last_error,omitempty"`
	Result         *Result  `json:"result,omitempty"`
}

// Result carries the outcome a worker attaches to a completed task.
type Result struct {
	ContentID   string    `json:"content_id,omitempty"`
	Duplicate   bool      `json:"duplicate"`
	DuplicateOf string    `json:"duplicate_of,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// New constructs a Task with a fresh ID and PENDING status.
func New(url, platform string, payload map[string]interface{}) *Task {
	return &Task{
		ID:         uuid.NewString(),
		URL:        url,
		Platform:   platform,
		Payload:    payload,
		CreatedAt:  time.Now(),
		MaxRetries: 3,
		Priority:   PriorityNormal,
		Status:     StatusPending,
	}
}

// Score computes this task's current queue-entry score.
func (t *Task) Score() float64 {
	return t.Priority.Score(t.CreatedAt, t.RetryCount)
}

// QueueEntry is the (task, score) pair stored in a priority bucket.
type QueueEntry struct {
	Task  *Task   `json:"task"`
	Score float64 `json:"score"`
}

// WorkerState is a pure function of load, consecutive failures and
// heartbeat freshness (§3 invariant).
type WorkerState string

const (
	WorkerIdle        WorkerState = "IDLE"
	WorkerBusy        WorkerState = "BUSY"
	WorkerOverloaded  WorkerState = "OVERLOADED"
	WorkerFailed      WorkerState = "FAILED"
	WorkerMaintenance WorkerState = "MAINTENANCE"
)

// WorkerMetrics are the rolling performance counters of a WorkerRecord.
type WorkerMetrics struct {
	TotalTasks          int64   `json:"total_tasks"`
	SuccessfulTasks     int64   `json:"successful_tasks"`
	FailedTasks         int64   `json:"failed_tasks"`
	AverageProcessingMS float64 `json:"average_processing_ms"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	PerformanceScore    float64 `json:"performance_score"`
}

// WorkerRecord is the registration and live state of a worker.
type WorkerRecord struct {
	WorkerID      string        `json:"worker_id"`
	RegisteredAt  time.Time     `json:"registered_at"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Capacity      int           `json:"capacity"`
	CurrentLoad   int           `json:"current_load"`
	State         WorkerState   `json:"state"`
	Metrics       WorkerMetrics `json:"metrics"`
}

// Assignment maps a task to the worker processing it.
type Assignment struct {
	TaskID            string        `json:"task_id"`
	WorkerID          string        `json:"worker_id"`
	AssignedAt        time.Time     `json:"assigned_at"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Priority          Priority      `json:"priority"`
}

// ContentRecord is the canonical de-duplicated document stored in the
// Index Store.
type ContentRecord struct {
	ID          string    `json:"id" bson:"id"`
	URL         string    `json:"url" bson:"url"`
	Title       string    `json:"title" bson:"title"`
	Platform    string    `json:"platform" bson:"platform"`
	Author      string    `json:"author,omitempty" bson:"author,omitempty"`
	ContentText string    `json:"content_text" bson:"content_text"`
	PublishTime time.Time `json:"publish_time" bson:"publish_time"`
	ContentHash string    `json:"content_hash" bson:"content_hash"`
	Tags        []string  `json:"tags,omitempty" bson:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
}

// DuplicateType classifies which dedup layer produced a duplicate
// verdict.
type DuplicateType string

const (
	DuplicateNone       DuplicateType = "NO_DUPLICATE"
	DuplicateTask       DuplicateType = "TASK_DUPLICATE"
	DuplicateURL        DuplicateType = "URL_DUPLICATE"
	DuplicateContentHash DuplicateType = "CONTENT_HASH_DUPLICATE"
	DuplicateTitle      DuplicateType = "TITLE_DUPLICATE"
	DuplicateSemantic   DuplicateType = "SEMANTIC_DUPLICATE"
	DuplicateTimeWindow DuplicateType = "TIME_WINDOW_DUPLICATE"
)

// Verdict is the outcome of a deduplication check.
type Verdict struct {
	IsDuplicate bool          `json:"is_duplicate"`
	Type        DuplicateType `json:"type"`
	Confidence  float64       `json:"confidence"`
	MatchedID   string        `json:"matched_id,omitempty"`
	Similarity  float64       `json:"similarity,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

// ErrorCategory is the 11-way error taxonomy (§7).
type ErrorCategory string

const (
	CategoryNetwork    ErrorCategory = "NETWORK"
	CategoryTimeout    ErrorCategory = "TIMEOUT"
	CategoryParsing    ErrorCategory = "PARSING"
	CategoryAuth       ErrorCategory = "AUTH"
	CategoryRateLimit  ErrorCategory = "RATE_LIMIT"
	CategoryContent    ErrorCategory = "CONTENT"
	CategorySystem     ErrorCategory = "SYSTEM"
	CategoryBrowser    ErrorCategory = "BROWSER"
	CategoryDatabase   ErrorCategory = "DATABASE"
	CategoryValidation ErrorCategory = "VALIDATION"
	CategoryUnknown    ErrorCategory = "UNKNOWN"
)

// ErrorSeverity is the 5-way severity scale (§7).
type ErrorSeverity string

const (
	SeverityCritical ErrorSeverity = "CRITICAL"
	SeverityHigh     ErrorSeverity = "HIGH"
	SeverityMedium   ErrorSeverity = "MEDIUM"
	SeverityLow      ErrorSeverity = "LOW"
	SeverityInfo     ErrorSeverity = "INFO"
)

// RecoveryStrategy is the retry strategy selected for an error.
type RecoveryStrategy string

const (
	StrategyImmediateRetry  RecoveryStrategy = "immediate-retry"
	StrategyDelayedRetry    RecoveryStrategy = "delayed-retry"
	StrategyExponential     RecoveryStrategy = "exponential-backoff"
	StrategyLinear          RecoveryStrategy = "linear-backoff"
	StrategyCircuitBreaker  RecoveryStrategy = "circuit-breaker"
	StrategyFallback        RecoveryStrategy = "fallback"
	StrategyEscalate        RecoveryStrategy = "escalate"
	StrategySkip            RecoveryStrategy = "skip"
)

// RecoveryAction is what the caller of the recovery engine should do
// next.
type RecoveryAction string

const (
	ActionRetryTask   RecoveryAction = "RETRY_TASK"
	ActionUseFallback RecoveryAction = "USE_FALLBACK"
	ActionAlertAdmin  RecoveryAction = "ALERT_ADMIN"
	ActionSkip        RecoveryAction = "SKIP"
)

// ErrorRecord is the immutable record of one task-level failure.
type ErrorRecord struct {
	ID                string           `json:"id"`
	TaskID            string           `json:"task_id"`
	WorkerID          string           `json:"worker_id"`
	Message           string           `json:"message"`
	Category          ErrorCategory    `json:"category"`
	Severity          ErrorSeverity    `json:"severity"`
	URL               string           `json:"url,omitempty"`
	ResponseStatus    int              `json:"response_status,omitempty"`
	StackTrace        string           `json:"stack_trace,omitempty"`
	RecoveryAttempts  int              `json:"recovery_attempts"`
	RecoveryStrategy  RecoveryStrategy `json:"recovery_strategy,omitempty"`
	RecoveryActions   []RecoveryAction `json:"recovery_actions,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// NewErrorRecord builds an ErrorRecord with a fresh ID and timestamp.
func NewErrorRecord(taskID, workerID, message string) *ErrorRecord {
	return &ErrorRecord{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		WorkerID:  workerID,
		Message:   message,
		Category:  CategoryUnknown,
		Severity:  SeverityMedium,
		CreatedAt: time.Now(),
	}
}

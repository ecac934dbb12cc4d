// Package oplog implements the persisted, correlated operation log: batched
// structured entries decorated with the current logscope frame, flushed to a
// SQL store and broadcast to live subscribers.
package oplog

import (
	"regexp"
	"time"
)

// Level is the severity of an operation log entry.
type Level string

// Entry severity levels.
const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warn"
	LevelError   Level = "error"
	LevelFatal   Level = "fatal"
)

// Category classifies an operation log entry. The persistence filter and the
// result-derivation exemption key off the category.
type Category string

// Entry categories. Command and the four model-traffic categories are always
// persisted; the rest only when customLogger.otherLogs is enabled.
const (
	CategoryCommand         Category = "Command"
	CategoryModelPrompt     Category = "ModelPrompt"
	CategoryModelCompletion Category = "ModelCompletion"
	CategoryModelRequest    Category = "ModelRequest"
	CategoryModelResponse   Category = "ModelResponse"
	CategoryGeneral         Category = "General"
	CategoryAutoOps         Category = "AutoOps"
	CategoryTrigger         Category = "Trigger"
	CategoryEmbedding       Category = "Embedding"
	CategoryUsage           Category = "Usage"
)

// ResultTag annotates an entry with a success/failure verdict.
// The empty tag persists as NULL.
type ResultTag string

// Result verdicts.
const (
	ResultNone    ResultTag = ""
	ResultSuccess ResultTag = "SUCCESS"
	ResultFailed  ResultTag = "FAILED"
)

// Entry is one operation log row.
type Entry struct {
	ID                 int64     `db:"id" json:"id,omitempty"`
	Timestamp          time.Time `db:"ts" json:"ts"`
	Level              Level     `db:"level" json:"level"`
	Category           Category  `db:"category" json:"category"`
	Message            string    `db:"message" json:"message"`
	Exception          string    `db:"exception" json:"exception,omitempty"`
	ThreadID           int64     `db:"thread_id" json:"thread_id"`
	ThreadScope        string    `db:"thread_scope" json:"thread_scope,omitempty"`
	StoryCorrelationID string    `db:"story_correlation_id" json:"story_correlation_id,omitempty"`
	AgentName          string    `db:"agent_name" json:"agent_name,omitempty"`
	ModelName          string    `db:"model_name" json:"model_name,omitempty"`
	StepNumber         int       `db:"step_number" json:"step_number,omitempty"`
	MaxStep            int       `db:"max_step" json:"max_step,omitempty"`
	ChatText           string    `db:"chat_text" json:"chat_text,omitempty"`
	Result             ResultTag `db:"result" json:"result,omitempty"`
	ResultFailReason   string    `db:"result_fail_reason" json:"result_fail_reason,omitempty"`
	Examined           bool      `db:"examined" json:"examined"`
}

// modelTraffic holds the categories whose payloads may legitimately contain
// failure vocabulary; results are never derived from their content.
var modelTraffic = map[Category]bool{
	CategoryModelPrompt:     true,
	CategoryModelCompletion: true,
	CategoryModelRequest:    true,
	CategoryModelResponse:   true,
}

// IsModelTraffic reports whether c carries raw model payloads.
func IsModelTraffic(c Category) bool { return modelTraffic[c] }

var (
	failedWords  = regexp.MustCompile(`(?i)\b(fail|failed|failure|error|errors|exception)\b`)
	successWords = regexp.MustCompile(`(?i)\b(success|successful|completed|passed)\b`)
)

// DeriveResult infers a verdict for an entry without an explicit result.
// Model-traffic categories are exempt: their content is never inspected.
// Error-or-worse levels are FAILED regardless of content; otherwise a
// word-boundary match decides, with failure vocabulary taking precedence.
func DeriveResult(level Level, category Category, message string) ResultTag {
	if IsModelTraffic(category) {
		return ResultNone
	}
	if level == LevelError || level == LevelFatal {
		return ResultFailed
	}
	if failedWords.MatchString(message) {
		return ResultFailed
	}
	if successWords.MatchString(message) {
		return ResultSuccess
	}
	return ResultNone
}

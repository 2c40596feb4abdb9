package remote

import (
	"encoding/json"
	"time"
)

// ResultKind discriminates the outcome of a status fetch that reached the server.
type ResultKind int

const (
	ResultOK ResultKind = iota
	ResultNotFound
	ResultServerError
)

func (k ResultKind) String() string {
	switch k {
	case ResultOK:
		return "ok"
	case ResultNotFound:
		return "not_found"
	case ResultServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// StatusResult is the validated answer of GET /tasks/{id}. Status is only set for ResultOK
// and Detail only for ResultServerError.
type StatusResult struct {
	Kind   ResultKind
	Status TaskStatus
	Code   int
	Detail string
}

// TaskStatus is the normalized remote view of a task. Stage and Status are kept as raw
// strings; the store decides whether they are acceptable.
type TaskStatus struct {
	Status                 string
	Stage                  string
	Progress               int
	Message                string
	EstimatedTimeRemaining *time.Duration
	Quality                *float64
	Iterations             *int
	Error                  string
}

// wireTaskStatus accepts both camelCase and snake_case spellings.
type wireTaskStatus struct {
	Status   string   `json:"status"`
	Stage    string   `json:"stage"`
	Progress *float64 `json:"progress"`
	Message  *string  `json:"message"`

	EstimatedTimeRemaining      *float64 `json:"estimatedTimeRemaining"`
	EstimatedTimeRemainingSnake *float64 `json:"estimated_time_remaining"`

	Quality    *float64 `json:"quality"`
	Iterations *int     `json:"iterations"`

	Error json.RawMessage `json:"error"`
}

func (w wireTaskStatus) normalize() TaskStatus {
	out := TaskStatus{Status: w.Status, Stage: w.Stage, Quality: w.Quality, Iterations: w.Iterations}
	if w.Progress != nil {
		out.Progress = int(*w.Progress + 0.5)
	}
	if w.Message != nil {
		out.Message = *w.Message
	}
	eta := w.EstimatedTimeRemaining
	if eta == nil {
		eta = w.EstimatedTimeRemainingSnake
	}
	if eta != nil && *eta >= 0 {
		d := time.Duration(*eta * float64(time.Second))
		out.EstimatedTimeRemaining = &d
	}
	out.Error = decodeErrorField(w.Error)
	return out
}

// decodeErrorField handles "error": "text" and "error": {"message": "text"}.
func decodeErrorField(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		return obj.Detail
	}
	return string(raw)
}

type VersionRequest struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Stage       string `json:"stage"`
}

type CreatedVersion struct {
	ID        string    `json:"id"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type VersionContent struct {
	Content  json.RawMessage `json:"content"`
	Metadata map[string]any  `json:"metadata"`
}

type Change struct {
	Type    string `json:"type"`
	Section string `json:"section"`
	Content string `json:"content"`
}

type VersionDiff struct {
	Diff    string   `json:"diff"`
	Changes []Change `json:"changes"`
}

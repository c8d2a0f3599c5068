package job

import (
	"encoding/json"
	"strings"
	"time"
)

// View is the user-facing serialization of a job. Connection parameters
// (host, port, dbname, dbuser, pass) are stripped.
type View struct {
	JobID        string          `json:"job_id"`
	User         string          `json:"user"`
	Status       Status          `json:"status"`
	Query        json.RawMessage `json:"query"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
	FailedReason string          `json:"failed_reason,omitempty"`
}

type nodeView struct {
	ID             string   `json:"id,omitempty"`
	AnalysisID     string   `json:"analysis_id,omitempty"`
	NodeID         string   `json:"node_id,omitempty"`
	NodeType       string   `json:"node_type,omitempty"`
	Query          string   `json:"query"`
	OnSuccess      string   `json:"onsuccess,omitempty"`
	OnError        string   `json:"onerror,omitempty"`
	Status         Status   `json:"status"`
	FallbackStatus Status   `json:"fallback_status,omitempty"`
	StartedAt      string   `json:"started_at,omitempty"`
	EndedAt        string   `json:"ended_at,omitempty"`
	Elapsed        *float64 `json:"elapsed,omitempty"`
}

type fallbackView struct {
	Query          []nodeView `json:"query"`
	OnSuccess      string     `json:"onsuccess,omitempty"`
	OnError        string     `json:"onerror,omitempty"`
	FallbackStatus Status     `json:"fallback_status,omitempty"`
}

// ToView builds the external serialization of the job.
func (j *Job) ToView() View {
	return View{
		JobID:        j.ID,
		User:         j.User,
		Status:       j.Status,
		Query:        j.queryView(),
		CreatedAt:    j.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    j.UpdatedAt.UTC().Format(time.RFC3339),
		FailedReason: j.FailedReason,
	}
}

func (j *Job) queryView() json.RawMessage {
	switch j.Query.Kind {
	case KindMultiple:
		data, _ := json.Marshal(j.Query.Multiple)
		return data
	case KindFallback:
		view := fallbackView{
			OnSuccess:      j.Query.Fallback.OnSuccess,
			OnError:        j.Query.Fallback.OnError,
			FallbackStatus: j.Query.Fallback.FallbackStatus,
		}
		for _, node := range j.Query.Fallback.Queries {
			view.Query = append(view.Query, newNodeView(node))
		}
		data, _ := json.Marshal(view)
		return data
	default:
		data, _ := json.Marshal(j.Query.Simple)
		return data
	}
}

func newNodeView(node *FallbackNode) nodeView {
	view := nodeView{
		ID:             node.ID,
		Query:          node.Query,
		OnSuccess:      node.OnSuccess,
		OnError:        node.OnError,
		Status:         node.Status,
		FallbackStatus: node.FallbackStatus,
		StartedAt:      node.StartedAt,
		EndedAt:        node.EndedAt,
		Elapsed:        elapsedSeconds(node.StartedAt, node.EndedAt),
	}
	// Analysis node ids have the shape analysisId:nodeId:nodeType.
	if parts := strings.Split(node.ID, ":"); len(parts) == 3 {
		view.AnalysisID = parts[0]
		view.NodeID = parts[1]
		view.NodeType = parts[2]
	}
	return view
}

// elapsedSeconds is nil unless both endpoints are present and parseable.
func elapsedSeconds(startedAt, endedAt string) *float64 {
	if startedAt == "" || endedAt == "" {
		return nil
	}
	start, err := time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return nil
	}
	end, err := time.Parse(time.RFC3339, endedAt)
	if err != nil {
		return nil
	}
	elapsed := end.Sub(start).Seconds()
	return &elapsed
}

package job

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Kind discriminates the three query payload shapes a job can carry.
type Kind string

const (
	KindSimple   Kind = "simple"
	KindMultiple Kind = "multiple"
	KindFallback Kind = "fallback"
)

// Query is a closed tagged union over the three job variants. Exactly one of
// Simple, Multiple or Fallback is populated, according to Kind.
type Query struct {
	Kind     Kind
	Simple   string
	Multiple []*Statement
	Fallback *FallbackQuery
}

// Statement is one ordered sub-query of a multiple-statement job.
type Statement struct {
	Query  string `json:"query"`
	Status Status `json:"status"`
}

// FallbackQuery is the job-level fallback shape: ordered query nodes plus an
// optional job-scoped onsuccess/onerror pair with its own status track.
type FallbackQuery struct {
	Queries        []*FallbackNode `json:"query"`
	OnSuccess      string          `json:"onsuccess,omitempty"`
	OnError        string          `json:"onerror,omitempty"`
	FallbackStatus Status          `json:"fallback_status,omitempty"`
}

// FallbackNode is one query node of a fallback job. StartedAt/EndedAt are
// RFC3339 strings, empty until the node starts/finishes.
type FallbackNode struct {
	ID             string `json:"id,omitempty"`
	Query          string `json:"query"`
	OnSuccess      string `json:"onsuccess,omitempty"`
	OnError        string `json:"onerror,omitempty"`
	Status         Status `json:"status"`
	FallbackStatus Status `json:"fallback_status,omitempty"`
	StartedAt      string `json:"started_at,omitempty"`
	EndedAt        string `json:"ended_at,omitempty"`
}

// HasFallback reports whether the node carries any callback SQL.
func (n *FallbackNode) HasFallback() bool {
	return n.OnSuccess != "" || n.OnError != ""
}

// HasFallback reports whether the job itself carries callback SQL.
func (q *FallbackQuery) HasFallback() bool {
	return q.OnSuccess != "" || q.OnError != ""
}

// rawNode is the submission-time shape of one array element, permissive
// enough to accept both multiple-statement and fallback payloads.
type rawNode struct {
	ID        string `json:"id"`
	Query     string `json:"query"`
	OnSuccess string `json:"onsuccess"`
	OnError   string `json:"onerror"`
}

type rawWrapper struct {
	Query     json.RawMessage `json:"query"`
	OnSuccess string          `json:"onsuccess"`
	OnError   string          `json:"onerror"`
}

// ParseQuery classifies a submitted query payload into one of the three
// variants. A payload that is not valid JSON is a plain SQL string. An array
// of strings, or of nodes none of which carry callbacks, is a
// multiple-statement job. Anything carrying onsuccess/onerror at node or job
// scope is a fallback job. Statuses default to pending.
func ParseQuery(raw string) (Query, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Query{}, errors.New("job query cannot be empty")
	}

	var payload json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return Query{Kind: KindSimple, Simple: raw}, nil
	}

	switch trimmed[0] {
	case '"':
		var sql string
		if err := json.Unmarshal(payload, &sql); err != nil {
			return Query{}, errors.WithStack(err)
		}
		if strings.TrimSpace(sql) == "" {
			return Query{}, errors.New("job query cannot be empty")
		}
		return Query{Kind: KindSimple, Simple: sql}, nil
	case '[':
		return parseQueryList(payload, "", "")
	case '{':
		var wrapper rawWrapper
		if err := json.Unmarshal(payload, &wrapper); err != nil {
			return Query{}, errors.WithStack(err)
		}
		if len(wrapper.Query) == 0 {
			return Query{}, errors.New("job query must carry a query list")
		}
		return parseQueryList(wrapper.Query, wrapper.OnSuccess, wrapper.OnError)
	default:
		// Numbers, booleans etc. are valid JSON but never valid SQL shapes,
		// treat them as plain SQL and let the database reject them.
		return Query{Kind: KindSimple, Simple: raw}, nil
	}
}

func parseQueryList(payload json.RawMessage, onSuccess, onError string) (Query, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(payload, &elements); err != nil {
		return Query{}, errors.WithStack(err)
	}
	if len(elements) == 0 {
		return Query{}, errors.New("job query list cannot be empty")
	}

	nodes := make([]*rawNode, 0, len(elements))
	hasCallbacks := onSuccess != "" || onError != ""
	for _, element := range elements {
		node := &rawNode{}
		if len(element) > 0 && element[0] == '"' {
			if err := json.Unmarshal(element, &node.Query); err != nil {
				return Query{}, errors.WithStack(err)
			}
		} else {
			if err := json.Unmarshal(element, node); err != nil {
				return Query{}, errors.WithStack(err)
			}
		}
		if strings.TrimSpace(node.Query) == "" {
			return Query{}, errors.New("job query list contains an empty query")
		}
		if node.OnSuccess != "" || node.OnError != "" {
			hasCallbacks = true
		}
		nodes = append(nodes, node)
	}

	if !hasCallbacks {
		statements := make([]*Statement, len(nodes))
		for i, node := range nodes {
			statements[i] = &Statement{Query: node.Query, Status: StatusPending}
		}
		return Query{Kind: KindMultiple, Multiple: statements}, nil
	}

	fallbackNodes := make([]*FallbackNode, len(nodes))
	for i, node := range nodes {
		fallbackNodes[i] = &FallbackNode{
			ID:        node.ID,
			Query:     node.Query,
			OnSuccess: node.OnSuccess,
			OnError:   node.OnError,
			Status:    StatusPending,
		}
		if fallbackNodes[i].HasFallback() {
			fallbackNodes[i].FallbackStatus = StatusPending
		}
	}
	fallback := &FallbackQuery{
		Queries:   fallbackNodes,
		OnSuccess: onSuccess,
		OnError:   onError,
	}
	if fallback.HasFallback() {
		fallback.FallbackStatus = StatusPending
	}
	return Query{Kind: KindFallback, Fallback: fallback}, nil
}

// Encode serializes the query for hash persistence: simple jobs store the
// raw SQL, structured jobs are JSON-encoded.
func (q Query) Encode() (string, error) {
	switch q.Kind {
	case KindSimple:
		return q.Simple, nil
	case KindMultiple:
		data, err := json.Marshal(q.Multiple)
		return string(data), errors.WithStack(err)
	case KindFallback:
		data, err := json.Marshal(q.Fallback)
		return string(data), errors.WithStack(err)
	default:
		return "", errors.Errorf("unknown query kind %q", q.Kind)
	}
}

// DecodeQuery restores a persisted query field. Statuses are already present
// in persisted payloads, so no defaulting happens here.
func DecodeQuery(raw string) (Query, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Query{}, errors.New("persisted job query is empty")
	}
	switch trimmed[0] {
	case '[':
		var statements []*Statement
		if err := json.Unmarshal([]byte(trimmed), &statements); err != nil {
			return Query{}, errors.WithStack(err)
		}
		return Query{Kind: KindMultiple, Multiple: statements}, nil
	case '{':
		fallback := &FallbackQuery{}
		if err := json.Unmarshal([]byte(trimmed), fallback); err != nil {
			return Query{}, errors.WithStack(err)
		}
		return Query{Kind: KindFallback, Fallback: fallback}, nil
	default:
		return Query{Kind: KindSimple, Simple: raw}, nil
	}
}

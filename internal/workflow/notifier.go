package workflow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Notifier publishes execution lifecycle events to the configured audit
// and event-bus endpoints and fans them out to in-process subscribers
// for SSE streaming. All delivery is best effort; a dead endpoint never
// blocks the engine.
type Notifier struct {
	auditURL string
	eventURL string
	client   *http.Client

	mu   sync.Mutex
	subs map[string][]chan map[string]any
}

func NewNotifier(auditURL, eventURL string, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{
		auditURL: auditURL,
		eventURL: eventURL,
		client:   &http.Client{Timeout: timeout},
		subs:     make(map[string][]chan map[string]any),
	}
}

func (n *Notifier) ExecutionEvent(e *Execution, event, note string) {
	if n == nil {
		return
	}
	payload := map[string]any{
		"event":        event,
		"execution_id": e.ID,
		"workflow_id":  e.WorkflowID,
		"status":       e.Status,
		"trigger_type": e.TriggerType,
		"note":         note,
		"ts":           time.Now().UTC().Format(time.RFC3339),
	}
	n.publish(e.ID, payload)
	n.postAudit(payload)
	n.postEventBus(payload)
}

func (n *Notifier) StepEvent(e *Execution, l *StepLog, stepName string, actionType ActionType, event string) {
	if n == nil {
		return
	}
	payload := map[string]any{
		"event":        event,
		"execution_id": e.ID,
		"workflow_id":  e.WorkflowID,
		"step_id":      l.StepID,
		"step_name":    stepName,
		"action_type":  actionType,
		"step_status":  l.Status,
		"attempt":      l.RetryAttempt,
		"error":        l.ErrorMessage,
		"ts":           time.Now().UTC().Format(time.RFC3339),
	}
	n.publish(e.ID, payload)
	n.postAudit(payload)
	n.postEventBus(payload)
}

// Subscribe returns a channel of events for one execution. The caller
// must Unsubscribe with the same channel when done. Slow subscribers
// drop events rather than blocking publishers.
func (n *Notifier) Subscribe(executionID string) chan map[string]any {
	ch := make(chan map[string]any, 16)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs[executionID] = append(n.subs[executionID], ch)
	return ch
}

func (n *Notifier) Unsubscribe(executionID string, ch chan map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subs := n.subs[executionID]
	for i, sub := range subs {
		if sub == ch {
			n.subs[executionID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(n.subs[executionID]) == 0 {
		delete(n.subs, executionID)
	}
	close(ch)
}

func (n *Notifier) publish(executionID string, payload map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs[executionID] {
		select {
		case ch <- payload:
		default:
		}
	}
}

func (n *Notifier) postAudit(payload map[string]any) {
	if n.auditURL == "" {
		return
	}
	n.postJSON(n.auditURL+"/v1/events", payload)
}

func (n *Notifier) postEventBus(payload map[string]any) {
	if n.eventURL == "" {
		return
	}
	body := map[string]any{
		"topic":   payload["event"],
		"payload": payload,
	}
	n.postJSON(n.eventURL+"/v1/events", body)
}

func (n *Notifier) postJSON(url string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err == nil {
		resp.Body.Close()
	}
}

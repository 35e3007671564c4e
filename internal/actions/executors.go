package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ronappleton/workflow-engine/internal/workflow"
)

// Deps carries what the executors need. Sleep is injectable so delay
// steps are testable without waiting.
type Deps struct {
	Records RecordAPI
	Client  *http.Client
	Logger  *zap.Logger
	Sleep   func(ctx context.Context, d time.Duration) error
}

// NewRegistry builds the executor registry for every supported action
// type. Condition steps are handled inside the engine and have no
// executor here.
func NewRegistry(deps Deps) *workflow.Registry {
	if deps.Client == nil {
		deps.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Sleep == nil {
		deps.Sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}
	}

	r := workflow.NewRegistry()
	r.Register(workflow.ActionWebhook, &webhookExecutor{client: deps.Client})
	r.Register(workflow.ActionDelay, workflow.ExecutorFunc(func(ctx context.Context, cfg map[string]any, _ workflow.Context) (map[string]any, error) {
		seconds, ok := floatField(cfg, "seconds")
		if !ok || seconds < 0 {
			return nil, workflow.NewConfigurationError("seconds", "must be a non-negative number")
		}
		if err := deps.Sleep(ctx, time.Duration(seconds*float64(time.Second))); err != nil {
			return nil, err
		}
		return map[string]any{"slept_seconds": seconds}, nil
	}))

	records := &recordExecutors{api: deps.Records, logger: deps.Logger}
	r.Register(workflow.ActionSendEmail, workflow.ExecutorFunc(records.sendEmail))
	r.Register(workflow.ActionCreateRecord, workflow.ExecutorFunc(records.createRecord))
	r.Register(workflow.ActionUpdateRecord, workflow.ExecutorFunc(records.updateRecord))
	r.Register(workflow.ActionDeleteRecord, workflow.ExecutorFunc(records.deleteRecord))
	r.Register(workflow.ActionUpdateField, workflow.ExecutorFunc(records.updateField))
	r.Register(workflow.ActionAssignUser, workflow.ExecutorFunc(records.assignUser))
	r.Register(workflow.ActionAddTag, workflow.ExecutorFunc(records.addTag))
	r.Register(workflow.ActionRemoveTag, workflow.ExecutorFunc(records.removeTag))
	r.Register(workflow.ActionSendNotification, workflow.ExecutorFunc(records.sendNotification))
	r.Register(workflow.ActionCreateTask, workflow.ExecutorFunc(records.createTask))
	r.Register(workflow.ActionMoveStage, workflow.ExecutorFunc(records.moveStage))
	r.Register(workflow.ActionUpdateRelatedRecord, workflow.ExecutorFunc(records.updateRelatedRecord))
	return r
}

func stringField(cfg map[string]any, key string) (string, bool) {
	s, ok := cfg[key].(string)
	return s, ok && s != ""
}

func floatField(cfg map[string]any, key string) (float64, bool) {
	switch v := cfg[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func mapField(cfg map[string]any, key string) (map[string]any, bool) {
	m, ok := cfg[key].(map[string]any)
	return m, ok
}

func contextRecordID(execCtx workflow.Context) (string, error) {
	id, _ := execCtx["record_id"].(string)
	if id == "" {
		return "", fmt.Errorf("execution context has no record_id")
	}
	return id, nil
}

// webhookExecutor calls an external URL, optionally signing the body
// with the step's secret the same way inbound webhooks are verified.
type webhookExecutor struct {
	client *http.Client
}

func (e *webhookExecutor) Execute(ctx context.Context, cfg map[string]any, execCtx workflow.Context) (map[string]any, error) {
	url, ok := stringField(cfg, "url")
	if !ok {
		return nil, workflow.NewConfigurationError("url", "is required")
	}
	method, ok := stringField(cfg, "method")
	if !ok {
		method = http.MethodPost
	}

	var bodyBytes []byte
	if body, ok := cfg["body"]; ok {
		raw, err := json.Marshal(RenderValue(body, execCtx))
		if err != nil {
			return nil, workflow.NewConfigurationError("body", err.Error())
		}
		bodyBytes = raw
	} else if method != http.MethodGet {
		raw, err := json.Marshal(map[string]any{
			"record":    execCtx["record"],
			"record_id": execCtx["record_id"],
			"changes":   execCtx["changes"],
		})
		if err != nil {
			return nil, err
		}
		bodyBytes = raw
	}

	req, err := http.NewRequestWithContext(ctx, method, Render(url, execCtx), bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, workflow.NewConfigurationError("url", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := mapField(cfg, "headers"); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(key, Render(s, execCtx))
			}
		}
	}
	if secret, ok := stringField(cfg, "secret"); ok {
		now := time.Now()
		req.Header.Set("X-Workflow-Timestamp", strconv.FormatInt(now.Unix(), 10))
		req.Header.Set("X-Workflow-Signature", workflow.SignPayload(secret, now, bodyBytes))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook %s returned status %d", method, resp.StatusCode)
	}
	out := map[string]any{"status_code": resp.StatusCode}
	var parsed map[string]any
	if json.Unmarshal(snippet, &parsed) == nil {
		out["response"] = parsed
	}
	return out, nil
}

type recordExecutors struct {
	api    RecordAPI
	logger *zap.Logger
}

func (e *recordExecutors) ready() error {
	if e.api == nil {
		return fmt.Errorf("record service is not configured")
	}
	return nil
}

func (e *recordExecutors) sendEmail(ctx context.Context, cfg map[string]any, execCtx workflow.Context) (map[string]any, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	to, ok := stringField(cfg, "to")
	if !ok {
		return nil, workflow.NewConfigurationError("to", "is required")
	}
	subject, ok := stringField(cfg, "subject")
	if !ok {
		return nil, workflow.NewConfigurationError("subject", "is required")
	}
	body, _ := stringField(cfg, "body")
	templateID, _ := stringField(cfg, "template_id")
	to = Render(to, execCtx)
	if err := e.api.SendEmail(ctx, to, Render(subject, execCtx), Render(body, execCtx), templateID); err != nil {
		return nil, err
	}
	return map[string]any{"sent_to": to}, nil
}

func (e *recordExecutors) createRecord(ctx context.Context, cfg map[string]any, execCtx workflow.Context) (map[string]any, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	moduleID, ok := floatField(cfg, "module_id")
	if !ok {
		return nil, workflow.NewConfigurationError("module_id", "is required")
	}
	fields, ok := mapField(cfg, "fields")
	if !ok {
		return nil, workflow.NewConfigurationError("fields", "is required")
	}
	rendered, _ := RenderValue(fields, execCtx).(map[string]any)
	id, err := e.api.CreateRecord(ctx, int64(moduleID), rendered)
	if err != nil {
		return nil, err
	}
	return map[string]any{"record_id": id}, nil
}

func (e *recordExecutors) updateRecord(ctx context.Context, cfg map[string]any, execCtx workflow.Context) (map[string]any, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	fields, ok := mapField(cfg, "fields")
	if !ok || len(fields) == 0 {
		return nil, workflow.NewConfigurationError("fields", "is required")
	}
	recordID, err := contextRecordID(execCtx)
	if err != nil {
		return nil, err
	}
	rendered, _ := RenderValue(fields, execCtx).(map[string]any)
	if err := e.api.UpdateRecord(ctx, recordID, rendered); err != nil {
		return nil, err
	}
	return map[string]any{"updated": recordID}, nil
}

func (e *recordExecutors) updateField(ctx context.Context, cfg map[string]any, execCtx workflow.Context) (map[string]any, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	field, ok := stringField(cfg, "field")
	if !ok {
		return nil, workflow.NewConfigurationError("field", "is required")
	}
	recordID, err := contextRecordID(execCtx)
	if err != nil {
		return nil, err
	}
	value := RenderValue(cfg["value"], execCtx)
	if err := e.api.UpdateRecord(ctx, recordID, map[string]any{field: value}); err != nil {
		return nil, err
	}
	return map[string]any{"field": field, "value": value}, nil
}

func (e *recordExecutors) deleteRecord(ctx context.Context, _ map[string]any, execCtx workflow.Context) (map[string]any, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	recordID, err := contextRecordID(execCtx)
	if err != nil {
		return nil, err
	}
	if err := e.api.DeleteRecord(ctx, recordID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": recordID}, nil
}

func (e *recordExecutors) assignUser(ctx context.Context, cfg map[string]any, execCtx workflow.Context) (map[string]any, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	userID, ok := stringField(cfg, "user_id")
	if !ok {
		return nil, workflow.NewConfigurationError("user_id", "is required")
	}
	recordID, err := contextRecordID(execCtx)
	if err != nil {
		return nil, err
	}
	userID = Render(userID, execCtx)
	if err := e.api.AssignUser(ctx, recordID, userID); err != nil {
		return nil, err
	}
	return map[string]any{"assigned_to": userID}, nil
}

func (e *recordExecutors) addTag(ctx context.Context, cfg map[string]any, execCtx workflow.Context) (map[string]any, error) {
	return e.tagOp(ctx, cfg, execCtx, e.apiAddTag)
}

func (e *recordExecutors) removeTag(ctx context.Context, cfg map[string]any, execCtx workflow.Context) (map[string]any, error) {
	return e.tagOp(ctx, cfg, execCtx, e.apiRemoveTag)
}

func (e *recordExecutors) apiAddTag(ctx context.Context, recordID, tag string) error {
	return e.api.AddTag(ctx, recordID, tag)
}

func (e *recordExecutors) apiRemoveTag(ctx context.Context, recordID, tag string) error {
	return e.api.RemoveTag(ctx, recordID, tag)
}

func (e *recordExecutors) tagOp(ctx context.Context, cfg map[string]any, execCtx workflow.Context, op func(context.Context, string, string) error) (map[string]any, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	tag, ok := stringField(cfg, "tag")
	if !ok {
		return nil, workflow.NewConfigurationError("tag", "is required")
	}
	recordID, err := contextRecordID(execCtx)
	if err != nil {
		return nil, err
	}
	tag = Render(tag, execCtx)
	if err := op(ctx, recordID, tag); err != nil {
		return nil, err
	}
	return map[string]any{"tag": tag}, nil
}

func (e *recordExecutors) sendNotification(ctx context.Context, cfg map[string]any, execCtx workflow.Context) (map[string]any, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	message, ok := stringField(cfg, "message")
	if !ok {
		return nil, workflow.NewConfigurationError("message", "is required")
	}
	var userIDs []string
	if raw, ok := cfg["user_ids"].([]any); ok {
		for _, item := range raw {
			if s, ok := item.(string); ok {
				userIDs = append(userIDs, Render(s, execCtx))
			}
		}
	}
	if len(userIDs) == 0 {
		if owner, ok := execCtx["user_id"].(string); ok && owner != "" {
			userIDs = []string{owner}
		}
	}
	if err := e.api.SendNotification(ctx, userIDs, Render(message, execCtx)); err != nil {
		return nil, err
	}
	return map[string]any{"notified": len(userIDs)}, nil
}

func (e *recordExecutors) createTask(ctx context.Context, cfg map[string]any, execCtx workflow.Context) (map[string]any, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	title, ok := stringField(cfg, "title")
	if !ok {
		return nil, workflow.NewConfigurationError("title", "is required")
	}
	task := map[string]any{"title": Render(title, execCtx)}
	if days, ok := floatField(cfg, "due_in_days"); ok {
		task["due_at"] = time.Now().UTC().AddDate(0, 0, int(days)).Format(time.RFC3339)
	}
	if assignee, ok := stringField(cfg, "assignee_id"); ok {
		task["assignee_id"] = Render(assignee, execCtx)
	}
	if recordID, err := contextRecordID(execCtx); err == nil {
		task["record_id"] = recordID
	}
	id, err := e.api.CreateTask(ctx, task)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task_id": id}, nil
}

func (e *recordExecutors) moveStage(ctx context.Context, cfg map[string]any, execCtx workflow.Context) (map[string]any, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	stage, ok := stringField(cfg, "stage")
	if !ok {
		return nil, workflow.NewConfigurationError("stage", "is required")
	}
	recordID, err := contextRecordID(execCtx)
	if err != nil {
		return nil, err
	}
	stage = Render(stage, execCtx)
	if err := e.api.MoveStage(ctx, recordID, stage); err != nil {
		return nil, err
	}
	return map[string]any{"stage": stage}, nil
}

func (e *recordExecutors) updateRelatedRecord(ctx context.Context, cfg map[string]any, execCtx workflow.Context) (map[string]any, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	relation, ok := stringField(cfg, "relation")
	if !ok {
		return nil, workflow.NewConfigurationError("relation", "is required")
	}
	fields, ok := mapField(cfg, "fields")
	if !ok || len(fields) == 0 {
		return nil, workflow.NewConfigurationError("fields", "is required")
	}
	// The related record id lives on the triggering record under the
	// relation's foreign key.
	record, _ := execCtx["record"].(map[string]any)
	relatedID, _ := workflow.ResolvePath(record, relation).(string)
	if relatedID == "" {
		return nil, fmt.Errorf("record has no related id under %q", relation)
	}
	rendered, _ := RenderValue(fields, execCtx).(map[string]any)
	if err := e.api.UpdateRecord(ctx, relatedID, rendered); err != nil {
		return nil, err
	}
	return map[string]any{"updated": relatedID}, nil
}

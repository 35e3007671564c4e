package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// RecordAPI is the surface the record-mutating executors need from the
// CRM's record service.
type RecordAPI interface {
	CreateRecord(ctx context.Context, moduleID int64, fields map[string]any) (string, error)
	UpdateRecord(ctx context.Context, recordID string, fields map[string]any) error
	DeleteRecord(ctx context.Context, recordID string) error
	AddTag(ctx context.Context, recordID, tag string) error
	RemoveTag(ctx context.Context, recordID, tag string) error
	AssignUser(ctx context.Context, recordID, userID string) error
	MoveStage(ctx context.Context, recordID, stage string) error
	CreateTask(ctx context.Context, task map[string]any) (string, error)
	SendNotification(ctx context.Context, userIDs []string, message string) error
	SendEmail(ctx context.Context, to, subject, body, templateID string) error
}

// HTTPRecordAPI talks to the record service over its JSON API.
type HTTPRecordAPI struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewHTTPRecordAPI(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPRecordAPI {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPRecordAPI{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (a *HTTPRecordAPI) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("record service %s %s: status %d: %s", method, path, resp.StatusCode, snippet)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (a *HTTPRecordAPI) CreateRecord(ctx context.Context, moduleID int64, fields map[string]any) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	err := a.do(ctx, http.MethodPost, "/v1/records", map[string]any{
		"module_id": moduleID,
		"fields":    fields,
	}, &created)
	return created.ID, err
}

func (a *HTTPRecordAPI) UpdateRecord(ctx context.Context, recordID string, fields map[string]any) error {
	return a.do(ctx, http.MethodPatch, "/v1/records/"+recordID, map[string]any{"fields": fields}, nil)
}

func (a *HTTPRecordAPI) DeleteRecord(ctx context.Context, recordID string) error {
	return a.do(ctx, http.MethodDelete, "/v1/records/"+recordID, nil, nil)
}

func (a *HTTPRecordAPI) AddTag(ctx context.Context, recordID, tag string) error {
	return a.do(ctx, http.MethodPost, "/v1/records/"+recordID+"/tags", map[string]any{"tag": tag}, nil)
}

func (a *HTTPRecordAPI) RemoveTag(ctx context.Context, recordID, tag string) error {
	return a.do(ctx, http.MethodDelete, "/v1/records/"+recordID+"/tags/"+tag, nil, nil)
}

func (a *HTTPRecordAPI) AssignUser(ctx context.Context, recordID, userID string) error {
	return a.do(ctx, http.MethodPost, "/v1/records/"+recordID+"/assign", map[string]any{"user_id": userID}, nil)
}

func (a *HTTPRecordAPI) MoveStage(ctx context.Context, recordID, stage string) error {
	return a.do(ctx, http.MethodPost, "/v1/records/"+recordID+"/stage", map[string]any{"stage": stage}, nil)
}

func (a *HTTPRecordAPI) CreateTask(ctx context.Context, task map[string]any) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	err := a.do(ctx, http.MethodPost, "/v1/tasks", task, &created)
	return created.ID, err
}

func (a *HTTPRecordAPI) SendNotification(ctx context.Context, userIDs []string, message string) error {
	return a.do(ctx, http.MethodPost, "/v1/notifications", map[string]any{
		"user_ids": userIDs,
		"message":  message,
	}, nil)
}

func (a *HTTPRecordAPI) SendEmail(ctx context.Context, to, subject, body, templateID string) error {
	return a.do(ctx, http.MethodPost, "/v1/emails", map[string]any{
		"to":          to,
		"subject":     subject,
		"body":        body,
		"template_id": templateID,
	}, nil)
}

var _ RecordAPI = (*HTTPRecordAPI)(nil)

package actions

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronappleton/workflow-engine/internal/workflow"
)

type fakeRecordAPI struct {
	created       []map[string]any
	updated       map[string]map[string]any
	deleted       []string
	tagsAdded     []string
	tagsRemoved   []string
	assigned      map[string]string
	stages        map[string]string
	tasks         []map[string]any
	notifications [][]string
	emails        []string
	err           error
}

func newFakeRecordAPI() *fakeRecordAPI {
	return &fakeRecordAPI{
		updated:  map[string]map[string]any{},
		assigned: map[string]string{},
		stages:   map[string]string{},
	}
}

func (f *fakeRecordAPI) CreateRecord(_ context.Context, moduleID int64, fields map[string]any) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.created = append(f.created, map[string]any{"module_id": moduleID, "fields": fields})
	return "rec_new", nil
}

func (f *fakeRecordAPI) UpdateRecord(_ context.Context, recordID string, fields map[string]any) error {
	if f.err != nil {
		return f.err
	}
	f.updated[recordID] = fields
	return nil
}

func (f *fakeRecordAPI) DeleteRecord(_ context.Context, recordID string) error {
	f.deleted = append(f.deleted, recordID)
	return f.err
}

func (f *fakeRecordAPI) AddTag(_ context.Context, recordID, tag string) error {
	f.tagsAdded = append(f.tagsAdded, recordID+":"+tag)
	return f.err
}

func (f *fakeRecordAPI) RemoveTag(_ context.Context, recordID, tag string) error {
	f.tagsRemoved = append(f.tagsRemoved, recordID+":"+tag)
	return f.err
}

func (f *fakeRecordAPI) AssignUser(_ context.Context, recordID, userID string) error {
	f.assigned[recordID] = userID
	return f.err
}

func (f *fakeRecordAPI) MoveStage(_ context.Context, recordID, stage string) error {
	f.stages[recordID] = stage
	return f.err
}

func (f *fakeRecordAPI) CreateTask(_ context.Context, task map[string]any) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.tasks = append(f.tasks, task)
	return "task_1", nil
}

func (f *fakeRecordAPI) SendNotification(_ context.Context, userIDs []string, message string) error {
	f.notifications = append(f.notifications, append([]string{message}, userIDs...))
	return f.err
}

func (f *fakeRecordAPI) SendEmail(_ context.Context, to, subject, _, _ string) error {
	f.emails = append(f.emails, to+"|"+subject)
	return f.err
}

func testContext() workflow.Context {
	return workflow.Context{
		"record": map[string]any{
			"name":       "Acme deal",
			"email":      "buyer@acme.test",
			"account_id": "acct_7",
		},
		"record_id": "deal_1",
		"user_id":   "u_owner",
	}
}

func execute(t *testing.T, r *workflow.Registry, actionType workflow.ActionType, cfg map[string]any) (map[string]any, error) {
	t.Helper()
	exec, err := r.Lookup(actionType)
	require.NoError(t, err)
	return exec.Execute(context.Background(), cfg, testContext())
}

func TestRecordExecutors(t *testing.T) {
	api := newFakeRecordAPI()
	r := NewRegistry(Deps{Records: api})

	t.Run("send_email renders recipient", func(t *testing.T) {
		out, err := execute(t, r, workflow.ActionSendEmail,
			map[string]any{"to": "{{record.email}}", "subject": "re: {{record.name}}"})
		require.NoError(t, err)
		assert.Equal(t, "buyer@acme.test", out["sent_to"])
		assert.Contains(t, api.emails, "buyer@acme.test|re: Acme deal")
	})

	t.Run("send_email missing subject is a config error", func(t *testing.T) {
		_, err := execute(t, r, workflow.ActionSendEmail, map[string]any{"to": "a@b.c"})
		assert.True(t, workflow.IsConfigurationError(err))
	})

	t.Run("create_record", func(t *testing.T) {
		out, err := execute(t, r, workflow.ActionCreateRecord,
			map[string]any{"module_id": float64(4), "fields": map[string]any{"source": "{{record.name}}"}})
		require.NoError(t, err)
		assert.Equal(t, "rec_new", out["record_id"])
		require.Len(t, api.created, 1)
		assert.Equal(t, int64(4), api.created[0]["module_id"])
		assert.Equal(t, map[string]any{"source": "Acme deal"}, api.created[0]["fields"])
	})

	t.Run("update_field targets the triggering record", func(t *testing.T) {
		_, err := execute(t, r, workflow.ActionUpdateField,
			map[string]any{"field": "status", "value": "contacted"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"status": "contacted"}, api.updated["deal_1"])
	})

	t.Run("assign_user", func(t *testing.T) {
		_, err := execute(t, r, workflow.ActionAssignUser, map[string]any{"user_id": "u_42"})
		require.NoError(t, err)
		assert.Equal(t, "u_42", api.assigned["deal_1"])
	})

	t.Run("tags", func(t *testing.T) {
		_, err := execute(t, r, workflow.ActionAddTag, map[string]any{"tag": "hot"})
		require.NoError(t, err)
		_, err = execute(t, r, workflow.ActionRemoveTag, map[string]any{"tag": "cold"})
		require.NoError(t, err)
		assert.Contains(t, api.tagsAdded, "deal_1:hot")
		assert.Contains(t, api.tagsRemoved, "deal_1:cold")
	})

	t.Run("move_stage", func(t *testing.T) {
		_, err := execute(t, r, workflow.ActionMoveStage, map[string]any{"stage": "won"})
		require.NoError(t, err)
		assert.Equal(t, "won", api.stages["deal_1"])
	})

	t.Run("delete_record", func(t *testing.T) {
		_, err := execute(t, r, workflow.ActionDeleteRecord, map[string]any{})
		require.NoError(t, err)
		assert.Contains(t, api.deleted, "deal_1")
	})

	t.Run("notification falls back to the context user", func(t *testing.T) {
		out, err := execute(t, r, workflow.ActionSendNotification, map[string]any{"message": "ping"})
		require.NoError(t, err)
		assert.Equal(t, 1, out["notified"])
		require.NotEmpty(t, api.notifications)
		assert.Equal(t, []string{"ping", "u_owner"}, api.notifications[len(api.notifications)-1])
	})

	t.Run("create_task with due date", func(t *testing.T) {
		out, err := execute(t, r, workflow.ActionCreateTask,
			map[string]any{"title": "Call {{record.name}}", "due_in_days": float64(2)})
		require.NoError(t, err)
		assert.Equal(t, "task_1", out["task_id"])
		require.Len(t, api.tasks, 1)
		task := api.tasks[0]
		assert.Equal(t, "Call Acme deal", task["title"])
		assert.Equal(t, "deal_1", task["record_id"])
		due, err := time.Parse(time.RFC3339, task["due_at"].(string))
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 2), due, time.Minute)
	})

	t.Run("update_related_record follows the foreign key", func(t *testing.T) {
		out, err := execute(t, r, workflow.ActionUpdateRelatedRecord,
			map[string]any{"relation": "account_id", "fields": map[string]any{"tier": "gold"}})
		require.NoError(t, err)
		assert.Equal(t, "acct_7", out["updated"])
		assert.Equal(t, map[string]any{"tier": "gold"}, api.updated["acct_7"])
	})

	t.Run("update_related_record without foreign key fails", func(t *testing.T) {
		_, err := execute(t, r, workflow.ActionUpdateRelatedRecord,
			map[string]any{"relation": "no_such_fk", "fields": map[string]any{"x": 1}})
		assert.Error(t, err)
	})
}

func TestRecordExecutorsWithoutAPI(t *testing.T) {
	r := NewRegistry(Deps{})
	_, err := execute(t, r, workflow.ActionSendEmail, map[string]any{"to": "a@b.c", "subject": "s"})
	assert.Error(t, err)
}

func TestDelayExecutor(t *testing.T) {
	var slept time.Duration
	r := NewRegistry(Deps{Sleep: func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}})

	out, err := execute(t, r, workflow.ActionDelay, map[string]any{"seconds": float64(1.5)})
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, slept)
	assert.Equal(t, 1.5, out["slept_seconds"])

	_, err = execute(t, r, workflow.ActionDelay, map[string]any{"seconds": float64(-1)})
	assert.True(t, workflow.IsConfigurationError(err))

	_, err = execute(t, r, workflow.ActionDelay, map[string]any{})
	assert.True(t, workflow.IsConfigurationError(err))
}

func TestWebhookExecutor(t *testing.T) {
	type capture struct {
		method  string
		path    string
		body    map[string]any
		rawBody []byte
		headers http.Header
	}
	var got capture
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		got = capture{method: r.Method, path: r.URL.Path, rawBody: raw, headers: r.Header.Clone()}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &got.body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"id":"sync_1"}`))
	}))
	defer server.Close()

	r := NewRegistry(Deps{Client: server.Client()})

	t.Run("default body and parsed response", func(t *testing.T) {
		out, err := execute(t, r, workflow.ActionWebhook, map[string]any{"url": server.URL + "/hook"})
		require.NoError(t, err)
		assert.Equal(t, http.MethodPost, got.method)
		assert.Equal(t, "/hook", got.path)
		assert.Equal(t, "deal_1", got.body["record_id"])
		assert.Equal(t, 200, out["status_code"])
		resp := out["response"].(map[string]any)
		assert.Equal(t, "sync_1", resp["id"])
	})

	t.Run("custom body and headers are rendered", func(t *testing.T) {
		_, err := execute(t, r, workflow.ActionWebhook, map[string]any{
			"url":     server.URL + "/hook",
			"method":  "PUT",
			"body":    map[string]any{"deal": "{{record.name}}"},
			"headers": map[string]any{"X-Deal": "{{record_id}}"},
		})
		require.NoError(t, err)
		assert.Equal(t, "PUT", got.method)
		assert.Equal(t, map[string]any{"deal": "Acme deal"}, got.body)
		assert.Equal(t, "deal_1", got.headers.Get("X-Deal"))
	})

	t.Run("secret adds verifiable signature headers", func(t *testing.T) {
		_, err := execute(t, r, workflow.ActionWebhook, map[string]any{
			"url":    server.URL + "/hook",
			"secret": "whsec_out",
		})
		require.NoError(t, err)
		ts := got.headers.Get("X-Workflow-Timestamp")
		sig := got.headers.Get("X-Workflow-Signature")
		require.NotEmpty(t, ts)
		require.NotEmpty(t, sig)
		require.NoError(t, workflow.VerifySignature("whsec_out", ts, sig, got.rawBody, time.Now(), time.Minute))
	})

	t.Run("missing url is a config error", func(t *testing.T) {
		_, err := execute(t, r, workflow.ActionWebhook, map[string]any{})
		assert.True(t, workflow.IsConfigurationError(err))
	})
}

func TestWebhookExecutorErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	r := NewRegistry(Deps{Client: server.Client()})
	_, err := execute(t, r, workflow.ActionWebhook, map[string]any{"url": server.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

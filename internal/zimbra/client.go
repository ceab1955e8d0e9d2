package zimbra

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"tasksync/internal/config"
	"tasksync/internal/metrics"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Error is a typed client failure carrying the remote fault code when one
// was returned. The client never retries; retry policy belongs to the
// outbound worker.
type Error struct {
	Op      string
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("zimbra: %s: %s (%s)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("zimbra: %s: %s", e.Op, e.Message)
}

const faultNoSuchItem = "mail.NO_SUCH_ITEM"

// faults on modify that have no in-place edit; the client falls back to
// delete + recreate and reports the new id to the caller.
var recreateFaults = map[string]bool{
	"mail.INVITE_OUT_OF_DATE": true,
	"mail.IMMUTABLE_OBJECT":   true,
}

// TaskFields is the outbound field set for create/update, in local labels.
// The client owns the mapping to remote values.
type TaskFields struct {
	Title       string
	Notes       string
	DueDate     *time.Time
	Priority    string
	Status      string
	IsCompleted bool
}

// UpsertResult carries the identifiers the remote system assigned. Both
// fields may be empty on an in-place update.
type UpsertResult struct {
	ItemID string
	UID    string
}

// TaskSnapshot is the transient view of one remote task, with status and
// priority already mapped to local labels. Discarded after each
// reconciliation cycle.
type TaskSnapshot struct {
	ItemID      string
	UID         string
	Title       string
	Notes       string
	DueDate     *time.Time
	Status      string
	Priority    string
	IsCompleted bool
}

type session struct {
	token   string
	expires time.Time
}

func (s session) valid() bool {
	return s.token != "" && time.Now().Add(30*time.Second).Before(s.expires)
}

// Client talks to the remote task service: SOAP envelopes for mutations,
// a JSON listing endpoint for bulk reads. Auth is a cached per-account
// delegated token obtained through the admin credential and renewed
// transparently on expiry. No persistent state beyond the session cache.
type Client struct {
	cfg        config.ZimbraConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zerolog.Logger

	mu        sync.Mutex
	admin     session
	delegated map[string]session
}

func NewClient(cfg config.ZimbraConfig, logger *zerolog.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = 10
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		logger:     logger,
		delegated:  make(map[string]session),
	}
}

// CreateTask creates a remote task for the account and returns the
// assigned identifiers.
func (c *Client) CreateTask(ctx context.Context, account string, fields TaskFields) (UpsertResult, error) {
	token, err := c.delegatedToken(ctx, account)
	if err != nil {
		return UpsertResult{}, err
	}

	req := createTaskRequest{Msg: newTaskMsg(fields)}
	var resp soapResponse
	if err := c.soapCall(ctx, "create task", c.cfg.SoapURL, token, account, req, &resp); err != nil {
		return UpsertResult{}, err
	}
	if resp.Body.CreateTask == nil {
		return UpsertResult{}, &Error{Op: "create task", Message: "missing CreateTaskResponse"}
	}
	return UpsertResult{ItemID: resp.Body.CreateTask.CalItemID, UID: resp.Body.CreateTask.UID}, nil
}

// UpdateTask modifies a remote task in place. When the remote protocol
// refuses an in-place edit it deletes and recreates the task; the returned
// result then carries the new identifiers and the caller must treat it as
// a linkage change, not an error.
func (c *Client) UpdateTask(ctx context.Context, account, remoteID string, fields TaskFields) (UpsertResult, error) {
	token, err := c.delegatedToken(ctx, account)
	if err != nil {
		return UpsertResult{}, err
	}

	req := modifyTaskRequest{ID: remoteID, Msg: newTaskMsg(fields)}
	var resp soapResponse
	err = c.soapCall(ctx, "update task", c.cfg.SoapURL, token, account, req, &resp)
	if err != nil {
		var zerr *Error
		if errors.As(err, &zerr) && recreateFaults[zerr.Code] {
			c.logger.Warn().Str("account", account).Str("remote_id", remoteID).Str("code", zerr.Code).
				Msg("in-place update refused, recreating remote task")
			if derr := c.DeleteTask(ctx, account, remoteID); derr != nil {
				return UpsertResult{}, derr
			}
			return c.CreateTask(ctx, account, fields)
		}
		return UpsertResult{}, err
	}

	if resp.Body.ModifyTask == nil {
		return UpsertResult{}, &Error{Op: "update task", Message: "missing ModifyTaskResponse"}
	}
	return UpsertResult{ItemID: resp.Body.ModifyTask.CalItemID, UID: resp.Body.ModifyTask.UID}, nil
}

// DeleteTask removes a remote task. Deleting an id the remote system no
// longer knows is treated as already satisfied, not an error.
func (c *Client) DeleteTask(ctx context.Context, account, remoteID string) error {
	token, err := c.delegatedToken(ctx, account)
	if err != nil {
		return err
	}

	req := cancelTaskRequest{ID: remoteID}
	var resp soapResponse
	err = c.soapCall(ctx, "delete task", c.cfg.SoapURL, token, account, req, &resp)
	if err != nil {
		var zerr *Error
		if errors.As(err, &zerr) && zerr.Code == faultNoSuchItem {
			return nil
		}
		return err
	}
	return nil
}

// GetTask reads a single remote task.
func (c *Client) GetTask(ctx context.Context, account, remoteID string) (*TaskSnapshot, error) {
	token, err := c.delegatedToken(ctx, account)
	if err != nil {
		return nil, err
	}

	req := getTaskRequest{ID: remoteID}
	var resp soapResponse
	if err := c.soapCall(ctx, "get task", c.cfg.SoapURL, token, account, req, &resp); err != nil {
		return nil, err
	}
	if resp.Body.GetTask == nil {
		return nil, &Error{Op: "get task", Message: "missing GetTaskResponse"}
	}

	t := resp.Body.GetTask.Task
	snap := newSnapshot(t.ID, t.UID)
	for _, inv := range t.Inv {
		for _, comp := range inv.Comp {
			fillSnapshot(&snap, comp.UID, comp.Name, comp.Status, comp.Priority, comp.PercentComplete, comp.Desc, compEndDate(comp.End))
		}
	}
	return &snap, nil
}

// ListTasks pulls all remote tasks for the account via the JSON listing
// endpoint.
func (c *Client) ListTasks(ctx context.Context, account string) ([]TaskSnapshot, error) {
	token, err := c.delegatedToken(ctx, account)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Op: "list tasks", Message: err.Error()}
	}

	listURL := fmt.Sprintf("%s/home/%s/tasks?fmt=json", c.cfg.RestURL, url.PathEscape(account))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, &Error{Op: "list tasks", Message: err.Error()}
	}
	httpReq.AddCookie(&http.Cookie{Name: "ZM_AUTH_TOKEN", Value: token})

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	metrics.ObserveRemoteCall("list tasks", time.Since(start).Seconds())
	if err != nil {
		return nil, &Error{Op: "list tasks", Message: err.Error()}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return nil, &Error{
			Op:      "list tasks",
			Code:    fmt.Sprintf("http.%d", httpResp.StatusCode),
			Message: string(body),
		}
	}

	var listing restTaskList
	if err := json.NewDecoder(httpResp.Body).Decode(&listing); err != nil {
		return nil, &Error{Op: "list tasks", Message: fmt.Sprintf("decode listing: %v", err)}
	}

	snapshots := make([]TaskSnapshot, 0, len(listing.Tasks))
	for _, item := range listing.Tasks {
		snap := newSnapshot(item.ID, "")
		for _, inv := range item.Inv {
			for _, comp := range inv.Comp {
				fillSnapshot(&snap, comp.UID, comp.Name, comp.Status, comp.Priority, comp.PercentComplete, restDesc(comp.Desc), restEndDate(comp.End))
			}
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

// newSnapshot starts from the mapping defaults, so an item without invite
// components still imports with a deterministic status and priority.
func newSnapshot(itemID, uid string) TaskSnapshot {
	return TaskSnapshot{
		ItemID:   itemID,
		UID:      uid,
		Status:   StatusFromRemote(""),
		Priority: PriorityFromRemote(""),
	}
}

func fillSnapshot(snap *TaskSnapshot, uid, name, status, priority, percent, desc, endDate string) {
	if uid != "" {
		snap.UID = uid
	}
	if name != "" {
		snap.Title = name
	}
	if desc != "" {
		snap.Notes = desc
	}
	snap.Status = StatusFromRemote(status)
	snap.Priority = PriorityFromRemote(priority)
	snap.IsCompleted = status == remoteStatusCompleted || percent == "100"
	if d := parseDueDate(endDate); d != nil {
		snap.DueDate = d
	}
}

func newTaskMsg(fields TaskFields) taskMsg {
	status := fields.Status
	percent := "0"
	if fields.IsCompleted {
		status = "completed"
		percent = "100"
	}

	comp := taskComp{
		Name:            fields.Title,
		Priority:        PriorityToRemote(fields.Priority),
		Status:          StatusToRemote(status),
		PercentComplete: percent,
		Desc:            fields.Notes,
	}
	if d := formatDueDate(fields.DueDate); d != "" {
		comp.End = &taskEnd{Date: d}
	}
	return taskMsg{Inv: taskInv{Comp: comp}}
}

// delegatedToken returns a cached delegated auth token for the account,
// renewing the admin session and the delegation when either expired.
func (c *Client) delegatedToken(ctx context.Context, account string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.delegated[account]; ok && s.valid() {
		return s.token, nil
	}

	if !c.admin.valid() {
		req := authRequest{Name: c.cfg.AdminUser, Password: c.cfg.AdminPassword}
		var resp soapResponse
		if err := c.soapCall(ctx, "admin auth", c.cfg.AdminURL, "", "", req, &resp); err != nil {
			return "", err
		}
		if resp.Body.Auth == nil {
			return "", &Error{Op: "admin auth", Message: "missing AuthResponse"}
		}
		c.admin = newSession(resp.Body.Auth.Token, resp.Body.Auth.Lifetime)
	}

	req := delegateAuthRequest{Account: soapAccount{By: "name", Name: account}}
	var resp soapResponse
	if err := c.soapCall(ctx, "delegate auth", c.cfg.AdminURL, c.admin.token, "", req, &resp); err != nil {
		return "", err
	}
	if resp.Body.DelegateAuth == nil {
		return "", &Error{Op: "delegate auth", Message: "missing DelegateAuthResponse"}
	}

	s := newSession(resp.Body.DelegateAuth.Token, resp.Body.DelegateAuth.Lifetime)
	c.delegated[account] = s
	return s.token, nil
}

func newSession(token string, lifetimeMillis int64) session {
	if lifetimeMillis <= 0 {
		lifetimeMillis = int64(time.Hour / time.Millisecond)
	}
	return session{
		token:   token,
		expires: time.Now().Add(time.Duration(lifetimeMillis) * time.Millisecond),
	}
}

func (c *Client) soapCall(ctx context.Context, op, endpoint, token, account string, payload, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Op: op, Message: err.Error()}
	}

	env := envelope{SoapNS: "http://www.w3.org/2003/05/soap-envelope", Body: soapBody{Payload: payload}}
	if token != "" {
		hdr := &soapHeader{Context: headerContext{NS: "urn:zimbra", AuthToken: token}}
		if account != "" {
			hdr.Context.Account = &soapAccount{By: "name", Name: account}
		}
		env.Header = hdr
	}

	data, err := xml.Marshal(env)
	if err != nil {
		return &Error{Op: op, Message: fmt.Sprintf("encode request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return &Error{Op: op, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/soap+xml; charset=utf-8")

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	metrics.ObserveRemoteCall(op, time.Since(start).Seconds())
	if err != nil {
		return &Error{Op: op, Message: err.Error()}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return &Error{Op: op, Message: fmt.Sprintf("read response: %v", err)}
	}

	resp, ok := out.(*soapResponse)
	if !ok {
		return &Error{Op: op, Message: "internal: bad response target"}
	}
	if err := xml.Unmarshal(body, resp); err != nil {
		return &Error{Op: op, Code: fmt.Sprintf("http.%d", httpResp.StatusCode), Message: fmt.Sprintf("decode response: %v", err)}
	}
	if resp.Body.Fault != nil {
		return &Error{Op: op, Code: resp.Body.Fault.Detail.Error.Code, Message: resp.Body.Fault.Reason.Text}
	}
	if httpResp.StatusCode != http.StatusOK {
		return &Error{Op: op, Code: fmt.Sprintf("http.%d", httpResp.StatusCode), Message: "unexpected status"}
	}
	return nil
}

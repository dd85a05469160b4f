// Package gerrit implements the review-server port against the Gerrit REST API.
package gerrit

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gregjones/httpcache"

	"github.com/ericfisherdev/reviewdesk/internal/domain/model"
	"github.com/ericfisherdev/reviewdesk/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.GerritClient = (*Client)(nil)

// xssiPrefix guards every Gerrit JSON response and must be stripped before
// decoding.
const xssiPrefix = ")]}'"

// minServerVersion is the oldest Gerrit major version the sync protocol
// supports. Older servers lack the tagged-review message API.
const minServerVersion = 3

// timeLayout is Gerrit's wire timestamp format (UTC, no zone suffix).
const timeLayout = "2006-01-02 15:04:05.000000000"

// Client talks to a Gerrit server over authenticated REST. Responses to GET
// requests flow through an in-memory HTTP cache so unchanged poll payloads are
// revalidated with conditional requests instead of re-downloaded.
//
// Credentials arrive per call inside the Endpoint and are never retained.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a Client with the given request timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: httpcache.NewMemoryCacheTransport(),
		},
	}
}

// ProbeVersion fetches the server version and verifies protocol compatibility.
func (c *Client) ProbeVersion(ctx context.Context, ep driven.Endpoint) (string, error) {
	var version string
	if err := c.get(ctx, ep, "/config/server/version", &version); err != nil {
		return "", err
	}

	major, ok := parseMajorVersion(version)
	if !ok || major < minServerVersion {
		return version, &driven.RemoteError{
			Kind: driven.RemoteIncompatible,
			Msg:  fmt.Sprintf("server version %q is below the supported minimum %d.x", version, minServerVersion),
		}
	}
	return version, nil
}

// QueryChangeSummary fetches the lightweight per-change state used by polling.
func (c *Client) QueryChangeSummary(ctx context.Context, ep driven.Endpoint, changeKey string) (*driven.ChangeSummary, error) {
	var info changeInfo
	path := "/changes/" + url.PathEscape(changeKey) + "?o=CURRENT_REVISION"
	if err := c.get(ctx, ep, path, &info); err != nil {
		return nil, err
	}
	s := info.summary()
	return &s, nil
}

// FetchChange fetches the full change metadata used by import.
func (c *Client) FetchChange(ctx context.Context, ep driven.Endpoint, changeKey string) (*driven.ChangeDetail, error) {
	var info changeInfo
	path := "/changes/" + url.PathEscape(changeKey) + "?o=CURRENT_REVISION&o=DETAILED_ACCOUNTS"
	if err := c.get(ctx, ep, path, &info); err != nil {
		return nil, err
	}

	return &driven.ChangeDetail{
		ChangeSummary: info.summary(),
		Project:       info.Project,
		Branch:        info.Branch,
		Owner:         info.Owner.display(),
	}, nil
}

// ListFiles returns the file listing of one revision.
func (c *Client) ListFiles(ctx context.Context, ep driven.Endpoint, changeKey, revision string) ([]driven.RemoteFile, error) {
	var files map[string]fileInfo
	path := "/changes/" + url.PathEscape(changeKey) + "/revisions/" + url.PathEscape(revision) + "/files/"
	if err := c.get(ctx, ep, path, &files); err != nil {
		return nil, err
	}

	out := make([]driven.RemoteFile, 0, len(files))
	for p, f := range files {
		// The magic commit-message pseudo-file is not a reviewable file.
		if p == "/COMMIT_MSG" || p == "/MERGE_LIST" {
			continue
		}
		status := f.Status
		if status == "" {
			status = "M"
		}
		out = append(out, driven.RemoteFile{
			Path:          p,
			Status:        status,
			LinesInserted: f.LinesInserted,
			LinesDeleted:  f.LinesDeleted,
		})
	}
	return out, nil
}

// FetchFileLines downloads one file's content at one revision and splits it
// into lines. Gerrit serves file content base64-encoded.
func (c *Client) FetchFileLines(ctx context.Context, ep driven.Endpoint, changeKey, revision, path string) ([]string, error) {
	reqPath := "/changes/" + url.PathEscape(changeKey) +
		"/revisions/" + url.PathEscape(revision) +
		"/files/" + url.PathEscape(path) + "/content"

	body, err := c.do(ctx, ep, http.MethodGet, reqPath, nil)
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, &driven.RemoteError{
			Kind: driven.RemoteNetworkError,
			Msg:  fmt.Sprintf("decode file content for %s: %v", path, err),
		}
	}

	text := strings.TrimSuffix(string(raw), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

// ListComments returns all published comments on a change across patch sets.
func (c *Client) ListComments(ctx context.Context, ep driven.Endpoint, changeKey string) ([]driven.RemoteComment, error) {
	var byPath map[string][]commentInfo
	path := "/changes/" + url.PathEscape(changeKey) + "/comments"
	if err := c.get(ctx, ep, path, &byPath); err != nil {
		return nil, err
	}

	var out []driven.RemoteComment
	for p, comments := range byPath {
		for _, ci := range comments {
			out = append(out, ci.remote(p))
		}
	}
	return out, nil
}

// CreateDraftComment publishes one locally-authored comment as a server draft.
func (c *Client) CreateDraftComment(ctx context.Context, ep driven.Endpoint, changeKey, revision string, dc driven.DraftComment) (string, error) {
	path := "/changes/" + url.PathEscape(changeKey) + "/revisions/" + url.PathEscape(revision) + "/drafts"

	var created commentInfo
	if err := c.put(ctx, ep, path, draftInput(dc), &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// UpdateDraftComment replaces the message of an existing server draft.
func (c *Client) UpdateDraftComment(ctx context.Context, ep driven.Endpoint, changeKey, revision, remoteID, message string) error {
	path := "/changes/" + url.PathEscape(changeKey) +
		"/revisions/" + url.PathEscape(revision) +
		"/drafts/" + url.PathEscape(remoteID)

	return c.put(ctx, ep, path, map[string]any{"message": message}, nil)
}

// DeleteDraftComment removes a server draft.
func (c *Client) DeleteDraftComment(ctx context.Context, ep driven.Endpoint, changeKey, revision, remoteID string) error {
	path := "/changes/" + url.PathEscape(changeKey) +
		"/revisions/" + url.PathEscape(revision) +
		"/drafts/" + url.PathEscape(remoteID)

	_, err := c.do(ctx, ep, http.MethodDelete, path, nil)
	return err
}

// SetReview submits labels, a cover message, and inline comments in one call,
// tagged with the idempotency token. Per-comment rejection is detected by
// matching the server's echoed comment set against what was sent.
func (c *Client) SetReview(ctx context.Context, ep driven.Endpoint, changeKey, revision string, in driven.ReviewInput) (*driven.ReviewOutcome, error) {
	path := "/changes/" + url.PathEscape(changeKey) + "/revisions/" + url.PathEscape(revision) + "/review"

	commentsByPath := make(map[string][]map[string]any)
	for _, dc := range in.Comments {
		commentsByPath[dc.Path] = append(commentsByPath[dc.Path], draftInput(dc))
	}

	body := map[string]any{
		"tag":     in.Tag,
		"message": in.Message,
	}
	if len(in.Labels) > 0 {
		body["labels"] = in.Labels
	}
	if len(commentsByPath) > 0 {
		body["comments"] = commentsByPath
	}

	var result reviewResult
	if err := c.post(ctx, ep, path, body, &result); err != nil {
		return nil, err
	}

	outcome := &driven.ReviewOutcome{
		LabelsApplied: len(in.Labels) == 0 || len(result.Labels) > 0,
		CommentIDs:    make(map[int64]string),
	}

	// Match accepted comments back to their local IDs by anchor and message.
	for _, dc := range in.Comments {
		id := findEchoedComment(result.Comments[dc.Path], dc)
		if id == "" {
			outcome.RejectedComments = append(outcome.RejectedComments, dc.LocalID)
			continue
		}
		outcome.CommentIDs[dc.LocalID] = id
	}
	return outcome, nil
}

// FindReviewByTag reports whether a change message carrying the idempotency
// tag already exists on the server.
func (c *Client) FindReviewByTag(ctx context.Context, ep driven.Endpoint, changeKey, tag string) (bool, error) {
	var messages []struct {
		Tag string `json:"tag"`
	}
	path := "/changes/" + url.PathEscape(changeKey) + "/messages"
	if err := c.get(ctx, ep, path, &messages); err != nil {
		return false, err
	}

	for _, m := range messages {
		if m.Tag == tag {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) get(ctx context.Context, ep driven.Endpoint, path string, out any) error {
	body, err := c.do(ctx, ep, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return decodeJSON(body, out)
}

func (c *Client) put(ctx context.Context, ep driven.Endpoint, path string, in, out any) error {
	body, err := c.do(ctx, ep, http.MethodPut, path, in)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decodeJSON(body, out)
}

func (c *Client) post(ctx context.Context, ep driven.Endpoint, path string, in, out any) error {
	body, err := c.do(ctx, ep, http.MethodPost, path, in)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decodeJSON(body, out)
}

// do performs one authenticated request against the /a/ endpoint tree and
// classifies every failure as a *driven.RemoteError.
func (c *Client) do(ctx context.Context, ep driven.Endpoint, method, path string, in any) ([]byte, error) {
	base := strings.TrimSuffix(ep.BaseURL, "/")
	reqURL := base + "/a" + path

	var reqBody io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(ep.Username, ep.Password)
	if in != nil {
		req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &driven.RemoteError{
			Kind: driven.RemoteNetworkError,
			Msg:  fmt.Sprintf("read response body: %v", err),
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, classifyStatus(resp, body)
}

func classifyTransportError(err error) *driven.RemoteError {
	timeout := false
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		timeout = true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		timeout = true
	}
	return &driven.RemoteError{
		Kind:    driven.RemoteNetworkError,
		Timeout: timeout,
		Msg:     err.Error(),
	}
}

func classifyStatus(resp *http.Response, body []byte) *driven.RemoteError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}

	re := &driven.RemoteError{StatusCode: resp.StatusCode, Msg: msg}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		re.Kind = driven.RemoteAuthFailed
	case http.StatusNotFound:
		re.Kind = driven.RemoteNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		re.Kind = driven.RemoteConflict
	case http.StatusTooManyRequests:
		re.Kind = driven.RemoteRateLimited
		re.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	default:
		if resp.StatusCode >= 500 {
			re.Kind = driven.RemoteNetworkError
		} else {
			re.Kind = driven.RemoteConflict
		}
	}
	return re
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// decodeJSON strips the XSSI guard prefix and unmarshals the remainder.
func decodeJSON(body []byte, out any) error {
	trimmed := bytes.TrimPrefix(body, []byte(xssiPrefix))
	if err := json.Unmarshal(bytes.TrimSpace(trimmed), out); err != nil {
		return &driven.RemoteError{
			Kind: driven.RemoteIncompatible,
			Msg:  fmt.Sprintf("decode response: %v", err),
		}
	}
	return nil
}

func parseMajorVersion(v string) (int, bool) {
	head, _, _ := strings.Cut(v, ".")
	major, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil {
		return 0, false
	}
	return major, true
}

func draftInput(dc driven.DraftComment) map[string]any {
	in := map[string]any{
		"path":    dc.Path,
		"message": dc.Message,
	}
	if dc.Line > 0 {
		in["line"] = dc.Line
	}
	if dc.Side == model.SideParent {
		in["side"] = "PARENT"
	}
	if dc.RangeStart > 0 && dc.Line > dc.RangeStart {
		in["range"] = map[string]int{
			"start_line": dc.RangeStart,
			"end_line":   dc.Line,
		}
	}
	return in
}

func findEchoedComment(echoed []commentInfo, dc driven.DraftComment) string {
	for _, ci := range echoed {
		if ci.Line == dc.Line && ci.Message == dc.Message {
			return ci.ID
		}
	}
	return ""
}

// Wire types. Field sets are the subset of Gerrit's JSON entities this client
// reads; unknown fields are ignored.

type accountInfo struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

func (a accountInfo) display() string {
	switch {
	case a.Name != "":
		return a.Name
	case a.Email != "":
		return a.Email
	default:
		return a.Username
	}
}

type revisionInfo struct {
	Number int `json:"_number"`
}

type changeInfo struct {
	ChangeID        string                  `json:"change_id"`
	Project         string                  `json:"project"`
	Branch          string                  `json:"branch"`
	Subject         string                  `json:"subject"`
	Status          string                  `json:"status"`
	Owner           accountInfo             `json:"owner"`
	CurrentRevision string                  `json:"current_revision"`
	Revisions       map[string]revisionInfo `json:"revisions"`
	CommentCount    int                     `json:"total_comment_count"`
	Updated         gerritTime              `json:"updated"`
}

func (ci changeInfo) summary() driven.ChangeSummary {
	return driven.ChangeSummary{
		ChangeKey:       ci.ChangeID,
		Status:          mapChangeStatus(ci.Status),
		Subject:         ci.Subject,
		CurrentRevision: ci.CurrentRevision,
		CurrentNumber:   ci.Revisions[ci.CurrentRevision].Number,
		CommentCount:    ci.CommentCount,
		Updated:         ci.Updated.Time,
	}
}

func mapChangeStatus(s string) model.ChangeStatus {
	switch s {
	case "MERGED":
		return model.ChangeStatusMerged
	case "ABANDONED":
		return model.ChangeStatusAbandoned
	default:
		return model.ChangeStatusNew
	}
}

type fileInfo struct {
	Status        string `json:"status"`
	LinesInserted int    `json:"lines_inserted"`
	LinesDeleted  int    `json:"lines_deleted"`
}

type commentRange struct {
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`
}

type commentInfo struct {
	ID         string        `json:"id"`
	Line       int           `json:"line"`
	Range      *commentRange `json:"range"`
	Side       string        `json:"side"`
	Message    string        `json:"message"`
	Author     accountInfo   `json:"author"`
	PatchSet   int           `json:"patch_set"`
	CommitID   string        `json:"commit_id"`
	Updated    gerritTime    `json:"updated"`
	InReplyTo  string        `json:"in_reply_to"`
	Unresolved bool          `json:"unresolved"`
}

func (ci commentInfo) remote(path string) driven.RemoteComment {
	side := model.SideRevision
	if ci.Side == "PARENT" {
		side = model.SideParent
	}
	rangeStart := 0
	if ci.Range != nil {
		rangeStart = ci.Range.StartLine
	}
	return driven.RemoteComment{
		RemoteID:       ci.ID,
		Path:           path,
		Side:           side,
		Line:           ci.Line,
		RangeStart:     rangeStart,
		Message:        ci.Message,
		Author:         ci.Author.display(),
		Revision:       ci.CommitID,
		PatchSetNumber: ci.PatchSet,
		Updated:        ci.Updated.Time,
		InReplyTo:      ci.InReplyTo,
	}
}

type reviewResult struct {
	Labels   map[string]int           `json:"labels"`
	Comments map[string][]commentInfo `json:"comments"`
}

// gerritTime decodes Gerrit's "2006-01-02 15:04:05.000000000" timestamps.
type gerritTime struct {
	time.Time
}

func (t *gerritTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.Parse(timeLayout, s)
	if err != nil {
		// Older servers truncate fractional seconds.
		parsed, err = time.Parse("2006-01-02 15:04:05", s)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
	}
	t.Time = parsed.UTC()
	return nil
}

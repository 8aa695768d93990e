// Package gmail implements remote.Feed over the Gmail REST API v1.
package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kws/mailindexer/internal/model"
	"github.com/kws/mailindexer/internal/remote"
)

// DefaultBaseURL is the public Gmail API endpoint.
const DefaultBaseURL = "https://gmail.googleapis.com"

// maxPageSize is the largest page the API serves for list calls.
const maxPageSize = 500

// errNotFound marks a 404 response; each call maps it to its own meaning.
var errNotFound = errors.New("not found")

// TokenSource supplies OAuth2 access tokens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// Client is a thin HTTP client for the Gmail REST API v1. It handles
// Bearer token authentication, JSON decoding, and bounded retry with
// exponential backoff on HTTP 429.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	maxRetries int
}

// NewClient creates a Gmail client. An empty baseURL selects the public
// endpoint; a zero timeout defaults to 30 seconds.
func NewClient(baseURL string, tokens TokenSource, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/") + "/gmail/v1/users/me",
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxRetries: 3,
	}
}

// get performs an HTTP GET request and unmarshals the JSON response.
func (c *Client) get(ctx context.Context, path string, query url.Values, result any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return &remote.AuthError{Service: "gmail", Message: err.Error()}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("executing request GET %s: %w", path, err)
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("reading response body: %w", readErr)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("rate limited (429) on GET %s", path)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryAfterDuration(resp, attempt)):
				continue
			}
		case resp.StatusCode == http.StatusUnauthorized:
			return &remote.AuthError{
				Service: "gmail",
				Message: "access token rejected (401)",
			}
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("GET %s: %w", path, errNotFound)
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			var apiErr ErrorResponse
			if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
				return fmt.Errorf("gmail API error (%d) on GET %s: %s",
					resp.StatusCode, path, apiErr.Error.Message)
			}
			return fmt.Errorf("unexpected status %d on GET %s: %s",
				resp.StatusCode, path, string(body))
		}

		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("unmarshaling response from GET %s: %w", path, err)
		}
		return nil
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr)
}

// retryAfterDuration reads the Retry-After header and computes a wait
// duration. Falls back to exponential backoff if the header is missing.
func retryAfterDuration(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}

	// Exponential backoff: 1s, 2s, 4s, ...
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}

// GetProfile implements remote.Feed.
func (c *Client) GetProfile(ctx context.Context) (*remote.Profile, error) {
	var resp ProfileResponse
	if err := c.get(ctx, "/profile", nil, &resp); err != nil {
		return nil, fmt.Errorf("getting profile: %w", err)
	}
	return &remote.Profile{
		EmailAddress:  resp.EmailAddress,
		HistoryToken:  resp.HistoryID,
		MessagesTotal: resp.MessagesTotal,
	}, nil
}

// ListMessages implements remote.Feed, following page tokens until
// maxResults references have been collected.
func (c *Client) ListMessages(ctx context.Context, maxResults int, labelIDs []string) ([]remote.MessageRef, error) {
	var refs []remote.MessageRef
	pageToken := ""

	for maxResults <= 0 || len(refs) < maxResults {
		pageSize := maxPageSize
		if maxResults > 0 {
			pageSize = min(maxResults-len(refs), maxPageSize)
		}

		q := url.Values{}
		q.Set("maxResults", strconv.Itoa(pageSize))
		for _, id := range labelIDs {
			q.Add("labelIds", id)
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var resp ListMessagesResponse
		if err := c.get(ctx, "/messages", q, &resp); err != nil {
			return nil, fmt.Errorf("listing messages: %w", err)
		}
		for _, m := range resp.Messages {
			refs = append(refs, remote.MessageRef{ID: m.ID, ThreadID: m.ThreadID})
		}

		pageToken = resp.NextPageToken
		if pageToken == "" || len(resp.Messages) == 0 {
			break
		}
	}

	if maxResults > 0 && len(refs) > maxResults {
		refs = refs[:maxResults]
	}
	return refs, nil
}

// GetMessage implements remote.Feed.
func (c *Client) GetMessage(ctx context.Context, id string, format remote.Format) (*remote.Message, error) {
	q := url.Values{}
	q.Set("format", string(format))

	var resp Message
	err := c.get(ctx, "/messages/"+url.PathEscape(id), q, &resp)
	if errors.Is(err, errNotFound) {
		return nil, fmt.Errorf("message %s: %w", id, remote.ErrMessageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}

	msg := &remote.Message{
		ID:           resp.ID,
		ThreadID:     resp.ThreadID,
		LabelIDs:     resp.LabelIDs,
		Snippet:      resp.Snippet,
		HistoryToken: resp.HistoryID,
		SizeEstimate: resp.SizeEstimate,
	}
	if resp.InternalDate != "" {
		ms, err := strconv.ParseInt(resp.InternalDate, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing internalDate of message %s: %w", id, err)
		}
		msg.InternalDate = time.UnixMilli(ms).UTC()
	}
	if resp.Raw != "" {
		raw, err := decodeRaw(resp.Raw)
		if err != nil {
			return nil, fmt.Errorf("decoding raw content of message %s: %w", id, err)
		}
		msg.Raw = raw
	}
	return msg, nil
}

// decodeRaw accepts base64url with or without padding.
func decodeRaw(s string) ([]byte, error) {
	if strings.HasSuffix(s, "=") {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// ListHistory implements remote.Feed. A 404 means the start token is older
// than the retained history.
func (c *Client) ListHistory(ctx context.Context, req remote.HistoryRequest) (*remote.HistoryPage, error) {
	q := url.Values{}
	q.Set("startHistoryId", req.StartToken)
	if req.PageSize > 0 {
		q.Set("maxResults", strconv.Itoa(min(req.PageSize, maxPageSize)))
	}
	for _, t := range req.Types {
		q.Add("historyTypes", string(t))
	}
	if req.LabelID != "" {
		q.Set("labelId", req.LabelID)
	}
	if req.PageToken != "" {
		q.Set("pageToken", req.PageToken)
	}

	var resp ListHistoryResponse
	err := c.get(ctx, "/history", q, &resp)
	if errors.Is(err, errNotFound) {
		return nil, remote.ErrCursorExpired
	}
	if err != nil {
		return nil, fmt.Errorf("listing history since %s: %w", req.StartToken, err)
	}

	page := &remote.HistoryPage{
		LatestToken:   resp.HistoryID,
		NextPageToken: resp.NextPageToken,
		Records:       make([]remote.HistoryRecord, 0, len(resp.History)),
	}
	for _, h := range resp.History {
		rec := remote.HistoryRecord{ID: h.ID}
		for _, a := range h.MessagesAdded {
			rec.Added = append(rec.Added, toRef(a.Message))
		}
		for _, d := range h.MessagesDeleted {
			rec.Deleted = append(rec.Deleted, toRef(d.Message))
		}
		for _, l := range h.LabelsAdded {
			rec.LabelsAdded = append(rec.LabelsAdded, remote.LabelChange{Message: toRef(l.Message), LabelIDs: l.LabelIDs})
		}
		for _, l := range h.LabelsRemoved {
			rec.LabelsRemoved = append(rec.LabelsRemoved, remote.LabelChange{Message: toRef(l.Message), LabelIDs: l.LabelIDs})
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

func toRef(m MessageRef) remote.MessageRef {
	return remote.MessageRef{ID: m.ID, ThreadID: m.ThreadID, LabelIDs: m.LabelIDs}
}

// ListLabels implements remote.Feed.
func (c *Client) ListLabels(ctx context.Context) ([]model.Label, error) {
	var resp ListLabelsResponse
	if err := c.get(ctx, "/labels", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing labels: %w", err)
	}

	labels := make([]model.Label, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		labels = append(labels, model.Label{ID: l.ID, Name: l.Name, Type: l.Type})
	}
	return labels, nil
}

// FindLabelByName implements remote.Feed.
func (c *Client) FindLabelByName(ctx context.Context, name string) (*model.Label, bool, error) {
	labels, err := c.ListLabels(ctx)
	if err != nil {
		return nil, false, err
	}
	l, ok := remote.FindLabel(labels, name)
	return l, ok, nil
}

var _ remote.Feed = (*Client)(nil)

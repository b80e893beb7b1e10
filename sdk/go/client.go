package fieldchecksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Fieldcheck HTTP API client.
type Client struct {
	BaseURL     string
	SiteID      string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, siteID string) *Client {
	return &Client{
		BaseURL: baseURL,
		SiteID:  siteID,
		Timeout: 10 * time.Second,
	}
}

// Instance represents a checklist instance (partial).
type Instance struct {
	ID          string `json:"id"`
	SiteID      string `json:"site_id"`
	TemplateID  string `json:"template_id"`
	Name        string `json:"name,omitempty"`
	Status      string `json:"status"`
	SubmittedAt string `json:"submitted_at,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// ItemResponse represents the recorded answer for one checklist item.
type ItemResponse struct {
	ID         string   `json:"id,omitempty"`
	InstanceID string   `json:"instance_id"`
	ItemID     string   `json:"item_id"`
	Status     string   `json:"status"`
	Notes      string   `json:"notes,omitempty"`
	ImageURLs  []string `json:"image_urls"`
	UpdatedAt  string   `json:"updated_at,omitempty"`
}

// Progress reports how many items of an instance are answered.
type Progress struct {
	Completed  int `json:"completed"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// Deficiency names one unmet requirement blocking submission.
type Deficiency struct {
	ItemID   string `json:"item_id,omitempty"`
	ItemName string `json:"item_name,omitempty"`
	Kind     string `json:"kind"`
}

// Deficiencies is the readiness report for an instance.
type Deficiencies struct {
	Ready bool         `json:"ready"`
	Items []Deficiency `json:"items"`
}

// UploadedPhoto reports the outcome of one file in a photo batch.
type UploadedPhoto struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
	OK   bool   `json:"ok"`
}

// PhotoBatch is the result of attaching photos to an item.
type PhotoBatch struct {
	Uploaded []UploadedPhoto `json:"uploaded"`
	Response ItemResponse    `json:"response"`
}

// Signature represents a captured instance signature.
type Signature struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	SignerID   string `json:"signer_id,omitempty"`
	URL        string `json:"url"`
	CapturedAt string `json:"captured_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SiteID     string         `json:"site_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateInstance creates an instance from a template.
func (c *Client) CreateInstance(ctx context.Context, templateID, name string) (Instance, error) {
	body := map[string]any{
		"template_id": templateID,
	}
	if name != "" {
		body["name"] = name
	}
	var resp Instance
	err := c.do(ctx, http.MethodPost, c.sitePath("instances"), body, &resp)
	return resp, err
}

// GetInstance fetches an instance by id.
func (c *Client) GetInstance(ctx context.Context, instanceID string) (Instance, error) {
	var resp Instance
	endpoint := c.sitePath(fmt.Sprintf("instances/%s", url.PathEscape(instanceID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ResponsePatch carries partial response fields. Nil fields are left
// untouched on the server.
type ResponsePatch struct {
	Status    *string   `json:"status,omitempty"`
	Notes     *string   `json:"notes,omitempty"`
	ImageURLs *[]string `json:"image_urls,omitempty"`
}

// RecordResponse merges a patch into the response for one item.
func (c *Client) RecordResponse(ctx context.Context, instanceID, itemID string, patch ResponsePatch) (ItemResponse, error) {
	var resp ItemResponse
	endpoint := c.sitePath(fmt.Sprintf("instances/%s/items/%s",
		url.PathEscape(instanceID), url.PathEscape(itemID)))
	err := c.do(ctx, http.MethodPatch, endpoint, patch, &resp)
	return resp, err
}

// ListResponses returns recorded responses for an instance.
func (c *Client) ListResponses(ctx context.Context, instanceID string) ([]ItemResponse, error) {
	var resp []ItemResponse
	endpoint := c.sitePath(fmt.Sprintf("instances/%s/items", url.PathEscape(instanceID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Photo is one file in an upload batch.
type Photo struct {
	Name   string
	Reader io.Reader
}

// UploadPhotos uploads a batch of photos and attaches the stored URLs
// to the item's response. Files the server fails to store are reported
// with OK=false and are not attached.
func (c *Client) UploadPhotos(ctx context.Context, instanceID, itemID string, photos []Photo) (PhotoBatch, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range photos {
		part, err := mw.CreateFormFile("photos", p.Name)
		if err != nil {
			return PhotoBatch{}, err
		}
		if _, err := io.Copy(part, p.Reader); err != nil {
			return PhotoBatch{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return PhotoBatch{}, err
	}
	endpoint := c.sitePath(fmt.Sprintf("instances/%s/items/%s/photos",
		url.PathEscape(instanceID), url.PathEscape(itemID)))
	var resp PhotoBatch
	err := c.doRaw(ctx, http.MethodPost, endpoint, mw.FormDataContentType(), &buf, &resp)
	return resp, err
}

// CaptureSignature records a signature URL for the instance.
func (c *Client) CaptureSignature(ctx context.Context, instanceID, signatureURL string) (Signature, error) {
	body := map[string]any{
		"url": signatureURL,
	}
	var resp Signature
	endpoint := c.sitePath(fmt.Sprintf("instances/%s/signature", url.PathEscape(instanceID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Progress returns completion progress for an instance.
func (c *Client) Progress(ctx context.Context, instanceID string) (Progress, error) {
	var resp Progress
	endpoint := c.sitePath(fmt.Sprintf("instances/%s/progress", url.PathEscape(instanceID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Deficiencies returns the outstanding requirements for an instance.
func (c *Client) Deficiencies(ctx context.Context, instanceID string) (Deficiencies, error) {
	var resp Deficiencies
	endpoint := c.sitePath(fmt.Sprintf("instances/%s/deficiencies", url.PathEscape(instanceID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Submit submits the instance. A 422 response means outstanding
// deficiencies block it; inspect the APIError body.
func (c *Client) Submit(ctx context.Context, instanceID string) (Instance, error) {
	var resp Instance
	endpoint := c.sitePath(fmt.Sprintf("instances/%s/submit", url.PathEscape(instanceID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.sitePath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	return c.doRaw(ctx, method, endpoint, "application/json", &buf, out)
}

func (c *Client) doRaw(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) sitePath(p string) string {
	site := url.PathEscape(c.SiteID)
	return fmt.Sprintf("v0/sites/%s/%s", site, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

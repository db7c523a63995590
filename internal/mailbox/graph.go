package mailbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/janhalen/azure-smartmail/internal/common"
	"github.com/janhalen/azure-smartmail/internal/extract"
	"github.com/janhalen/azure-smartmail/internal/model"
)

// DefaultGraphBaseURL is the production Microsoft Graph endpoint.
const DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

// wellKnownFolders maps friendly names used in folder paths to Graph
// well-known folder ids.
var wellKnownFolders = map[string]string{
	"inbox": "inbox",
	"junk":  "junkemail",
}

// GraphConfig holds the client-credentials settings for one Graph tenant.
type GraphConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	BaseURL      string
}

// GraphClient implements Provider against the Microsoft Graph REST API using
// an app-only client-credentials token.
type GraphClient struct {
	httpClient *http.Client
	baseURL    string
	// extractAttachments, when set, turns raw attachment payloads into plain
	// text. Attachment parsing itself is an external concern.
	extractAttachments func(name, contentType string, content []byte) (string, bool)
}

// GraphOption configures a GraphClient.
type GraphOption func(*GraphClient)

// WithAttachmentTextExtractor installs the external attachment text
// extractor. Without it, attachment texts stay empty.
func WithAttachmentTextExtractor(fn func(name, contentType string, content []byte) (string, bool)) GraphOption {
	return func(c *GraphClient) {
		c.extractAttachments = fn
	}
}

// WithHTTPClient replaces the token-authenticated client; used by tests.
func WithHTTPClient(httpClient *http.Client) GraphOption {
	return func(c *GraphClient) {
		c.httpClient = httpClient
	}
}

// NewGraphClient builds a Graph provider for one tenant.
func NewGraphClient(ctx context.Context, cfg GraphConfig, opts ...GraphOption) (*GraphClient, error) {
	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: graph tenant, client id and secret are required", common.ErrMissingConfig)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultGraphBaseURL
	}

	creds := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}

	c := &GraphClient{
		httpClient: creds.Client(ctx),
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type graphFolder struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type graphFolderList struct {
	Value []graphFolder `json:"value"`
}

// RootFolder returns the message folder root of a mailbox.
func (c *GraphClient) RootFolder(ctx context.Context, mailbox string) (Folder, error) {
	var folder graphFolder
	path := fmt.Sprintf("/users/%s/mailFolders/msgfolderroot", url.PathEscape(mailbox))
	if err := c.get(ctx, path, &folder); err != nil {
		return Folder{}, fmt.Errorf("resolve root of %s: %w", mailbox, err)
	}
	return Folder{ID: folder.ID, DisplayName: folder.DisplayName, Mailbox: mailbox}, nil
}

// ChildFolder resolves one named child under parent. Well-known names
// ("Inbox", "Junk") resolve directly regardless of parent.
func (c *GraphClient) ChildFolder(ctx context.Context, parent Folder, name string) (Folder, error) {
	if wellKnown, ok := wellKnownFolders[strings.ToLower(name)]; ok {
		var folder graphFolder
		path := fmt.Sprintf("/users/%s/mailFolders/%s", url.PathEscape(parent.Mailbox), wellKnown)
		if err := c.get(ctx, path, &folder); err != nil {
			return Folder{}, fmt.Errorf("resolve %s of %s: %w", name, parent.Mailbox, err)
		}
		return Folder{ID: folder.ID, DisplayName: folder.DisplayName, Mailbox: parent.Mailbox}, nil
	}

	var list graphFolderList
	filter := url.QueryEscape(fmt.Sprintf("displayName eq '%s'", strings.ReplaceAll(name, "'", "''")))
	path := fmt.Sprintf("/users/%s/mailFolders/%s/childFolders?$filter=%s",
		url.PathEscape(parent.Mailbox), url.PathEscape(parent.ID), filter)
	if err := c.get(ctx, path, &list); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return Folder{}, fmt.Errorf("folder %q under %q: %w", name, parent.DisplayName, common.ErrFolderNotFound)
		}
		return Folder{}, fmt.Errorf("resolve folder %q under %q: %w", name, parent.DisplayName, err)
	}
	if len(list.Value) == 0 {
		return Folder{}, fmt.Errorf("folder %q under %q: %w", name, parent.DisplayName, common.ErrFolderNotFound)
	}
	return Folder{ID: list.Value[0].ID, DisplayName: list.Value[0].DisplayName, Mailbox: parent.Mailbox}, nil
}

// CreateFolder creates a named child under parent.
func (c *GraphClient) CreateFolder(ctx context.Context, parent Folder, name string) (Folder, error) {
	var folder graphFolder
	path := fmt.Sprintf("/users/%s/mailFolders/%s/childFolders",
		url.PathEscape(parent.Mailbox), url.PathEscape(parent.ID))
	if err := c.post(ctx, path, map[string]string{"displayName": name}, &folder); err != nil {
		return Folder{}, fmt.Errorf("create folder %q under %q: %w", name, parent.DisplayName, err)
	}
	return Folder{ID: folder.ID, DisplayName: folder.DisplayName, Mailbox: parent.Mailbox}, nil
}

type graphMessageRef struct {
	ID               string    `json:"id"`
	Subject          string    `json:"subject"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
}

type graphMessageList struct {
	Value []graphMessageRef `json:"value"`
}

// ListSince enumerates messages received strictly after since.
func (c *GraphClient) ListSince(ctx context.Context, folder Folder, since time.Time) ([]MessageRef, error) {
	filter := url.QueryEscape(fmt.Sprintf("receivedDateTime gt %s", since.UTC().Format(time.RFC3339)))
	path := fmt.Sprintf("/users/%s/mailFolders/%s/messages?$select=id,subject,receivedDateTime&$filter=%s&$orderby=receivedDateTime&$top=200",
		url.PathEscape(folder.Mailbox), url.PathEscape(folder.ID), filter)

	var list graphMessageList
	if err := c.get(ctx, path, &list); err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", folder.Mailbox, folder.DisplayName, err)
	}

	refs := make([]MessageRef, len(list.Value))
	for i, v := range list.Value {
		refs[i] = MessageRef{ID: v.ID, Subject: v.Subject, ReceivedAt: v.ReceivedDateTime}
	}
	return refs, nil
}

type graphAddress struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphFullMessage struct {
	ID               string       `json:"id"`
	Subject          string       `json:"subject"`
	ReceivedDateTime time.Time    `json:"receivedDateTime"`
	From             graphAddress `json:"from"`
	Body             struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	HasAttachments bool `json:"hasAttachments"`
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes []byte `json:"contentBytes"`
}

type graphAttachmentList struct {
	Value []graphAttachment `json:"value"`
}

// Fetch retrieves the full message with the body reduced to plain text.
func (c *GraphClient) Fetch(ctx context.Context, mailbox, messageID string) (*model.Message, error) {
	var full graphFullMessage
	path := fmt.Sprintf("/users/%s/messages/%s?$select=id,subject,from,body,receivedDateTime,hasAttachments",
		url.PathEscape(mailbox), url.PathEscape(messageID))
	if err := c.get(ctx, path, &full); err != nil {
		return nil, fmt.Errorf("fetch message %s: %w", messageID, err)
	}

	msg := &model.Message{
		ID:         full.ID,
		ProviderID: full.ID,
		Subject:    full.Subject,
		Body:       extract.CleanBody(full.Body.Content),
		Sender:     full.From.EmailAddress.Address,
		ReceivedAt: full.ReceivedDateTime,
	}

	if full.HasAttachments && c.extractAttachments != nil {
		texts, err := c.attachmentTexts(ctx, mailbox, messageID)
		if err != nil {
			return nil, err
		}
		msg.AttachmentTexts = texts
	}

	return msg, nil
}

func (c *GraphClient) attachmentTexts(ctx context.Context, mailbox, messageID string) ([]string, error) {
	var list graphAttachmentList
	path := fmt.Sprintf("/users/%s/messages/%s/attachments", url.PathEscape(mailbox), url.PathEscape(messageID))
	if err := c.get(ctx, path, &list); err != nil {
		return nil, fmt.Errorf("fetch attachments of %s: %w", messageID, err)
	}

	var texts []string
	for _, a := range list.Value {
		if a.ODataType != "#microsoft.graph.fileAttachment" {
			texts = append(texts, " ")
			continue
		}
		if text, ok := c.extractAttachments(a.Name, a.ContentType, a.ContentBytes); ok {
			texts = append(texts, text)
		} else {
			texts = append(texts, " ")
		}
	}
	return texts, nil
}

// Move relocates a message into the folder.
func (c *GraphClient) Move(ctx context.Context, mailbox, messageID string, folder Folder) error {
	path := fmt.Sprintf("/users/%s/messages/%s/move", url.PathEscape(mailbox), url.PathEscape(messageID))
	if err := c.post(ctx, path, map[string]string{"destinationId": folder.ID}, nil); err != nil {
		return fmt.Errorf("move message %s to %s: %w", messageID, folder.DisplayName, err)
	}
	return nil
}

// Copy duplicates a message into the folder.
func (c *GraphClient) Copy(ctx context.Context, mailbox, messageID string, folder Folder) error {
	path := fmt.Sprintf("/users/%s/messages/%s/copy", url.PathEscape(mailbox), url.PathEscape(messageID))
	if err := c.post(ctx, path, map[string]string{"destinationId": folder.ID}, nil); err != nil {
		return fmt.Errorf("copy message %s to %s: %w", messageID, folder.DisplayName, err)
	}
	return nil
}

// Forward sends the message on to the given addresses.
func (c *GraphClient) Forward(ctx context.Context, mailbox, messageID string, to []string, comment string) error {
	recipients := make([]map[string]map[string]string, len(to))
	for i, addr := range to {
		recipients[i] = map[string]map[string]string{
			"emailAddress": {"address": addr},
		}
	}
	body := map[string]any{
		"comment":      comment,
		"toRecipients": recipients,
	}
	path := fmt.Sprintf("/users/%s/messages/%s/forward", url.PathEscape(mailbox), url.PathEscape(messageID))
	if err := c.post(ctx, path, body, nil); err != nil {
		return fmt.Errorf("forward message %s: %w", messageID, err)
	}
	return nil
}

func (c *GraphClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", `outlook.body-content-type="text"`)
	return c.do(req, out)
}

func (c *GraphClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *GraphClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &common.RetryableError{Err: err, Retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return common.ErrNotFound
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &common.RetryableError{
			Err:       fmt.Errorf("graph API returned HTTP %d", resp.StatusCode),
			Retryable: true,
		}
	case resp.StatusCode >= 400:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &common.RetryableError{
			Err:       fmt.Errorf("%w: HTTP %d: %s", common.ErrProviderRejected, resp.StatusCode, string(detail)),
			Retryable: false,
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

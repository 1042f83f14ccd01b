// Package remote talks to the IM server's REST API and to the object store
// holding per-user metadata and avatar files.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// REST paths.
const (
	PathPullContact       = "/contact/pull-contact"
	PathPullApplication   = "/contact/cursor-pull-application"
	PathPullMailbox       = "/message/pull-mailbox"
	PathAckConfirm        = "/message/ack-confirm"
	PathUserBaseInfoList  = "/user-info/base-info-list"
	PathGroupBaseInfoList = "/group/base-info-list"
)

// Options configures a Client.
type Options struct {
	BaseURL         string
	AtomPath        string
	Token           string
	Timeout         time.Duration
	DownloadTimeout time.Duration
}

// Client is safe for concurrent use.
type Client struct {
	api      *resty.Client
	object   *resty.Client
	download *resty.Client
	atomBase string
}

// New creates a client. AtomPath may be an absolute URL or a path on BaseURL.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 60 * time.Second
	}
	api := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json")
	if opts.Token != "" {
		api.SetAuthToken(opts.Token)
	}

	atom := opts.AtomPath
	if !strings.HasPrefix(atom, "http://") && !strings.HasPrefix(atom, "https://") {
		atom = strings.TrimRight(opts.BaseURL, "/") + "/" + strings.TrimLeft(atom, "/")
	}

	return &Client{
		api:      api,
		object:   resty.New().SetTimeout(opts.Timeout),
		download: resty.New().SetTimeout(opts.DownloadTimeout),
		atomBase: strings.TrimRight(atom, "/"),
	}
}

// PullContacts fetches the full contact list in one call.
func (c *Client) PullContacts(ctx context.Context) ([]Contact, error) {
	var out contactList
	if err := c.call(ctx, "GET", PathPullContact, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.ContactList, nil
}

// PullApplications fetches one page of applications after cursor.
func (c *Client) PullApplications(ctx context.Context, cursor string, pageSize int) (*ApplicationPage, error) {
	q := map[string]string{
		"pageSize": strconv.Itoa(pageSize),
		"cursor":   cursor,
	}
	var page ApplicationPage
	if err := c.call(ctx, "GET", PathPullApplication, q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// PullMailbox fetches the next batch of offline messages.
func (c *Client) PullMailbox(ctx context.Context) (*Mailbox, error) {
	var box Mailbox
	if err := c.call(ctx, "GET", PathPullMailbox, nil, nil, &box); err != nil {
		return nil, err
	}
	return &box, nil
}

// AckConfirm acknowledges mailbox messages in one batch.
func (c *Client) AckConfirm(ctx context.Context, messageIDs []string) error {
	body := map[string][]string{"messageIdList": messageIDs}
	return c.call(ctx, "POST", PathAckConfirm, nil, body, nil)
}

// UserBaseInfo fetches display data for users.
func (c *Client) UserBaseInfo(ctx context.Context, ids []string) ([]BaseInfo, error) {
	return c.baseInfo(ctx, PathUserBaseInfoList, ids)
}

// GroupBaseInfo fetches display data for groups.
func (c *Client) GroupBaseInfo(ctx context.Context, ids []string) ([]BaseInfo, error) {
	return c.baseInfo(ctx, PathGroupBaseInfoList, ids)
}

func (c *Client) baseInfo(ctx context.Context, path string, ids []string) ([]BaseInfo, error) {
	var out []BaseInfo
	body := map[string][]string{"targetList": ids}
	if err := c.call(ctx, "POST", path, nil, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UserMeta fetches {atomPath}/{userID}.json. The document is a bare JSON
// object, not an envelope.
func (c *Client) UserMeta(ctx context.Context, userID string) (*UserMeta, error) {
	target := c.atomBase + "/" + url.PathEscape(userID) + ".json"
	resp, err := c.object.R().SetContext(ctx).Get(target)
	if err != nil {
		return nil, &TransportError{Path: target, Err: err}
	}
	if resp.IsError() {
		return nil, &TransportError{Path: target, Status: resp.StatusCode(), Err: errors.New(resp.Status())}
	}
	var meta UserMeta
	if err := json.Unmarshal(resp.Body(), &meta); err != nil {
		return nil, &TransportError{Path: target, Err: fmt.Errorf("decode metadata: %w", err)}
	}
	return &meta, nil
}

// Download streams the object at rawURL into w.
func (c *Client) Download(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	resp, err := c.download.R().SetContext(ctx).SetDoNotParseResponse(true).Get(rawURL)
	if err != nil {
		return 0, &TransportError{Path: rawURL, Err: err}
	}
	body := resp.RawBody()
	defer func() { _ = body.Close() }()
	if resp.IsError() {
		return 0, &TransportError{Path: rawURL, Status: resp.StatusCode(), Err: errors.New(resp.Status())}
	}
	n, err := io.Copy(w, body)
	if err != nil {
		return n, &TransportError{Path: rawURL, Err: fmt.Errorf("read body: %w", err)}
	}
	return n, nil
}

// call performs one enveloped API request and decodes data into out.
func (c *Client) call(ctx context.Context, method, path string, query map[string]string, body, out any) error {
	req := c.api.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return &TransportError{Path: path, Err: err}
	}
	if resp.IsError() {
		return &TransportError{Path: path, Status: resp.StatusCode(), Err: errors.New(resp.Status())}
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return &TransportError{Path: path, Err: fmt.Errorf("decode envelope: %w", err)}
	}
	if !env.Success {
		return &AppError{Path: path, Code: env.ErrCode.String(), Msg: env.ErrMsg}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &TransportError{Path: path, Err: fmt.Errorf("decode data: %w", err)}
	}
	return nil
}

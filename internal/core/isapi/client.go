package isapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/trymwestin/hikd/internal/core/auth"
)

// ValidationError is a fatal setup failure: the identity endpoint was
// unreachable or rejected the request. It never occurs once streaming.
type ValidationError struct {
	Status int
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("isapi: device validation failed: %v", e.Err)
	}
	return fmt.Sprintf("isapi: device validation failed: HTTP %d", e.Status)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Options configures a Client.
type Options struct {
	Host     string
	Port     int
	UseSSL   bool
	Username string
	Password string
}

// Client issues digest-authenticated requests against one device. Short
// requests get a bounded timeout; the alert stream gets none, cancellation
// comes from the caller's context.
type Client struct {
	baseURL string
	digest  *auth.DigestState
	short   *http.Client
	stream  *http.Client
	log     *slog.Logger
}

// NewClient creates a client for the device described by opts.
func NewClient(opts Options, log *slog.Logger) *Client {
	scheme := "http"
	if opts.UseSSL {
		scheme = "https"
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // DVRs ship self-signed certs
	}

	return &Client{
		baseURL: fmt.Sprintf("%s://%s:%d", scheme, opts.Host, opts.Port),
		digest:  auth.NewDigestState(opts.Username, opts.Password),
		short:   &http.Client{Transport: transport, Timeout: 15 * time.Second},
		stream:  &http.Client{Transport: transport},
		log:     log,
	}
}

// BaseURL returns the device base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// do performs a GET with digest authentication. On a 401 it installs the
// new challenge and replays the request once; a second 401 means the
// device rejected a fresh response, which is auth.ErrAuthRejected.
func (c *Client) do(ctx context.Context, hc *http.Client, path string) (*http.Response, error) {
	resp, err := c.send(ctx, hc, path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	fresh := c.digest.UpdateFromHeader(resp.Header.Get("WWW-Authenticate"))
	drain(resp)
	if !fresh {
		return nil, auth.ErrAuthRejected
	}

	resp, err = c.send(ctx, hc, path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		return nil, auth.ErrAuthRejected
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, hc *http.Client, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("isapi: build request %s: %w", path, err)
	}
	if header, ok := c.digest.Authorization(http.MethodGet, path); ok {
		req.Header.Set("Authorization", header)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("isapi: request %s: %w", path, err)
	}
	return resp, nil
}

// FetchText fetches a one-shot endpoint and returns status with body text.
func (c *Client) FetchText(ctx context.Context, path string) (int, string, error) {
	resp, err := c.do(ctx, c.short, path)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("isapi: read %s: %w", path, err)
	}
	return resp.StatusCode, string(body), nil
}

// ValidateDeviceInfo confirms reachability and credentials by fetching the
// device identity endpoint. Any non-success outcome is a ValidationError,
// except credential rejection which stays auth.ErrAuthRejected.
func (c *Client) ValidateDeviceInfo(ctx context.Context) error {
	status, _, err := c.FetchText(ctx, DeviceInfoPath)
	if err != nil {
		if errors.Is(err, auth.ErrAuthRejected) {
			return err
		}
		return &ValidationError{Err: err}
	}
	if status != http.StatusOK {
		return &ValidationError{Status: status}
	}
	return nil
}

// DiscoverChannels probes the known channel listing endpoints and returns
// the ids found by the first one that answers usefully. Discovery failures
// are soft: an empty slice just means channels appear lazily from events.
func (c *Client) DiscoverChannels(ctx context.Context) []int {
	for _, path := range ChannelDiscoveryPaths {
		status, body, err := c.FetchText(ctx, path)
		if err != nil {
			c.log.Debug("isapi: channel discovery probe failed", "path", path, "error", err)
			continue
		}
		if status != http.StatusOK {
			c.log.Debug("isapi: channel discovery probe rejected", "path", path, "status", status)
			continue
		}
		if ids := ParseChannelIDs([]byte(body)); len(ids) > 0 {
			c.log.Info("isapi: discovered channels", "path", path, "channels", ids)
			return ids
		}
	}
	c.log.Debug("isapi: no channels discovered from known endpoints")
	return nil
}

// OpenAlertStream opens the long-lived event stream and returns its body.
// The caller owns the body and must close it; reads are unblocked by
// cancelling ctx.
func (c *Client) OpenAlertStream(ctx context.Context) (io.ReadCloser, error) {
	resp, err := c.do(ctx, c.stream, AlertStreamPath)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		drain(resp)
		return nil, fmt.Errorf("isapi: alertStream returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp.Body, nil
}

// ParseChannelIDs extracts channel ids from a discovery response body.
// Both DVR (<channelID>) and NVR proxy (<id>) element names are accepted.
func ParseChannelIDs(body []byte) []int {
	found := map[int]bool{}

	dec := xml.NewDecoder(bytes.NewReader(body))
	var current string
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			current = t.Name.Local
		case xml.EndElement:
			current = ""
		case xml.CharData:
			if current != "channelID" && current != "id" {
				continue
			}
			if id, err := strconv.Atoi(strings.TrimSpace(string(t))); err == nil && id > 0 {
				found[id] = true
			}
		}
	}

	ids := make([]int, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
	resp.Body.Close()
}

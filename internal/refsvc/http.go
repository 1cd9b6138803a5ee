package refsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"ccsync/internal/cloudsync"
)

// HTTPClient talks JSON to a remote reference service. The token is sent as a
// bearer credential on every request; obtaining it is the operator's problem.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ cloudsync.ReferenceService = (*HTTPClient)(nil)

// NewHTTPClient returns a client for the service at baseURL. A zero timeout
// defaults to 30 seconds.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type wireRefs struct {
	Version    int64                       `json:"version"`
	Heads      []cloudsync.CommitID        `json:"heads"`
	Bookmarks  map[string]cloudsync.CommitID `json:"bookmarks"`
	HeadDates  map[cloudsync.CommitID]int64  `json:"head_dates"`
	ObsMarkers []wireMarker                `json:"obsmarkers,omitempty"`
}

type wireMarker struct {
	Predecessor cloudsync.CommitID   `json:"predecessor"`
	Successors  []cloudsync.CommitID `json:"successors"`
	Time        int64                `json:"time"`
	Operation   string               `json:"operation,omitempty"`
	Metadata    map[string]string    `json:"metadata,omitempty"`
}

func (w *wireRefs) toCloudRefs() *cloudsync.CloudRefs {
	refs := &cloudsync.CloudRefs{
		Version:   w.Version,
		Heads:     w.Heads,
		Bookmarks: w.Bookmarks,
		HeadDates: make(map[cloudsync.CommitID]time.Time, len(w.HeadDates)),
	}
	if refs.Bookmarks == nil {
		refs.Bookmarks = map[string]cloudsync.CommitID{}
	}
	for id, unix := range w.HeadDates {
		refs.HeadDates[id] = time.Unix(unix, 0).UTC()
	}
	for _, m := range w.ObsMarkers {
		refs.ObsMarkers = append(refs.ObsMarkers, cloudsync.ObsMarker{
			Predecessor: m.Predecessor,
			Successors:  m.Successors,
			Time:        time.Unix(m.Time, 0).UTC(),
			Operation:   m.Operation,
			Metadata:    m.Metadata,
		})
	}
	return refs
}

func toWireMarkers(markers []cloudsync.ObsMarker) []wireMarker {
	out := make([]wireMarker, 0, len(markers))
	for _, m := range markers {
		out = append(out, wireMarker{
			Predecessor: m.Predecessor,
			Successors:  m.Successors,
			Time:        m.Time.Unix(),
			Operation:   m.Operation,
			Metadata:    m.Metadata,
		})
	}
	return out
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *HTTPClient) Check(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/check", nil, nil, nil)
}

func (c *HTTPClient) GetReferences(ctx context.Context, repoName, workspace string, sinceVersion int64) (*cloudsync.CloudRefs, error) {
	query := url.Values{
		"repo":      {repoName},
		"workspace": {workspace},
		"since":     {strconv.FormatInt(sinceVersion, 10)},
	}
	var refs wireRefs
	if err := c.do(ctx, http.MethodGet, "/v1/references", query, nil, &refs); err != nil {
		return nil, err
	}
	return refs.toCloudRefs(), nil
}

func (c *HTTPClient) UpdateReferences(ctx context.Context, req cloudsync.UpdateRequest) (*cloudsync.UpdateResult, error) {
	body := struct {
		RepoName     string                        `json:"repo"`
		Workspace    string                        `json:"workspace"`
		Version      int64                         `json:"version"`
		OldHeads     []cloudsync.CommitID          `json:"old_heads"`
		NewHeads     []cloudsync.CommitID          `json:"new_heads"`
		OldBookmarks []string                      `json:"old_bookmarks"`
		NewBookmarks map[string]cloudsync.CommitID `json:"new_bookmarks"`
		ObsMarkers   []wireMarker                  `json:"obsmarkers,omitempty"`
	}{
		RepoName:     req.RepoName,
		Workspace:    req.Workspace,
		Version:      req.Version,
		OldHeads:     req.OldHeads,
		NewHeads:     req.NewHeads,
		OldBookmarks: req.OldBookmarks,
		NewBookmarks: req.NewBookmarks,
		ObsMarkers:   toWireMarkers(req.ObsMarkers),
	}

	var resp struct {
		Accepted bool     `json:"accepted"`
		Refs     wireRefs `json:"refs"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/references", nil, body, &resp); err != nil {
		return nil, err
	}
	return &cloudsync.UpdateResult{Accepted: resp.Accepted, Refs: resp.Refs.toCloudRefs()}, nil
}

func (c *HTTPClient) FilterPushedHeads(ctx context.Context, repoName string, heads []cloudsync.CommitID) ([]cloudsync.CommitID, error) {
	body := struct {
		RepoName string               `json:"repo"`
		Heads    []cloudsync.CommitID `json:"heads"`
	}{repoName, heads}

	var resp struct {
		Missing []cloudsync.CommitID `json:"missing"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/filter-pushed", nil, body, &resp); err != nil {
		return nil, err
	}
	return resp.Missing, nil
}

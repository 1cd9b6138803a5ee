package refsvc_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ccsync/internal/cloudsync"
	"ccsync/internal/refsvc"
)

func TestHTTPClient_Check(t *testing.T) {
	t.Run("sends the bearer token", func(t *testing.T) {
		var gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1/check" {
				t.Errorf("path = %q, want /v1/check", r.URL.Path)
			}
			gotAuth = r.Header.Get("Authorization")
		}))
		defer srv.Close()

		c := refsvc.NewHTTPClient(srv.URL, "secret", 0)
		if err := c.Check(context.Background()); err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if gotAuth != "Bearer secret" {
			t.Errorf("Authorization = %q, want Bearer secret", gotAuth)
		}
	})

	t.Run("reports non-200 with the response body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no such workspace", http.StatusNotFound)
		}))
		defer srv.Close()

		c := refsvc.NewHTTPClient(srv.URL, "", 0)
		err := c.Check(context.Background())
		if err == nil {
			t.Fatal("Check() error = nil, want error")
		}
	})
}

func TestHTTPClient_GetReferences(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/references" || r.Method != http.MethodGet {
			t.Errorf("request = %s %s, want GET /v1/references", r.Method, r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("repo") != "testrepo" || q.Get("workspace") != "default" || q.Get("since") != "3" {
			t.Errorf("query = %v, want repo=testrepo workspace=default since=3", q)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"version":   int64(4),
			"heads":     []string{"a1", "b1"},
			"bookmarks": map[string]string{"main": "b1"},
			"head_dates": map[string]int64{
				"a1": 1700000000,
			},
			"obsmarkers": []map[string]any{
				{
					"predecessor": "x1",
					"successors":  []string{"a1"},
					"time":        int64(1700000100),
					"operation":   "amend",
				},
			},
		})
	}))
	defer srv.Close()

	c := refsvc.NewHTTPClient(srv.URL, "", 0)
	refs, err := c.GetReferences(context.Background(), "testrepo", "default", 3)
	if err != nil {
		t.Fatalf("GetReferences() error = %v", err)
	}
	if refs.Version != 4 {
		t.Errorf("Version = %d, want 4", refs.Version)
	}
	if len(refs.Heads) != 2 || refs.Heads[0] != "a1" {
		t.Errorf("Heads = %v, want [a1 b1]", refs.Heads)
	}
	if refs.Bookmarks["main"] != "b1" {
		t.Errorf("main = %q, want b1", refs.Bookmarks["main"])
	}
	if want := time.Unix(1700000000, 0).UTC(); !refs.HeadDates["a1"].Equal(want) {
		t.Errorf("head date = %v, want %v", refs.HeadDates["a1"], want)
	}
	if len(refs.ObsMarkers) != 1 || refs.ObsMarkers[0].Predecessor != "x1" {
		t.Errorf("ObsMarkers = %v, want one with predecessor x1", refs.ObsMarkers)
	}
}

func TestHTTPClient_UpdateReferences(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/references" || r.Method != http.MethodPost {
			t.Errorf("request = %s %s, want POST /v1/references", r.Method, r.URL.Path)
		}
		var body struct {
			RepoName   string `json:"repo"`
			Version    int64  `json:"version"`
			NewHeads   []string `json:"new_heads"`
			ObsMarkers []struct {
				Predecessor string `json:"predecessor"`
				Time        int64  `json:"time"`
			} `json:"obsmarkers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		if body.RepoName != "testrepo" || body.Version != 2 {
			t.Errorf("body = %+v, want repo=testrepo version=2", body)
		}
		if len(body.ObsMarkers) != 1 || body.ObsMarkers[0].Predecessor != "x1" {
			t.Errorf("obsmarkers = %v, want one with predecessor x1", body.ObsMarkers)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"accepted": false,
			"refs": map[string]any{
				"version": int64(5),
				"heads":   []string{"c1"},
			},
		})
	}))
	defer srv.Close()

	c := refsvc.NewHTTPClient(srv.URL, "", 0)
	res, err := c.UpdateReferences(context.Background(), cloudsync.UpdateRequest{
		RepoName:  "testrepo",
		Workspace: "default",
		Version:   2,
		NewHeads:  []cloudsync.CommitID{"b1"},
		ObsMarkers: []cloudsync.ObsMarker{
			{Predecessor: "x1", Successors: []cloudsync.CommitID{"b1"}, Time: time.Unix(1700000100, 0)},
		},
	})
	if err != nil {
		t.Fatalf("UpdateReferences() error = %v", err)
	}
	if res.Accepted {
		t.Error("Accepted = true, want false")
	}
	if res.Refs.Version != 5 {
		t.Errorf("Refs.Version = %d, want 5", res.Refs.Version)
	}
	if res.Refs.Bookmarks == nil {
		t.Error("Refs.Bookmarks = nil, want non-nil map")
	}
}

func TestHTTPClient_FilterPushedHeads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/filter-pushed" || r.Method != http.MethodPost {
			t.Errorf("request = %s %s, want POST /v1/filter-pushed", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"missing": []string{"b1"}})
	}))
	defer srv.Close()

	c := refsvc.NewHTTPClient(srv.URL, "", 0)
	missing, err := c.FilterPushedHeads(context.Background(), "testrepo", []cloudsync.CommitID{"a1", "b1"})
	if err != nil {
		t.Fatalf("FilterPushedHeads() error = %v", err)
	}
	if len(missing) != 1 || missing[0] != "b1" {
		t.Errorf("missing = %v, want [b1]", missing)
	}
}

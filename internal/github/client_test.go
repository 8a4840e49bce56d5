package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCreateTicket(t *testing.T) {
	var gotPath, gotAuth, gotAccept string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"number":10,"html_url":"https://github.com/acme/site/issues/10"}`))
	}))
	defer srv.Close()

	c := New("ghp_test", srv.URL, []string{"voice-ticket"})
	ref, url, err := c.CreateTicket(context.Background(), "acme/site", "dev/ana", "frontend", "Fix the header", "body text")
	if err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	if ref != "acme/site#10" {
		t.Fatalf("ref = %q", ref)
	}
	if url != "https://github.com/acme/site/issues/10" {
		t.Fatalf("url = %q", url)
	}

	if gotPath != "/repos/acme/site/issues" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer ghp_test" || gotAccept != "application/vnd.github+json" {
		t.Fatalf("headers = %q, %q", gotAuth, gotAccept)
	}
	if gotBody["title"] != "Fix the header" || gotBody["body"] != "body text" {
		t.Fatalf("body = %v", gotBody)
	}
	labels, _ := json.Marshal(gotBody["labels"])
	if string(labels) != `["frontend","voice-ticket"]` {
		t.Fatalf("labels = %s", labels)
	}
}

func TestCreateTicketNoLabel(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"number":1,"html_url":"https://github.com/acme/site/issues/1"}`))
	}))
	defer srv.Close()

	c := New("ghp_test", srv.URL, nil)
	if _, _, err := c.CreateTicket(context.Background(), "acme/site", "main", "", "t", "b"); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	if _, ok := gotBody["labels"]; ok {
		t.Fatalf("empty label list still serialized: %v", gotBody)
	}
}

func TestCreateTicketAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"Validation Failed"}`))
	}))
	defer srv.Close()

	c := New("ghp_test", srv.URL, nil)
	_, _, err := c.CreateTicket(context.Background(), "acme/site", "main", "", "t", "b")
	if err == nil || !strings.Contains(err.Error(), "422") || !strings.Contains(err.Error(), "Validation Failed") {
		t.Fatalf("err = %v", err)
	}
}

func TestCreateTicketRequiresToken(t *testing.T) {
	c := New("", "http://unreachable.invalid", nil)
	if _, _, err := c.CreateTicket(context.Background(), "acme/site", "main", "", "t", "b"); err == nil {
		t.Fatalf("expected error without token")
	}
}

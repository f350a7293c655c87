package portal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/islishude/sett/internal/metadata"
)

func TestVerifyPackage(t *testing.T) {
	id := 42
	var got packageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/backend/data-package/check/" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var m metadata.Metadata
		if err := json.Unmarshal([]byte(got.Metadata), &m); err != nil || m.TransferID == nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"detail":"DTR missing"}`))
			return
		}
		if *m.TransferID != id {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"detail":"DTR 7 is not approved"}`))
			return
		}
		_, _ = w.Write([]byte(`{"project_code":"proj1"}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL + "/")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	code, err := c.VerifyPackage(context.Background(), metadata.Metadata{TransferID: &id}, "missing")
	if err != nil {
		t.Fatalf("VerifyPackage() error = %v", err)
	}
	if code != "proj1" {
		t.Fatalf("VerifyPackage() = %q, want proj1", code)
	}
	if got.FileName != "missing" {
		t.Fatalf("file_name = %q", got.FileName)
	}

	other := 7
	_, err = c.VerifyPackage(context.Background(), metadata.Metadata{TransferID: &other}, "missing")
	if !errors.Is(err, ErrRejected) || !strings.Contains(err.Error(), "not approved") {
		t.Fatalf("VerifyPackage(unapproved) error = %v, want ErrRejected with detail", err)
	}
}

func TestVerifyPackageServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = c.VerifyPackage(context.Background(), metadata.Metadata{}, "missing")
	if err == nil || errors.Is(err, ErrRejected) {
		t.Fatalf("VerifyPackage() error = %v, want a non rejection error", err)
	}
}

func TestVerifyPackageEmptyProjectCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := c.VerifyPackage(context.Background(), metadata.Metadata{}, "missing"); err == nil {
		t.Fatalf("VerifyPackage() expected error")
	}
}

func TestKeyStatus(t *testing.T) {
	a, b := strings.Repeat("AB", 20), strings.Repeat("CD", 20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/backend/pgpkey/status/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`[{"fingerprint":"` + strings.ToLower(a) + `","status":"APPROVED"},{"fingerprint":"` + strings.Repeat("EF", 20) + `","status":"APPROVED"}]`))
	}))
	defer srv.Close()
	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := c.KeyStatus(context.Background(), []string{a, b})
	if err != nil {
		t.Fatalf("KeyStatus() error = %v", err)
	}
	if len(got) != 2 || got[a] != KeyApproved || got[b] != KeyUnknown {
		t.Fatalf("KeyStatus() = %v", got)
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New("ftp://portal.example.org"); err == nil {
		t.Fatalf("New() expected error")
	}
}

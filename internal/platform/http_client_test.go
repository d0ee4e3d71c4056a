package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()
	server := httptest.NewTLSServer(handler)
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}

	client := NewHTTPClient(Config{
		Host:        u.Hostname(),
		Port:        port,
		Node:        "pve1",
		TokenID:     "virtbak@pam!ci",
		TokenSecret: "secret",
		CallTimeout: 5 * time.Second,
		TaskTimeout: 5 * time.Second,
	}, zerolog.Nop())
	client.pollInterval = 10 * time.Millisecond
	return client
}

func writeData(w http.ResponseWriter, data string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"data":%s}`, data)
}

func TestCreateBackupArtifact(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api2/json/cluster/resources", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, `[{"vmid":"100","name":"web","status":"running","node":"pve1"}]`)
	})
	mux.HandleFunc("/api2/json/nodes/pve1/vzdump", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("Authorization") != "PVEAPIToken=virtbak@pam!ci=secret" {
			http.Error(w, "auth", http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("vmid") != "100" {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		writeData(w, `"UPID:pve1:dump1"`)
	})
	mux.HandleFunc("/api2/json/nodes/pve1/tasks/", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 2 {
			writeData(w, `{"status":"running"}`)
			return
		}
		writeData(w, `{"status":"stopped","exitstatus":"OK","artifact":"/backups/100-20260314.vma.zst"}`)
	})

	client := newTestClient(t, mux)
	path, err := client.CreateBackupArtifact(context.Background(), "100", "snapshot", "/backups", "zstd")
	if err != nil {
		t.Fatalf("CreateBackupArtifact: %v", err)
	}
	if path != "/backups/100-20260314.vma.zst" {
		t.Errorf("artifact path = %q", path)
	}
	if polls.Load() < 2 {
		t.Error("expected at least two status polls")
	}
}

func TestTaskFailurePropagates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api2/json/cluster/resources", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, `[{"vmid":"100","status":"running","node":"pve1"}]`)
	})
	mux.HandleFunc("/api2/json/nodes/pve1/qemu/100/status/start", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, `"UPID:pve1:start1"`)
	})
	mux.HandleFunc("/api2/json/nodes/pve1/tasks/", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, `{"status":"stopped","exitstatus":"unable to start VM"}`)
	})

	client := newTestClient(t, mux)
	err := client.StartVM(context.Background(), "100")
	if err == nil {
		t.Fatal("expected task failure to propagate")
	}
}

func TestNotFoundMapsToErrVMNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api2/json/cluster/resources", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, `[]`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	client := newTestClient(t, mux)
	_, err := client.GetVMStatus(context.Background(), "999")
	if !errors.Is(err, ErrVMNotFound) {
		t.Fatalf("expected ErrVMNotFound, got %v", err)
	}
}

func TestAPIErrorCarriesStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "permission denied", http.StatusForbidden)
	})

	client := newTestClient(t, mux)
	_, err := client.ListNodes(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", apiErr.StatusCode)
	}
}

func TestResolveVMLocation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api2/json/cluster/resources", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, `[{"vmid":"100","node":"pve1","status":"running"},{"vmid":"101","node":"pve2","status":"stopped"}]`)
	})

	client := newTestClient(t, mux)
	node, err := client.ResolveVMLocation(context.Background(), "101")
	if err != nil {
		t.Fatal(err)
	}
	if node != "pve2" {
		t.Errorf("node = %q, want pve2", node)
	}

	if _, err := client.ResolveVMLocation(context.Background(), "999"); !errors.Is(err, ErrVMNotFound) {
		t.Errorf("expected ErrVMNotFound, got %v", err)
	}
}

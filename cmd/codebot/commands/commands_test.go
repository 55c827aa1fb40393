package commands

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/marcus/codebot/internal/server"
	"github.com/marcus/codebot/internal/tasklog"
	"github.com/marcus/codebot/internal/tasks"
)

func newPayloadCmd(t *testing.T, flags map[string]string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addPayloadFlags(cmd)
	for k, v := range flags {
		if err := cmd.Flags().Set(k, v); err != nil {
			t.Fatal(err)
		}
	}
	return cmd
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPayloadFromArgs(t *testing.T) {
	full := writeFile(t, "task.yaml", "repository_url: https://github.com/acme/widgets.git\ndescription: Add paging\nticket_id: PROJ-1\n")
	partial := writeFile(t, "partial.json", `{"repository_url":"https://github.com/acme/widgets.git"}`)

	tests := []struct {
		name    string
		args    []string
		flags   map[string]string
		want    tasks.Payload
		wantErr bool
	}{
		{
			name: "file only",
			args: []string{full},
			want: tasks.Payload{RepositoryURL: "https://github.com/acme/widgets.git", Description: "Add paging", TicketID: "PROJ-1"},
		},
		{
			name:  "flags override file",
			args:  []string{full},
			flags: map[string]string{"ticket": "PROJ-2", "base": "develop"},
			want:  tasks.Payload{RepositoryURL: "https://github.com/acme/widgets.git", Description: "Add paging", TicketID: "PROJ-2", BaseBranch: "develop"},
		},
		{
			name:  "flags complete a partial file",
			args:  []string{partial},
			flags: map[string]string{"description": "Fix the build"},
			want:  tasks.Payload{RepositoryURL: "https://github.com/acme/widgets.git", Description: "Fix the build"},
		},
		{
			name:  "flags only",
			flags: map[string]string{"repo": "https://github.com/acme/widgets.git", "description": "Bump deps", "test-command": "make test"},
			want:  tasks.Payload{RepositoryURL: "https://github.com/acme/widgets.git", Description: "Bump deps", TestCommand: "make test"},
		},
		{name: "partial file without flags", args: []string{partial}, wantErr: true},
		{name: "nothing", wantErr: true},
		{name: "missing file", args: []string{filepath.Join(t.TempDir(), "nope.yaml")}, flags: map[string]string{"description": "x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := payloadFromArgs(newPayloadCmd(t, tt.flags), tt.args)
			if tt.wantErr {
				if err == nil {
					t.Errorf("payloadFromArgs = %+v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("payload = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestReadLastLines(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "codebot-2026-01-01.log")
	newer := filepath.Join(dir, "codebot-2026-01-02.log")
	os.WriteFile(older, []byte("a\nb\nc\n"), 0644)
	os.WriteFile(newer, []byte("d\ne\n"), 0644)

	files := []string{newer, older}
	if got := readLastLines(files, 3); !reflect.DeepEqual(got, []string{"c", "d", "e"}) {
		t.Errorf("last 3 = %v", got)
	}
	if got := readLastLines(files, 10); len(got) != 5 || got[0] != "a" {
		t.Errorf("last 10 = %v", got)
	}
	if got := readLastLines(files, 1); !reflect.DeepEqual(got, []string{"e"}) {
		t.Errorf("last 1 = %v", got)
	}
}

func TestFormatLogLevel(t *testing.T) {
	tests := map[string]string{
		"debug": "DBG",
		"info":  "INF",
		"warn":  "WRN",
		"error": "ERR",
		"fatal": "FAT",
		"":      "???",
		"x":     "X",
	}
	for in, want := range tests {
		if got := formatLogLevel(in); got != want {
			t.Errorf("formatLogLevel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestShowTaskLogs(t *testing.T) {
	var gotSource string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(server.APIKeyHeader) != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(server.ErrorResponse{Error: "invalid API key"})
			return
		}
		if !strings.HasSuffix(r.URL.Path, "/api/tasks/t1/logs") {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(server.ErrorResponse{Error: "task not found"})
			return
		}
		gotSource = r.URL.Query().Get("source")
		json.NewEncoder(w).Encode(server.LogsResponse{TaskID: "t1", Count: 2, Logs: []tasklog.Entry{
			{Source: tasklog.SourceCodebot, Message: `{"level":"info","message":"cloning"}`},
			{Source: tasklog.SourceStdout, Message: "editing"},
		}})
	}))
	defer ts.Close()

	if err := showTaskLogs(context.Background(), ts.URL, "k", "t1", "", false); err != nil {
		t.Errorf("showTaskLogs = %v", err)
	}
	if err := showTaskLogs(context.Background(), ts.URL, "k", "t1", tasklog.SourceStdout, false); err != nil || gotSource != tasklog.SourceStdout {
		t.Errorf("source filter sent %q, err %v", gotSource, err)
	}
	err := showTaskLogs(context.Background(), ts.URL, "bad", "t1", "", false)
	if err == nil || !strings.Contains(err.Error(), "invalid API key") {
		t.Errorf("bad key err = %v", err)
	}
	if err := showTaskLogs(context.Background(), ts.URL, "k", "t2", "", false); err == nil {
		t.Error("missing task should fail")
	}
}

func TestReadLogStream(t *testing.T) {
	tests := []struct {
		name    string
		stream  string
		wantErr bool
	}{
		{"done", "data: {\"source\":\"agent_stdout\",\"message\":\"hi\"}\n\ndata: {\"type\":\"done\",\"status\":\"succeeded\"}\n\n", false},
		{"cut short", "data: {\"source\":\"agent_stdout\",\"message\":\"hi\"}\n\n", true},
		{"noise skipped", ": keepalive\n\ndata: not json\n\ndata: {\"type\":\"done\",\"status\":\"failed\"}\n\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := readLogStream(strings.NewReader(tt.stream))
			if (err != nil) != tt.wantErr {
				t.Errorf("readLogStream = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestShowHealth(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(server.HealthResponse{Status: "ok", Queued: 1, Capacity: 100, Workers: 2,
			Tasks: map[tasks.Status]int{tasks.StatusQueued: 1}})
	}))
	defer ts.Close()

	if err := showHealth(context.Background(), ts.URL+"/"); err != nil {
		t.Errorf("showHealth = %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	if err := showHealth(context.Background(), down.URL); err == nil {
		t.Error("unhealthy server should fail")
	}
}

func TestHasPayloadFlags(t *testing.T) {
	if hasPayloadFlags(newPayloadCmd(t, nil)) {
		t.Error("no flags set")
	}
	if !hasPayloadFlags(newPayloadCmd(t, map[string]string{"summary": "s"})) {
		t.Error("summary set")
	}
}

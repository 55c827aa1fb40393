package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/marcus/codebot/internal/logging"
	"github.com/marcus/codebot/internal/server"
	"github.com/marcus/codebot/internal/tasklog"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View logs",
	Long: `View codebot logs.

Displays recent entries from the daily log files. Use --follow to stream
new entries as they are written.

With --task the captured log of one task is fetched from a running
server instead (requires --url and --api-key). --follow then streams the
task's lines until it finishes and --source keeps one source only.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tail, _ := cmd.Flags().GetInt("tail")
		follow, _ := cmd.Flags().GetBool("follow")
		taskID, _ := cmd.Flags().GetString("task")

		if taskID != "" {
			base, _ := cmd.Flags().GetString("url")
			key, _ := cmd.Flags().GetString("api-key")
			source, _ := cmd.Flags().GetString("source")
			return showTaskLogs(cmd.Context(), base, key, taskID, source, follow)
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		logDir := logging.ExpandPath(cfg.LoggingConfig().Path)

		if follow {
			return followLogs(logDir, tail)
		}
		return showLogs(logDir, tail)
	},
}

func init() {
	logsCmd.Flags().IntP("tail", "n", 50, "Number of log lines to show")
	logsCmd.Flags().BoolP("follow", "f", false, "Follow log output")
	logsCmd.Flags().String("task", "", "Show the captured log of one task from a running server")
	logsCmd.Flags().String("url", "http://localhost:5000", "Server base URL for --task")
	logsCmd.Flags().String("api-key", os.Getenv("CODEBOT_API_KEY"), "API key for --task")
	logsCmd.Flags().String("source", "", "With --task, only lines from one source (codebot, agent_stdout, agent_stderr)")
	rootCmd.AddCommand(logsCmd)
}

// logEntry is a parsed JSON log line.
type logEntry struct {
	Level     string    `json:"level"`
	Time      time.Time `json:"time"`
	Message   string    `json:"message"`
	Component string    `json:"component,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func showLogs(logDir string, n int) error {
	files, err := logging.ListFiles(logDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Println("No log files found.")
		return nil
	}
	for _, line := range readLastLines(files, n) {
		printLogLine(line)
	}
	return nil
}

func followLogs(logDir string, initialLines int) error {
	files, err := logging.ListFiles(logDir)
	if err != nil {
		return err
	}
	if len(files) > 0 && initialLines > 0 {
		for _, line := range readLastLines(files, initialLines) {
			printLogLine(line)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}
	if err := watcher.Add(logDir); err != nil {
		return fmt.Errorf("watching log dir: %w", err)
	}

	currentFile := currentLogFile(logDir)
	var (
		file   *os.File
		reader *bufio.Reader
	)
	if currentFile != "" {
		if file, err = os.Open(currentFile); err == nil {
			_, _ = file.Seek(0, io.SeekEnd)
			reader = bufio.NewReader(file)
		}
	}
	defer func() {
		if file != nil {
			_ = file.Close()
		}
	}()

	fmt.Println("--- Following logs (Ctrl+C to exit) ---")

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			// date rollover
			if newFile := currentLogFile(logDir); newFile != currentFile && newFile != "" {
				if file != nil {
					_ = file.Close()
				}
				currentFile = newFile
				if file, err = os.Open(currentFile); err != nil {
					file, reader = nil, nil
					continue
				}
				reader = bufio.NewReader(file)
			}

			if event.Op&fsnotify.Write == fsnotify.Write && reader != nil {
				for {
					line, err := reader.ReadString('\n')
					if err != nil {
						break
					}
					printLogLine(strings.TrimSuffix(line, "\n"))
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watcher error: %v\n", err)
		}
	}
}

func currentLogFile(logDir string) string {
	path := filepath.Join(logDir, logging.FileName(time.Now()))
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}

// readLastLines returns the last n lines across files, which are ordered
// newest first.
func readLastLines(files []string, n int) []string {
	var lines []string
	for _, file := range files {
		if len(lines) >= n {
			break
		}
		fileLines := readFileLines(file)
		remaining := n - len(lines)
		if len(fileLines) > remaining {
			fileLines = fileLines[len(fileLines)-remaining:]
		}
		lines = append(fileLines, lines...)
	}
	return lines
}

func readFileLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

func printLogLine(line string) {
	var entry logEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil || entry.Message == "" {
		fmt.Println(line)
		return
	}

	var sb strings.Builder
	sb.WriteString(entry.Time.Local().Format("15:04:05"))
	sb.WriteString(" ")
	sb.WriteString(formatLogLevel(entry.Level))
	if entry.Component != "" {
		fmt.Fprintf(&sb, " [%s]", entry.Component)
	}
	if entry.TaskID != "" {
		fmt.Fprintf(&sb, " (%s)", entry.TaskID)
	}
	sb.WriteString(" ")
	sb.WriteString(entry.Message)
	if entry.Error != "" {
		sb.WriteString(" error=")
		sb.WriteString(entry.Error)
	}
	fmt.Println(sb.String())
}

func formatLogLevel(level string) string {
	switch level {
	case "debug":
		return "DBG"
	case "info":
		return "INF"
	case "warn":
		return "WRN"
	case "error":
		return "ERR"
	case "":
		return "???"
	default:
		if len(level) > 3 {
			level = level[:3]
		}
		return strings.ToUpper(level)
	}
}

func showTaskLogs(ctx context.Context, base, apiKey, taskID, source string, follow bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !follow {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}

	q := url.Values{}
	if source != "" {
		q.Set("source", source)
	}
	if follow {
		q.Set("follow", "true")
	}
	endpoint := strings.TrimRight(base, "/") + "/api/tasks/" + url.PathEscape(taskID) + "/logs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set(server.APIKeyHeader, apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("querying server: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var e server.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("fetching logs: %s", e.Error)
	}

	if follow {
		return readLogStream(resp.Body)
	}
	var out server.LogsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decoding logs: %w", err)
	}
	for _, e := range out.Logs {
		printTaskEntry(e)
	}
	return nil
}

// readLogStream prints server-sent log events until the done event.
func readLogStream(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var done server.StreamDone
		if err := json.Unmarshal([]byte(data), &done); err == nil && done.Type == "done" {
			fmt.Printf("-- task %s --\n", done.Status)
			return nil
		}
		var e tasklog.Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			continue
		}
		printTaskEntry(e)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading log stream: %w", err)
	}
	return fmt.Errorf("log stream ended before the task finished")
}

func printTaskEntry(e tasklog.Entry) {
	if e.Source == tasklog.SourceCodebot {
		printLogLine(e.Message)
		return
	}
	fmt.Printf("%s [%s] %s\n", e.Time.Local().Format("15:04:05"), e.Source, e.Message)
}

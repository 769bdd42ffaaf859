package svc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"time"
)

// LogOptions configures log viewing.
type LogOptions struct {
	ServiceName string
	LogFile     string // relay log file; preferred over the platform log when present
	Follow      bool
	Lines       int
}

// ViewLogs prints service logs. The relay's own log file is used when it
// exists, otherwise the platform's service log.
func ViewLogs(ctx context.Context, w io.Writer, opts LogOptions) error {
	if opts.Lines <= 0 {
		opts.Lines = 50
	}

	if opts.LogFile != "" && fileExists(opts.LogFile) {
		return tailFile(ctx, w, opts.LogFile, opts.Lines, opts.Follow)
	}

	switch runtime.GOOS {
	case "linux":
		args := []string{"-u", opts.ServiceName, "-n", strconv.Itoa(opts.Lines), "--no-pager"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return runTool(ctx, w, "journalctl", args...)
	case "darwin":
		// launchd captures stdout/stderr in /var/log.
		errLog := fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName)
		if !fileExists(errLog) {
			return fmt.Errorf("no log file found for service %q (looked for %s)", opts.ServiceName, errLog)
		}
		return tailFile(ctx, w, errLog, opts.Lines, opts.Follow)
	case "windows":
		script := fmt.Sprintf(
			"Get-WinEvent -FilterHashtable @{LogName='Application'; ProviderName='%s'} -MaxEvents %d -ErrorAction SilentlyContinue | Format-Table TimeCreated, LevelDisplayName, Message -AutoSize -Wrap",
			opts.ServiceName, opts.Lines)
		return runTool(ctx, w, "powershell", "-NoProfile", "-Command", script)
	default:
		return fmt.Errorf("log viewing not supported on %s", runtime.GOOS)
	}
}

func runTool(ctx context.Context, w io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = w
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// tailFile writes the last n lines of path to w and, when follow is set,
// keeps copying appended data until ctx is cancelled.
func tailFile(ctx context.Context, w io.Writer, path string, n int, follow bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	lines, err := lastLines(f, n)
	if err != nil {
		return err
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	if !follow {
		return nil
	}

	// lastLines consumed the file, so the offset is at EOF.
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := io.Copy(w, f); err != nil {
				return err
			}
		}
	}
}

func lastLines(r io.Reader, n int) ([]string, error) {
	ring := make([]string, 0, n)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, sc.Text())
	}
	return ring, sc.Err()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

package reconcile

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/zbell/afk/internal/log"
	"github.com/zbell/afk/internal/session"
)

// procInfo is the slice of per-process state the scan inspects.
type procInfo struct {
	pid     int
	args    []string
	environ []string
}

// listProcesses snapshots every process visible to us. Per-process read
// failures are skipped: the process raced an exit or belongs to another
// user.
func listProcesses(ctx context.Context) ([]procInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}

	infos := make([]procInfo, 0, len(procs))
	for _, p := range procs {
		info := procInfo{pid: int(p.Pid)}
		if args, err := p.CmdlineSliceWithContext(ctx); err == nil {
			info.args = args
		}
		if env, err := p.EnvironWithContext(ctx); err == nil {
			info.environ = env
		}
		if len(info.args) == 0 && len(info.environ) == 0 {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// sessionOf extracts the session id a process is tagged with, or "".
// The environment marker covers assistant children spawned by the runner;
// the command line covers workers, whose bootstrap config rides in argv.
func sessionOf(info procInfo) string {
	if id := sessionFromEnv(info.environ); id != "" {
		return id
	}
	return sessionFromArgs(info.args)
}

func sessionFromEnv(environ []string) string {
	prefix := session.EnvSessionID + "="
	for _, kv := range environ {
		if v, ok := strings.CutPrefix(kv, prefix); ok {
			return v
		}
	}
	return ""
}

// sessionFromArgs recognizes a worker invocation: the argument after the
// worker subcommand is base64 JSON carrying the session id.
func sessionFromArgs(args []string) string {
	for i, arg := range args {
		if arg != "worker" || i+1 >= len(args) {
			continue
		}
		if id := decodeBootstrapID(args[i+1]); id != "" {
			return id
		}
	}
	return ""
}

func decodeBootstrapID(encoded string) string {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ""
	}
	var cfg struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ""
	}
	return cfg.SessionID
}

// FindSessionProcess scans the process table for a live process tagged with
// the session id. The calling process is never a match.
func FindSessionProcess(ctx context.Context, id string) (int, bool) {
	infos, err := listProcesses(ctx)
	if err != nil {
		log.Debug(log.CatReconcile, "process scan failed", "error", err)
		return 0, false
	}
	return matchSession(infos, id, os.Getpid())
}

func matchSession(infos []procInfo, id string, selfPID int) (int, bool) {
	for _, info := range infos {
		if info.pid == selfPID {
			continue
		}
		if sessionOf(info) == id {
			return info.pid, true
		}
	}
	return 0, false
}

// Alive reports whether pid names a running process.
func Alive(pid int) bool {
	return processAlive(pid)
}

// Terminate asks pid to shut down: SIGTERM on Unix, a hard kill on Windows.
// Callers treat errors on already-dead processes as success.
func Terminate(pid int) error {
	return terminate(pid)
}

package supervisor

import (
	"fmt"
	"strings"
)

// ExecuteCommand implements the narrow operator channel:
// start, stop, public, private, exit, runState, taskConnectionCount.
// Every reply is a single line; unrecognized input is reported rather
// than silently ignored.
func (s *Supervisor) ExecuteCommand(text string) string {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return "error: empty command"
	}

	switch strings.ToLower(fields[0]) {
	case "start":
		if len(fields) < 2 {
			return "error: start requires a process name"
		}
		pid := s.Spawn(fields[1], fields[2:], "local", 0)
		if pid == 0 {
			return fmt.Sprintf("error: failed to start %s", fields[1])
		}
		return fmt.Sprintf("ok: started %s as pid %d", fields[1], pid)

	case "stop":
		if len(fields) < 2 {
			return "error: stop requires a pid"
		}
		var pid int
		if _, err := fmt.Sscanf(fields[1], "%d", &pid); err != nil {
			return fmt.Sprintf("error: invalid pid %q", fields[1])
		}
		s.Kill(s.cfg.Label, pid, false)
		return fmt.Sprintf("ok: stopping pid %d", pid)

	case "public":
		s.mu.Lock()
		s.public = true
		s.mu.Unlock()
		return "ok: node is public"

	case "private":
		s.mu.Lock()
		s.public = false
		s.mu.Unlock()
		return "ok: node is private"

	case "exit":
		return "ok: exiting"

	case "runstate":
		return s.runState()

	case "taskconnectioncount":
		return fmt.Sprintf("ok: %d", len(s.peers.Connected())+s.WorkerConnectionCount())

	default:
		return fmt.Sprintf("error: unknown command %q", fields[0])
	}
}

// IsPublic reports the operator "public"/"private" toggle's current
// value, e.g. for a connection gateway deciding whether to route new
// players to this node.
func (s *Supervisor) IsPublic() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.public
}

func (s *Supervisor) runState() string {
	s.mu.Lock()
	running := len(s.children)
	public := s.public
	s.mu.Unlock()
	current, maximum := s.scheduler.OwnLoad()
	return fmt.Sprintf("ok: label=%s master=%t public=%t running=%d load=%.2f/%.2f peers=%d",
		s.cfg.Label, s.IsMaster(), public, running, current, maximum, len(s.peers.Connected()))
}

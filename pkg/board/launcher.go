package board

import (
	"os"
	"os/exec"
	"strings"

	"github.com/kanbeast/kanbeast/pkg/logger"
	"github.com/kanbeast/kanbeast/pkg/models"
)

// Launcher starts one worker process per activated ticket. The command comes
// from settings (default "kanbeast-worker"); extra words in the command are
// kept, so "docker run ... kanbeast-worker" works too.
type Launcher struct {
	command   string
	serverURL string
	repoPath  string
}

func NewLauncher(command, serverURL, repoPath string) *Launcher {
	if repoPath == "" {
		repoPath = "/repo"
	}
	return &Launcher{command: command, serverURL: serverURL, repoPath: repoPath}
}

// Launch spawns the worker detached. Exit codes are logged; the watchdog
// reclaims the ticket if the worker dies without reporting.
func (l *Launcher) Launch(t *models.Ticket) {
	words := strings.Fields(l.command)
	if len(words) == 0 {
		logger.ErrorCF("launcher", "No worker command configured", map[string]any{"ticket_id": t.ID})
		return
	}
	args := append(words[1:],
		"--ticket-id", t.ID,
		"--server-url", l.serverURL,
		"--repo", l.repoPath,
	)

	cmd := exec.Command(words[0], args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		logger.ErrorCF("launcher", "Failed to start worker",
			map[string]any{"ticket_id": t.ID, "command": l.command, "error": err.Error()})
		return
	}

	logger.InfoCF("launcher", "Worker started",
		map[string]any{"ticket_id": t.ID, "pid": cmd.Process.Pid})

	go func() {
		err := cmd.Wait()
		if err != nil {
			logger.WarnCF("launcher", "Worker exited with error",
				map[string]any{"ticket_id": t.ID, "error": err.Error()})
			return
		}
		logger.InfoCF("launcher", "Worker exited cleanly", map[string]any{"ticket_id": t.ID})
	}()
}

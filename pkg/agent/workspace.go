package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/kanbeast/kanbeast/pkg/logger"
	"github.com/kanbeast/kanbeast/pkg/models"
)

// prepareWorkspace puts the mounted repo on the ticket's branch. The repo is
// cloned into the container by the orchestration layer; all that is left here
// is checking out (or creating) the branch before agents start editing.
func (o *Orchestrator) prepareWorkspace(ctx context.Context, t *models.Ticket) error {
	if t.Branch == "" {
		return nil
	}
	if _, err := os.Stat(o.workDir); err != nil {
		return fmt.Errorf("workspace %s not mounted: %w", o.workDir, err)
	}

	if err := o.git(ctx, "rev-parse", "--verify", t.Branch); err == nil {
		if err := o.git(ctx, "checkout", t.Branch); err != nil {
			return err
		}
	} else if err := o.git(ctx, "checkout", "-b", t.Branch); err != nil {
		return err
	}

	logger.InfoCF("agent", "Workspace ready",
		map[string]any{"ticket_id": t.ID, "branch": t.Branch, "dir": o.workDir})
	return nil
}

func (o *Orchestrator) git(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", o.workDir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return nil
}

// Package gitcli shells out to the git binary for patch-set uploads.
package gitcli

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ericfisherdev/reviewdesk/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.GitPusher = (*Pusher)(nil)

// Pusher uploads a local commit as a new patch set by pushing HEAD to the
// magic refs/for/<branch> ref.
type Pusher struct {
	gitPath string
}

// NewPusher creates a Pusher using the given git binary, or "git" from PATH
// when empty.
func NewPusher(gitPath string) *Pusher {
	if gitPath == "" {
		gitPath = "git"
	}
	return &Pusher{gitPath: gitPath}
}

// PushForReview pushes HEAD of the work tree to refs/for/<branch> on the
// remote and returns the pushed commit hash.
func (p *Pusher) PushForReview(ctx context.Context, workTree, remoteURL, branch string) (string, error) {
	revision, err := p.run(ctx, workTree, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve HEAD in %s: %w", workTree, err)
	}
	revision = strings.TrimSpace(revision)

	ref := "HEAD:refs/for/" + branch
	if _, err := p.run(ctx, workTree, "push", remoteURL, ref); err != nil {
		return "", fmt.Errorf("push %s to %s: %w", ref, remoteURL, err)
	}

	return revision, nil
}

func (p *Pusher) run(ctx context.Context, workTree string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, p.gitPath, args...)
	cmd.Dir = workTree

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], detail)
	}
	return stdout.String(), nil
}

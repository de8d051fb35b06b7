package github

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrNoChanges is returned by Publish when the working tree is clean.
var ErrNoChanges = errors.New("no changes to commit")

// GitRunner provides git command execution. Interface for testing.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// Pusher commits a checkout's changes to a branch and pushes it.
type Pusher struct {
	git         GitRunner
	token       string
	authorName  string
	authorEmail string
}

// NewPusher creates a Pusher that authenticates pushes with token.
func NewPusher(git GitRunner, token string) *Pusher {
	return &Pusher{
		git:         git,
		token:       token,
		authorName:  "autopr",
		authorEmail: "autopr@users.noreply.github.com",
	}
}

// Publish checks out branch in dir, commits every change with message and
// force-pushes the branch to origin. Branches are owned by the pipeline, so a
// rerun replaces what an earlier attempt pushed.
func (p *Pusher) Publish(ctx context.Context, dir, branch, message string) error {
	if branch == "" || strings.HasPrefix(branch, "-") {
		return fmt.Errorf("invalid branch name %q", branch)
	}
	if _, err := p.git.Run(ctx, dir, "checkout", "-B", branch); err != nil {
		return fmt.Errorf("checkout branch: %w", err)
	}
	if _, err := p.git.Run(ctx, dir, "add", "-A"); err != nil {
		return fmt.Errorf("stage changes: %w", err)
	}
	status, err := p.git.Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("git status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return ErrNoChanges
	}
	_, err = p.git.Run(ctx, dir,
		"-c", "user.name="+p.authorName,
		"-c", "user.email="+p.authorEmail,
		"commit", "-m", message)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	args := []string{"push", "--force", "-u", "origin", branch}
	if p.token != "" {
		auth := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + p.token))
		args = append([]string{"-c", "http.extraHeader=Authorization: Basic " + auth}, args...)
	}
	if _, err := p.git.Run(ctx, dir, args...); err != nil {
		return fmt.Errorf("push branch: %s", redact(err.Error(), p.token))
	}
	return nil
}

func redact(s, token string) string {
	if token == "" {
		return s
	}
	auth := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + token))
	return strings.NewReplacer(auth, "***", token, "***").Replace(s)
}

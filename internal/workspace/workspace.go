// Package workspace prepares per-issue working directories: shallow clones of
// the repositories an issue touches plus the context and task documents the
// coding tool reads.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/autopr/internal/config"
	"github.com/lucasnoah/autopr/internal/pipeline"
)

// ErrProvisioningFailed matches every error returned by Provision.
var ErrProvisioningFailed = errors.New("provisioning failed")

// ErrUnresolvablePackage is wrapped when an affected package cannot be mapped
// to a clone URL.
var ErrUnresolvablePackage = errors.New("unresolvable package")

// ProvisionError reports which step or checkout broke provisioning.
type ProvisionError struct {
	ID      string
	Package string
	Err     error
}

func (e *ProvisionError) Error() string {
	if e.Package != "" {
		return fmt.Sprintf("provision %s: clone %s: %v", e.ID, e.Package, e.Err)
	}
	return fmt.Sprintf("provision %s: %v", e.ID, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

func (e *ProvisionError) Is(target error) bool { return target == ErrProvisioningFailed }

// ContextSource supplies knowledge context for the context document.
type ContextSource interface {
	CombinedContext(ctx context.Context, query string, limit int) string
}

// Workspace is a provisioned directory.
type Workspace struct {
	Path        string
	Packages    []string
	ContextFile string
	TaskFile    string
}

// Options configure a Provisioner.
type Options struct {
	BasePath       string
	CloneHost      string
	CloneTimeout   time.Duration
	Concurrency    int
	KnowledgeLimit int
}

// OptionsFromConfig maps workspace and GitHub settings onto Options.
func OptionsFromConfig(ws config.WorkspaceConfig, gh config.GitHubConfig, kn config.KnowledgeConfig) Options {
	return Options{
		BasePath:       ws.BasePath,
		CloneHost:      gh.CloneHost,
		CloneTimeout:   ws.CloneTimeout.Std(),
		Concurrency:    ws.CloneConcurrency,
		KnowledgeLimit: kn.Limit,
	}
}

// Provisioner creates and removes workspaces under a base path.
type Provisioner struct {
	git       GitRunner
	knowledge ContextSource
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// NewProvisioner creates a Provisioner. knowledge may be nil.
func NewProvisioner(git GitRunner, knowledge ContextSource, opts Options, logger *slog.Logger) *Provisioner {
	if opts.CloneHost == "" {
		opts.CloneHost = "github.com"
	}
	if opts.CloneTimeout <= 0 {
		opts.CloneTimeout = 5 * time.Minute
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.KnowledgeLimit < 1 {
		opts.KnowledgeLimit = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{git: git, knowledge: knowledge, opts: opts, logger: logger, now: time.Now}
}

// BasePath returns the directory holding all workspaces.
func (p *Provisioner) BasePath() string { return p.opts.BasePath }

// Provision allocates a workspace for item, clones the primary repository and
// every affected package, and writes context.md and task.md. On any failure
// the partial workspace is removed and a *ProvisionError is returned.
func (p *Provisioner) Provision(ctx context.Context, item *pipeline.WorkItem, cls *pipeline.Classification) (*Workspace, error) {
	id := item.ID()
	if cls == nil {
		return nil, &ProvisionError{ID: id, Err: errors.New("missing classification")}
	}

	path := filepath.Join(p.opts.BasePath, fmt.Sprintf("%s_%d", sanitizeID(id), p.now().Unix()))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, &ProvisionError{ID: id, Err: fmt.Errorf("create workspace: %w", err)}
	}
	if err := os.Chmod(path, 0o755); err != nil {
		os.RemoveAll(path)
		return nil, &ProvisionError{ID: id, Err: fmt.Errorf("set workspace permissions: %w", err)}
	}

	ws, err := p.populate(ctx, path, item, cls)
	if err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			p.logger.Warn("remove partial workspace", "path", path, "error", rmErr)
		}
		return nil, err
	}

	p.logger.Info("workspace provisioned", "issue_id", id, "path", path, "packages", ws.Packages)
	return ws, nil
}

func (p *Provisioner) populate(ctx context.Context, path string, item *pipeline.WorkItem, cls *pipeline.Classification) (*Workspace, error) {
	id := item.ID()
	packages, err := p.packages(item, cls)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, pkg := range packages {
		g.Go(func() error {
			if err := p.clone(gctx, path, item.Owner, pkg); err != nil {
				return &ProvisionError{ID: id, Package: pkg, Err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	data := artifactData{
		ID:             id,
		Title:          item.Title,
		Body:           strings.TrimSpace(item.Body),
		Classification: cls,
		Packages:       packages,
	}
	if p.knowledge != nil {
		data.Knowledge = p.knowledge.CombinedContext(ctx, knowledgeQuery(item, cls), p.opts.KnowledgeLimit)
	}

	ws := &Workspace{
		Path:        path,
		Packages:    packages,
		ContextFile: filepath.Join(path, "context.md"),
		TaskFile:    filepath.Join(path, "task.md"),
	}
	if err := writeArtifact(ws.ContextFile, contextTmpl, data); err != nil {
		return nil, &ProvisionError{ID: id, Err: err}
	}
	if err := writeArtifact(ws.TaskFile, taskTmpl, data); err != nil {
		return nil, &ProvisionError{ID: id, Err: err}
	}
	return ws, nil
}

// packages returns the primary repository followed by each distinct affected
// package. A package that cannot name a repository fails provisioning.
func (p *Provisioner) packages(item *pipeline.WorkItem, cls *pipeline.Classification) ([]string, error) {
	out := []string{item.Repo}
	for _, pkg := range cls.AffectedPackages {
		pkg = strings.TrimSpace(pkg)
		if pkg == "" {
			continue
		}
		if !validPackage.MatchString(pkg) || pkg == "." || pkg == ".." {
			return nil, &ProvisionError{ID: item.ID(), Package: pkg, Err: fmt.Errorf("%w: %q is not a repository name", ErrUnresolvablePackage, pkg)}
		}
		if !slices.Contains(out, pkg) {
			out = append(out, pkg)
		}
	}
	return out, nil
}

func (p *Provisioner) clone(ctx context.Context, path, owner, pkg string) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.CloneTimeout)
	defer cancel()

	url := fmt.Sprintf("https://%s/%s/%s.git", p.opts.CloneHost, owner, pkg)
	_, err := p.git.Run(ctx, path, "clone", "--depth", "1", url, filepath.Join(path, pkg))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("clone timed out after %s", p.opts.CloneTimeout)
		}
		return err
	}
	return nil
}

// Expired lists workspace directories last modified before the retention
// window, excluding protected paths.
func (p *Provisioner) Expired(ctx context.Context, retention time.Duration, protected []string) ([]string, error) {
	entries, err := os.ReadDir(p.opts.BasePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workspace root: %w", err)
	}

	keep := make(map[string]bool, len(protected))
	for _, path := range protected {
		if path != "" {
			keep[filepath.Clean(path)] = true
		}
	}

	cutoff := p.now().Add(-retention)
	var expired []string
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(p.opts.BasePath, e.Name())
		if keep[path] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			expired = append(expired, path)
		}
	}
	return expired, nil
}

// Cleanup removes expired workspaces and returns how many were removed.
func (p *Provisioner) Cleanup(ctx context.Context, retention time.Duration, protected []string) (int, error) {
	expired, err := p.Expired(ctx, retention, protected)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, path := range expired {
		if err := os.RemoveAll(path); err != nil {
			p.logger.Warn("remove expired workspace", "path", path, "error", err)
			continue
		}
		removed++
	}
	p.logger.Info("workspace cleanup complete", "removed", removed)
	return removed, nil
}

var validPackage = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// sanitizeID makes an issue id safe as a directory name.
func sanitizeID(id string) string {
	return strings.NewReplacer("/", "_", "#", "_").Replace(id)
}

// knowledgeQuery is the title plus requirements, or the title plus body when
// there are no requirements.
func knowledgeQuery(item *pipeline.WorkItem, cls *pipeline.Classification) string {
	parts := []string{item.Title}
	if len(cls.Requirements) > 0 {
		parts = append(parts, cls.Requirements...)
	} else if body := strings.TrimSpace(item.Body); body != "" {
		parts = append(parts, body)
	}
	return strings.Join(parts, " ")
}

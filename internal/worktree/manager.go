// Package worktree manages isolated working copies for work items.
//
// Each issue gets exactly one branch and one working copy, both named
// deterministically from the issue number. Ensure is idempotent so the poller
// can crash and resume at any point. Working copies are never deleted here;
// cleanup is an explicit operation outside the polling loop.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/fyrsmithlabs/orchd/internal/config"
)

// ErrConflict indicates the branch or working-copy path is already in use by
// something this manager did not create.
var ErrConflict = errors.New("worktree conflict")

const (
	branchPrefix = "ai/iss-"
	worktreeDir  = ".worktrees"
)

var (
	slugRe   = regexp.MustCompile(`[^a-z0-9]+`)
	branchRe = regexp.MustCompile(`^ai/iss-(\d+)(?:-.*)?$`)
)

// Slugify reduces a title to a short branch-safe token.
func Slugify(text string) string {
	slug := strings.Trim(slugRe.ReplaceAllString(strings.ToLower(text), "-"), "-")
	if len(slug) > 40 {
		slug = strings.Trim(slug[:40], "-")
	}
	if slug == "" {
		return "task"
	}
	return slug
}

// BranchName returns the deterministic branch name for an issue.
func BranchName(issue int, title string) string {
	return fmt.Sprintf("%s%d-%s", branchPrefix, issue, Slugify(title))
}

// IssueFromBranch decodes the issue number from a branch name created by
// BranchName. Returns false for branches this system does not own.
func IssueFromBranch(branch string) (int, bool) {
	m := branchRe.FindStringSubmatch(branch)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Manager creates and reuses isolated working copies rooted at a local
// repository clone.
type Manager struct {
	root       string
	baseBranch string
	token      config.Secret
}

// NewManager creates a manager over the repository at root.
func NewManager(root, baseBranch string, token config.Secret) *Manager {
	return &Manager{
		root:       root,
		baseBranch: baseBranch,
		token:      token,
	}
}

// PathFor returns the deterministic working-copy path for an issue.
func (m *Manager) PathFor(issue int) string {
	return filepath.Join(m.root, worktreeDir, fmt.Sprintf("iss-%d", issue))
}

// Ensure makes sure a branch and isolated working copy exist for the issue,
// creating them from the base branch if needed. Calling Ensure again for the
// same issue returns the existing path unchanged.
func (m *Manager) Ensure(ctx context.Context, issue int, title string) (string, error) {
	branch := BranchName(issue, title)
	path := m.PathFor(issue)

	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return "", fmt.Errorf("%w: %s exists and is not a directory", ErrConflict, path)
		}
		return m.verifyExisting(path, branch)
	}

	repo, err := git.PlainOpen(m.root)
	if err != nil {
		return "", fmt.Errorf("failed to open repository at %s: %w", m.root, err)
	}

	if err := m.fetchBase(ctx, repo); err != nil {
		return "", err
	}

	branchRef := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(branchRef, true); err != nil {
		baseHash, err := m.resolveBase(repo)
		if err != nil {
			return "", err
		}
		if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, baseHash)); err != nil {
			return "", fmt.Errorf("failed to create branch %s: %w", branch, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create worktree dir: %w", err)
	}

	// Materialize the isolated copy as a clone of the local repository
	// bound to the work branch. Filesystem state stays fully independent
	// of every other work item.
	_, err = git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
		URL:           m.root,
		ReferenceName: branchRef,
		SingleBranch:  true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to materialize working copy for #%d: %w", issue, err)
	}

	return path, nil
}

// verifyExisting checks that an existing working-copy path belongs to the
// expected branch rather than silently reusing foreign state.
func (m *Manager) verifyExisting(path, branch string) (string, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s exists but is not a repository", ErrConflict, path)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD of %s: %w", path, err)
	}
	if !head.Name().IsBranch() || head.Name().Short() != branch {
		return "", fmt.Errorf("%w: %s is checked out to %s, expected %s",
			ErrConflict, path, head.Name().Short(), branch)
	}
	return path, nil
}

// fetchBase refreshes the base branch from origin. Repositories without a
// remote (tests, fully local setups) are left as-is.
func (m *Manager) fetchBase(ctx context.Context, repo *git.Repository) error {
	err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/remotes/origin/%s", m.baseBranch, m.baseBranch)),
		},
		Auth: m.authFor(repo),
	})
	if err == nil || errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if errors.Is(err, git.ErrRemoteNotFound) {
		return nil
	}
	return fmt.Errorf("failed to fetch base branch %s: %w", m.baseBranch, err)
}

// resolveBase returns the commit the base branch points at, preferring the
// freshly fetched remote-tracking ref.
func (m *Manager) resolveBase(repo *git.Repository) (plumbing.Hash, error) {
	for _, rev := range []string{
		"refs/remotes/origin/" + m.baseBranch,
		"refs/heads/" + m.baseBranch,
	} {
		hash, err := repo.ResolveRevision(plumbing.Revision(rev))
		if err == nil {
			return *hash, nil
		}
	}
	return plumbing.ZeroHash, fmt.Errorf("base branch %q not found in repository", m.baseBranch)
}

// CommitAll stages and commits any pending changes in the working copy with
// the given message. Returns false without committing when the copy is clean.
// This is the single filesystem mutation the orchestration core performs
// itself; everything else is delegated to the agent.
func (m *Manager) CommitAll(path, message string) (bool, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return false, fmt.Errorf("failed to open working copy %s: %w", path, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("failed to get worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("failed to get status: %w", err)
	}
	if status.IsClean() {
		return false, nil
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return false, fmt.Errorf("failed to stage changes: %w", err)
	}
	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "orchd",
			Email: "orchd@fyrsmithlabs.dev",
			When:  time.Now(),
		},
	})
	if err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// Push publishes the working copy's branch in two hops: into the root
// repository the copy was cloned from, then from the root to its own origin.
// After Push the branch exists on the remote a pull request can reference.
func (m *Manager) Push(ctx context.Context, path string) error {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("failed to open working copy %s: %w", path, err)
	}
	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("failed to read HEAD: %w", err)
	}

	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("%s:%s", head.Name(), head.Name())),
		},
		Auth: m.authFor(repo),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to push %s: %w", head.Name().Short(), err)
	}
	return m.relay(ctx, head.Name())
}

// relay forwards a branch from the root repository to its origin with the
// configured token. Roots without a remote (tests, fully local setups) stop
// at the root.
func (m *Manager) relay(ctx context.Context, ref plumbing.ReferenceName) error {
	root, err := git.PlainOpen(m.root)
	if err != nil {
		return fmt.Errorf("failed to open repository at %s: %w", m.root, err)
	}
	if _, err := root.Remote("origin"); err != nil {
		if errors.Is(err, git.ErrRemoteNotFound) {
			return nil
		}
		return fmt.Errorf("failed to resolve origin remote: %w", err)
	}
	err = root.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("%s:%s", ref, ref)),
		},
		Auth: m.authFor(root),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to push %s to origin: %w", ref.Short(), err)
	}
	return nil
}

// authFor returns token credentials when origin is an HTTP remote. Local
// path remotes (the isolated copies clone from the root checkout) take none.
func (m *Manager) authFor(repo *git.Repository) transport.AuthMethod {
	if !m.token.IsSet() {
		return nil
	}
	remote, err := repo.Remote("origin")
	if err != nil || len(remote.Config().URLs) == 0 {
		return nil
	}
	if !strings.HasPrefix(remote.Config().URLs[0], "http") {
		return nil
	}
	return &githttp.BasicAuth{
		Username: "x-access-token",
		Password: m.token.Value(),
	}
}

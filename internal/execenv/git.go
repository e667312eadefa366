package execenv

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/fyrsmithlabs/gated/internal/validation"
)

// GitRepo implements the validation.Git port on top of a local
// repository checkout.
type GitRepo struct {
	repo *git.Repository
}

// OpenGitRepo opens the repository at path.
func OpenGitRepo(path string) (*GitRepo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}
	return &GitRepo{repo: repo}, nil
}

func (g *GitRepo) commit(ref string) (*object.Commit, error) {
	hash, err := g.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}
	commit, err := g.repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", ref, err)
	}
	return commit, nil
}

// Diff returns the unified patch between two refs.
func (g *GitRepo) Diff(_ context.Context, baseRef, targetRef string) (string, error) {
	base, err := g.commit(baseRef)
	if err != nil {
		return "", err
	}
	target, err := g.commit(targetRef)
	if err != nil {
		return "", err
	}
	patch, err := base.Patch(target)
	if err != nil {
		return "", fmt.Errorf("diff %s..%s: %w", baseRef, targetRef, err)
	}
	return patch.String(), nil
}

// DiffFiles returns the paths touched between two refs. Renames
// contribute their destination path.
func (g *GitRepo) DiffFiles(_ context.Context, baseRef, targetRef string) ([]string, error) {
	base, err := g.commit(baseRef)
	if err != nil {
		return nil, err
	}
	target, err := g.commit(targetRef)
	if err != nil {
		return nil, err
	}
	baseTree, err := base.Tree()
	if err != nil {
		return nil, err
	}
	targetTree, err := target.Tree()
	if err != nil {
		return nil, err
	}
	changes, err := object.DiffTree(baseTree, targetTree)
	if err != nil {
		return nil, fmt.Errorf("diff %s..%s: %w", baseRef, targetRef, err)
	}

	seen := make(map[string]struct{}, len(changes))
	var paths []string
	for _, change := range changes {
		name := change.To.Name
		if name == "" {
			name = change.From.Name
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		paths = append(paths, name)
	}
	return paths, nil
}

// ReadFile returns the contents of path at ref.
func (g *GitRepo) ReadFile(_ context.Context, ref, path string) (string, error) {
	commit, err := g.commit(ref)
	if err != nil {
		return "", err
	}
	file, err := commit.File(path)
	if err != nil {
		return "", fmt.Errorf("read %s@%s: %w", path, ref, err)
	}
	return file.Contents()
}

// Checkout moves the worktree to ref.
func (g *GitRepo) Checkout(_ context.Context, ref string) error {
	hash, err := g.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", ref, err)
	}
	wt, err := g.repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: *hash}); err != nil {
		return fmt.Errorf("checkout %s: %w", ref, err)
	}
	return nil
}

// CurrentRef returns the short branch name, or the commit hash on a
// detached head.
func (g *GitRepo) CurrentRef(_ context.Context) (string, error) {
	head, err := g.repo.Head()
	if err != nil {
		return "", fmt.Errorf("head: %w", err)
	}
	if head.Name().IsBranch() {
		return head.Name().Short(), nil
	}
	return head.Hash().String(), nil
}

var _ validation.Git = (*GitRepo)(nil)

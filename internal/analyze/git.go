package analyze

import (
	git "github.com/go-git/go-git/v5"

	"github.com/gambtho/container-assist/internal/workflow"
)

// GitMetadata reads branch, commit, and origin remote from the
// repository at path. Non-git directories and detached heads degrade to
// whatever could be read; the path is always populated.
func GitMetadata(path string) workflow.Repository {
	repo := workflow.Repository{Path: path}

	r, err := git.PlainOpen(path)
	if err != nil {
		return repo
	}

	if head, err := r.Head(); err == nil {
		if head.Name().IsBranch() {
			repo.Branch = head.Name().Short()
		}
		repo.Commit = head.Hash().String()
	}

	if remote, err := r.Remote("origin"); err == nil {
		if urls := remote.Config().URLs; len(urls) > 0 {
			repo.Remote = urls[0]
		}
	}

	return repo
}

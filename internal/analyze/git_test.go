package analyze

import (
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGitMetadata(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{"https://github.com/example/demo.git"},
	})
	require.NoError(t, err)

	writeFile(t, dir, "README.md", "# demo\n")
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "Dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	meta := GitMetadata(dir)
	assert.Equal(t, dir, meta.Path)
	assert.Equal(t, "master", meta.Branch)
	assert.Equal(t, hash.String(), meta.Commit)
	assert.Equal(t, "https://github.com/example/demo.git", meta.Remote)
}

func TestGitMetadata_NonGitDirectory(t *testing.T) {
	dir := t.TempDir()
	meta := GitMetadata(dir)
	assert.Equal(t, dir, meta.Path)
	assert.Empty(t, meta.Branch)
	assert.Empty(t, meta.Commit)
	assert.Empty(t, meta.Remote)
}

package sandbox_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"workbench.dev/core/internal/sandbox"
)

// localRepo initializes a throwaway git repository with one committed
// file, standing in for a cloned Sandbox without needing network access.
func localRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init")
	run("config", "user.email", "workbench@example.com")
	run("config", "user.name", "Workbench Bot")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello\n"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func TestDiffStats_NoChanges(t *testing.T) {
	dir := localRepo(t)
	sb := &sandbox.Sandbox{Dir: dir}
	stats, err := sb.DiffStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, stats.FilesChanged)
}

func TestDiffStats_CountsAddedLines(t *testing.T) {
	dir := localRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello\nworld\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("new file\n"), 0o644))

	sb := &sandbox.Sandbox{Dir: dir}
	stats, err := sb.DiffStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.FilesChanged)
	require.ElementsMatch(t, []string{"a.txt", "b.txt"}, stats.Files)
	require.Equal(t, 2, stats.Additions) // 1 new line in a.txt + 1 line in untracked b.txt once staged
}

func TestCommitChanges_NothingToCommit(t *testing.T) {
	dir := localRepo(t)
	sb := &sandbox.Sandbox{Dir: dir}
	committed, err := sb.CommitChanges(context.Background(), "no-op")
	require.NoError(t, err)
	require.False(t, committed)
}

func TestCommitChanges_CommitsStagedWork(t *testing.T) {
	dir := localRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("changed\n"), 0o644))
	sb := &sandbox.Sandbox{Dir: dir}
	committed, err := sb.CommitChanges(context.Background(), "update a.txt")
	require.NoError(t, err)
	require.True(t, committed)
}

func TestPushBranch_PushesAttemptBranchToOrigin(t *testing.T) {
	bare := t.TempDir()
	cmd := exec.Command("git", "init", "--bare")
	cmd.Dir = bare
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git init --bare: %s", out)

	dir := localRepo(t)
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("remote", "add", "origin", bare)
	run("checkout", "-b", "claude/attempt-cafe0123")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("pushed\n"), 0o644))

	sb := &sandbox.Sandbox{Dir: dir, BranchName: "claude/attempt-cafe0123"}
	committed, err := sb.CommitChanges(context.Background(), "update a.txt")
	require.NoError(t, err)
	require.True(t, committed)
	require.NoError(t, sb.PushBranch(context.Background(), ""))

	verify := exec.Command("git", "rev-parse", "--verify", "refs/heads/claude/attempt-cafe0123")
	verify.Dir = bare
	out, err = verify.CombinedOutput()
	require.NoErrorf(t, err, "branch missing from origin: %s", out)
}

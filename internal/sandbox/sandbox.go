// Package sandbox manages per-attempt isolated git workspaces: a shallow
// clone, a dedicated attempt branch, and diff introspection once the
// agent has run. Everything shells out to the system git binary.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"workbench.dev/core/internal/ids"
)

// DiffStats summarizes the working tree's divergence from the branch's
// starting commit.
type DiffStats struct {
	FilesChanged int
	Additions    int
	Deletions    int
	Files        []string
}

// Sandbox is an acquired, isolated git workspace for one attempt.
type Sandbox struct {
	Dir        string
	BranchName string
	Repo       string

	githubPAT string
}

// Acquire shallow-clones repo's branch (falling back to the repository's
// default branch if branch is not found) into a fresh temp directory
// under tmpdirBase, checks out a new attempt branch named
// claude/attempt-<8-hex>, and configures a local commit identity. The
// caller must call Release when done.
func Acquire(ctx context.Context, tmpdirBase, repo, branch, githubPAT string) (*Sandbox, error) {
	dir, err := os.MkdirTemp(tmpdirBase, "attempt-*")
	if err != nil {
		return nil, fmt.Errorf("sandbox: mkdir temp: %w", err)
	}

	cloneURL := addAuthToURL(fmt.Sprintf("https://github.com/%s", repo), githubPAT)

	cloneArgs := []string{"clone", "--depth", "1"}
	if branch != "" {
		cloneArgs = append(cloneArgs, "-b", branch)
	}
	cloneArgs = append(cloneArgs, cloneURL, dir)

	if _, err := runGit(ctx, "", cloneArgs...); err != nil {
		if branch != "" && isBranchNotFound(err) {
			fallbackArgs := []string{"clone", "--depth", "1", cloneURL, dir}
			if _, ferr := runGit(ctx, "", fallbackArgs...); ferr != nil {
				os.RemoveAll(dir)
				return nil, fmt.Errorf("sandbox: clone (fallback to default branch): %w", ferr)
			}
		} else {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("sandbox: clone: %w", err)
		}
	}

	if _, err := runGit(ctx, dir, "config", "user.email", "workbench@example.com"); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	if _, err := runGit(ctx, dir, "config", "user.name", "Workbench Bot"); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	attemptBranch := "claude/attempt-" + ids.ShortHex()
	if _, err := runGit(ctx, dir, "checkout", "-b", attemptBranch); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("sandbox: checkout attempt branch: %w", err)
	}

	return &Sandbox{Dir: dir, BranchName: attemptBranch, Repo: repo, githubPAT: githubPAT}, nil
}

// Release removes the sandbox's workspace directory. Best-effort: the
// agent's subprocess may leave files the worker's uid can't remove
// cleanly, and a leftover temp dir is not worth failing the attempt
// over.
func (sb *Sandbox) Release() {
	_ = os.RemoveAll(sb.Dir)
}

// DiffStats stages the working tree (so new, untracked files are
// included) and parses `git diff --numstat HEAD` into a DiffStats.
// Binary files report `-` for additions/deletions, counted as 0 lines
// changed but still as a changed file.
func (sb *Sandbox) DiffStats(ctx context.Context) (*DiffStats, error) {
	if _, err := runGit(ctx, sb.Dir, "add", "-A"); err != nil {
		return nil, fmt.Errorf("sandbox: stage working tree: %w", err)
	}
	out, err := runGit(ctx, sb.Dir, "diff", "--numstat", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("sandbox: diff --numstat: %w", err)
	}

	stats := &DiffStats{}
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		added, deleted := parseNumstatField(fields[0]), parseNumstatField(fields[1])
		stats.Additions += added
		stats.Deletions += deleted
		stats.Files = append(stats.Files, fields[2])
		stats.FilesChanged++
	}
	return stats, nil
}

func parseNumstatField(f string) int {
	if f == "-" {
		return 0
	}
	n, err := strconv.Atoi(f)
	if err != nil {
		return 0
	}
	return n
}

// GetDiff stages the working tree and returns the full unified diff
// against HEAD.
func (sb *Sandbox) GetDiff(ctx context.Context) (string, error) {
	if _, err := runGit(ctx, sb.Dir, "add", "-A"); err != nil {
		return "", fmt.Errorf("sandbox: stage working tree: %w", err)
	}
	return runGit(ctx, sb.Dir, "diff", "HEAD")
}

// CommitChanges stages everything in the working tree and commits it
// with the given message. Returns false if there was nothing to commit.
func (sb *Sandbox) CommitChanges(ctx context.Context, message string) (bool, error) {
	if _, err := runGit(ctx, sb.Dir, "add", "-A"); err != nil {
		return false, err
	}
	if _, err := runGit(ctx, sb.Dir, "diff", "--cached", "--quiet"); err == nil {
		return false, nil
	}
	if _, err := runGit(ctx, sb.Dir, "commit", "-m", message); err != nil {
		return false, fmt.Errorf("sandbox: commit: %w", err)
	}
	return true, nil
}

// PushBranch pushes the attempt branch to origin. credentialToken
// overrides the token the sandbox was acquired with; either way the
// origin URL is rewritten with the token in place before pushing, so a
// token rotated since clone time is honored at push time.
func (sb *Sandbox) PushBranch(ctx context.Context, credentialToken string) error {
	token := credentialToken
	if token == "" {
		token = sb.githubPAT
	}
	if token != "" {
		if err := sb.setPushRemote(ctx, token); err != nil {
			return fmt.Errorf("sandbox: set push remote: %w", err)
		}
	}
	if _, err := runGit(ctx, sb.Dir, "push", "-u", "origin", sb.BranchName); err != nil {
		return fmt.Errorf("sandbox: push: %w", err)
	}
	return nil
}

// setPushRemote points origin at the token-authenticated clone URL.
func (sb *Sandbox) setPushRemote(ctx context.Context, token string) error {
	authed := addAuthToURL("https://github.com/"+sb.Repo, token)
	_, err := runGit(ctx, sb.Dir, "remote", "set-url", "origin", authed)
	return err
}

// addAuthToURL inlines a GitHub PAT into an https://github.com/... URL.
// Restricted to that exact host prefix so a misconfigured or malicious
// repo URL never leaks the PAT to a third party.
func addAuthToURL(url, pat string) string {
	if pat == "" || !strings.HasPrefix(url, "https://github.com/") {
		return url
	}
	return strings.Replace(url, "https://github.com/", "https://"+pat+"@github.com/", 1)
}

func isBranchNotFound(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "not found") ||
		strings.Contains(strings.ToLower(err.Error()), "couldn't find remote ref")
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", filepath.Join(args...), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/basket/tasksync/internal/cir"
)

const mergeFileName = "task.json"

// GitMergetool is the interactive merge strategy. It stages base, ours, and
// theirs as the three index stages of a throwaway git repository, invokes
// the configured mergetool on the single structured document, and loops until
// the result decodes back into a canonical task or the operator aborts.
//
// Merge is synchronous and may block indefinitely on human interaction.
type GitMergetool struct {
	// Tool is the mergetool name passed to git (e.g. vimdiff, kdiff3).
	Tool   string
	Logger *slog.Logger

	// Confirm asks the operator whether to retry after an invalid merge
	// result. Nil means non-interactive: the first invalid result aborts.
	Confirm func(prompt string) bool
}

func (g *GitMergetool) Merge(ctx context.Context, base, ours, theirs *cir.Task) (*cir.Task, error) {
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tool := g.Tool
	if tool == "" {
		tool = "vimdiff"
	}

	dir, err := os.MkdirTemp("", "tasksync-merge-*")
	if err != nil {
		return nil, fmt.Errorf("create merge workdir: %w", err)
	}
	defer os.RemoveAll(dir)

	if _, err := runGit(ctx, dir, nil, "init", "-q"); err != nil {
		return nil, fmt.Errorf("init merge repo: %w", err)
	}

	stage := func(task *cir.Task) (string, error) {
		content := []byte("{}")
		if task != nil {
			content, err = task.MergeableJSON()
			if err != nil {
				return "", err
			}
		}
		out, err := runGit(ctx, dir, content, "hash-object", "-w", "--stdin")
		if err != nil {
			return "", fmt.Errorf("stage merge input: %w", err)
		}
		return strings.TrimSpace(out), nil
	}

	hashBase, err := stage(base)
	if err != nil {
		return nil, err
	}
	hashOurs, err := stage(ours)
	if err != nil {
		return nil, err
	}
	hashTheirs, err := stage(theirs)
	if err != nil {
		return nil, err
	}

	indexInfo := fmt.Sprintf(
		"100644 %s 1\t%s\n100644 %s 2\t%s\n100644 %s 3\t%s\n",
		hashBase, mergeFileName, hashOurs, mergeFileName, hashTheirs, mergeFileName,
	)
	if _, err := runGit(ctx, dir, []byte(indexInfo), "update-index", "--index-info"); err != nil {
		return nil, fmt.Errorf("stage merge index: %w", err)
	}

	// The tool needs a working copy to edit; seed it with ours.
	oursDoc, err := ours.MergeableJSON()
	if err != nil {
		return nil, err
	}
	mergedPath := filepath.Join(dir, mergeFileName)
	if err := os.WriteFile(mergedPath, oursDoc, 0o644); err != nil {
		return nil, fmt.Errorf("write merge working copy: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAborted, err)
		}

		cmd := exec.CommandContext(ctx, "git",
			"-c", "mergetool.keepBackup=false",
			"mergetool", "--tool="+tool, "--no-prompt", mergeFileName,
		)
		cmd.Dir = dir
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			logger.Warn("mergetool exited with error", "tool", tool, "error", err)
		}

		result, err := os.ReadFile(mergedPath)
		if err != nil {
			return nil, fmt.Errorf("read merge result: %w", err)
		}
		task, err := cir.DecodeMergeable(result)
		if err == nil {
			return task, nil
		}

		logger.Warn("merge result does not decode", "error", err)
		if g.Confirm == nil || !g.Confirm(fmt.Sprintf("Merge result invalid (%v). Edit again?", err)) {
			return nil, fmt.Errorf("%w: %v", ErrAborted, err)
		}
	}
}

func runGit(ctx context.Context, dir string, stdin []byte, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if stdin != nil {
		cmd.Stdin = strings.NewReader(string(stdin))
	}
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

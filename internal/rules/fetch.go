package rules

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
)

const ruleExtension = ".yara"

// GitFetcher pulls the ruleset with a shallow in-memory clone of the
// rules repository. The rule names are the base names of the *.yara
// files; the commit is the branch HEAD.
type GitFetcher struct {
	RepoURL string
	Branch  string
	Token   string
}

func (f *GitFetcher) Fetch(ctx context.Context) (*Snapshot, error) {
	fs := memfs.New()
	opts := &git.CloneOptions{
		URL:          f.RepoURL,
		Depth:        1,
		SingleBranch: true,
	}
	if f.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(f.Branch)
	}
	if f.Token != "" {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: f.Token}
	}

	repo, err := git.CloneContext(ctx, memory.NewStorage(), fs, opts)
	if err != nil {
		return nil, fmt.Errorf("clone rules repository: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve rules HEAD: %w", err)
	}

	names, err := collectRuleNames(fs, "/")
	if err != nil {
		return nil, err
	}

	return &Snapshot{Commit: head.Hash().String(), Rules: names}, nil
}

func collectRuleNames(fs billy.Filesystem, dir string) ([]string, error) {
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		full := path.Join(dir, entry.Name())
		if entry.IsDir() {
			sub, err := collectRuleNames(fs, full)
			if err != nil {
				return nil, err
			}
			names = append(names, sub...)
			continue
		}
		if strings.HasSuffix(entry.Name(), ruleExtension) {
			names = append(names, strings.TrimSuffix(entry.Name(), ruleExtension))
		}
	}
	return names, nil
}

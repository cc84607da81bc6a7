package steps

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Checkout clones the repository into the workspace. Inputs:
//   - repository: clone URL, defaults to the event's clone URL
//   - ref: branch or tag ref, defaults to the event ref
//   - sha: commit to check out after cloning, defaults to the event sha
//   - path: directory inside the workspace
//   - fetch-depth: shallow clone depth, 0 for full history
func Checkout(ctx context.Context, inv Invocation) (int, error) {
	ec := inv.Context

	url := or(inv.Inputs["repository"], ec.Event.CloneURL)
	if url == "" {
		fmt.Fprintln(inv.Stdout, "no repository to check out, using the workspace as is")
		return 0, nil
	}

	dest, err := ec.Resolve(inv.Inputs["path"])
	if err != nil {
		return 0, err
	}

	opts := &git.CloneOptions{
		URL:      url,
		Progress: inv.Stderr,
	}

	ref := plumbing.ReferenceName(or(inv.Inputs["ref"], ec.Event.Ref))
	if ref.IsBranch() || ref.IsTag() {
		opts.ReferenceName = ref
		opts.SingleBranch = true
	}

	if d := inv.Inputs["fetch-depth"]; d != "" {
		depth, err := strconv.Atoi(d)
		if err != nil || depth < 0 {
			fmt.Fprintf(inv.Stderr, "invalid fetch-depth %q\n", d)
			return 1, nil
		}
		opts.Depth = depth
	}

	fmt.Fprintf(inv.Stdout, "cloning %s into %s\n", url, dest)
	repo, err := git.PlainCloneContext(ctx, dest, false, opts)
	if err != nil {
		fmt.Fprintf(inv.Stderr, "clone failed: %v\n", err)
		return 1, nil
	}

	if sha := or(inv.Inputs["sha"], ec.Event.Sha); sha != "" {
		wt, err := repo.Worktree()
		if err != nil {
			return 0, err
		}
		err = wt.Checkout(&git.CheckoutOptions{
			Hash:  plumbing.NewHash(sha),
			Force: true,
		})
		if err != nil {
			fmt.Fprintf(inv.Stderr, "checking out %s: %v\n", sha, err)
			return 1, nil
		}
	}

	head, err := repo.Head()
	if err != nil {
		return 0, err
	}
	fmt.Fprintf(inv.Stdout, "HEAD is now at %s\n", head.Hash())

	return 0, nil
}

func or(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

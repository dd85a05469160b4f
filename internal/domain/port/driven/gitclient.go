package driven

import "context"

// GitPusher defines the driven port for patch-set push operations. Given a
// local working tree and a target branch it produces a pushable commit and
// delivers it to the review server's magic ref. The core treats this as an
// opaque produce-artifact call.
type GitPusher interface {
	// PushForReview pushes the work tree's HEAD to refs/for/<branch> on the
	// given remote and returns the pushed commit revision.
	PushForReview(ctx context.Context, workTree, remoteURL, branch string) (revision string, err error)
}

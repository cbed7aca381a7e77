package deploy

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/benghita/gitops-engine/internal/host"
)

// Trigger starts a pipeline run for a commit and returns its id.
// Implementations decide whether the run is real or simulated; the
// controller treats both identically.
type Trigger interface {
	Trigger(ctx context.Context, repo host.Repo, branch, sha string) (string, error)
}

// MockTrigger simulates pipeline invocation without any side effects.
// It is the default trigger when no CI integration is configured.
type MockTrigger struct {
	// Err, when set, makes every invocation fail. Test hook.
	Err error
}

func (m *MockTrigger) Trigger(_ context.Context, repo host.Repo, branch, _ string) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	return fmt.Sprintf("mock-%s-%s-%s-%s", repo.Owner, repo.Name, branch, uuid.NewString()), nil
}

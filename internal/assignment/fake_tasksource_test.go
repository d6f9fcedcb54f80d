package assignment

import (
	"context"
	"sync"

	"github.com/tzsystem/dispatchd/internal/domain"
)

// fakeSource is a minimal in-memory tasksource.TaskSource used across
// engine tests, standing in for the labeling backend.
type fakeSource struct {
	mu          sync.Mutex
	metadata    map[domain.TaskID]domain.TaskAssignment
	submitted   map[domain.TaskID]string
	submitErr   error
	metadataErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		metadata:  make(map[domain.TaskID]domain.TaskAssignment),
		submitted: make(map[domain.TaskID]string),
	}
}

func (f *fakeSource) UnlabeledTaskIDs(ctx context.Context) ([]domain.TaskID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]domain.TaskID, 0, len(f.metadata))
	for id := range f.metadata {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeSource) TaskMetadata(ctx context.Context, id domain.TaskID) (domain.TaskAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metadataErr != nil {
		return domain.TaskAssignment{}, f.metadataErr
	}
	a, ok := f.metadata[id]
	if !ok {
		a = domain.TaskAssignment{TaskID: id, AudioURL: "https://example/audio.wav", Duration: 42}
	}
	return a, nil
}

func (f *fakeSource) SubmitAnnotation(ctx context.Context, id domain.TaskID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted[id] = text
	return nil
}

func (f *fakeSource) UpdateDuration(ctx context.Context, id domain.TaskID, seconds float64, method string) error {
	return nil
}

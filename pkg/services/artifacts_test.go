package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/easel-ai/easel-engine/pkg/apperrors"
	"github.com/easel-ai/easel-engine/pkg/config"
	"github.com/easel-ai/easel-engine/pkg/models"
	"github.com/easel-ai/easel-engine/pkg/streaming"
	"github.com/easel-ai/easel-engine/pkg/tools"
)

// errTransient matches the retry package's connection-error patterns.
var errTransient = errors.New("write failed: connection refused")

// fakeDocRepo is an in-memory DocumentRepository.
type fakeDocRepo struct {
	mu       sync.Mutex
	docs     map[uuid.UUID]*models.Document
	versions map[uuid.UUID][]*models.DocumentVersion

	createErr           error
	versionFailuresLeft int
}

func newFakeDocRepo() *fakeDocRepo {
	return &fakeDocRepo{
		docs:     make(map[uuid.UUID]*models.Document),
		versions: make(map[uuid.UUID][]*models.DocumentVersion),
	}
}

func (f *fakeDocRepo) Create(ctx context.Context, doc *models.Document, versionMetadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	now := time.Now()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	stored := *doc
	f.docs[doc.ID] = &stored
	if doc.Content != "" {
		f.versions[doc.ID] = append(f.versions[doc.ID], &models.DocumentVersion{
			ID:         uuid.New(),
			DocumentID: doc.ID,
			Content:    doc.Content,
			Metadata:   versionMetadata,
			Version:    1,
			CreatedAt:  now,
		})
	}
	return nil
}

func (f *fakeDocRepo) UpdateTitle(ctx context.Context, id uuid.UUID, ownerID, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok || doc.OwnerID != ownerID {
		return apperrors.ErrNotFound
	}
	doc.Title = title
	doc.UpdatedAt = time.Now()
	return nil
}

func (f *fakeDocRepo) Get(ctx context.Context, id uuid.UUID, ownerID string) (*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok || doc.OwnerID != ownerID {
		return nil, apperrors.ErrNotFound
	}
	copied := *doc
	return &copied, nil
}

func (f *fakeDocRepo) Delete(ctx context.Context, id uuid.UUID, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok || doc.OwnerID != ownerID {
		return apperrors.ErrNotFound
	}
	delete(f.docs, id)
	delete(f.versions, id)
	return nil
}

func (f *fakeDocRepo) CreateVersion(ctx context.Context, documentID uuid.UUID, content string, metadata map[string]string) (*models.DocumentVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.versionFailuresLeft > 0 {
		f.versionFailuresLeft--
		return nil, errTransient
	}
	doc, ok := f.docs[documentID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	v := &models.DocumentVersion{
		ID:         uuid.New(),
		DocumentID: documentID,
		Content:    content,
		Metadata:   metadata,
		Version:    len(f.versions[documentID]) + 1,
		CreatedAt:  time.Now(),
	}
	f.versions[documentID] = append(f.versions[documentID], v)
	doc.Content = content
	doc.UpdatedAt = v.CreatedAt
	copied := *v
	return &copied, nil
}

func (f *fakeDocRepo) ListVersions(ctx context.Context, documentID uuid.UUID, limit, offset int) ([]*models.DocumentVersion, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.versions[documentID]
	total := len(all)
	out := make([]*models.DocumentVersion, 0, total)
	for i := total - 1; i >= 0; i-- {
		out = append(out, all[i])
	}
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (f *fakeDocRepo) GetVersion(ctx context.Context, documentID uuid.UUID, version int) (*models.DocumentVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.versions[documentID] {
		if v.Version == version {
			copied := *v
			return &copied, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakeDocRepo) versionCount(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.versions[id])
}

// stubProvider serves a fixed tool map under a fixed name.
type stubProvider struct {
	name    string
	toolSet map[string]tools.Tool
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) ListTools(ctx context.Context) ([]tools.Descriptor, error) {
	out := make([]tools.Descriptor, 0, len(s.toolSet))
	for name := range s.toolSet {
		out = append(out, tools.Descriptor{Provider: s.name, Name: name})
	}
	return out, nil
}

func (s *stubProvider) Lookup(name string) (tools.Tool, bool) {
	tool, ok := s.toolSet[name]
	return tool, ok
}

// ephemeralTool succeeds without flagging its output for persistence.
type ephemeralTool struct{}

func (ephemeralTool) Run(ctx context.Context, args map[string]any) (<-chan tools.Event, error) {
	out := make(chan tools.Event, 2)
	out <- tools.Event{Progress: 50}
	out <- tools.Event{Terminal: true, Content: "scratch output"}
	close(out)
	return out, nil
}

// stallingTool never produces a terminal event; it waits for cancellation.
type stallingTool struct{}

func (stallingTool) Run(ctx context.Context, args map[string]any) (<-chan tools.Event, error) {
	out := make(chan tools.Event)
	go func() {
		defer close(out)
		select {
		case out <- tools.Event{Progress: 10}:
		case <-ctx.Done():
			return
		}
		<-ctx.Done()
	}()
	return out, nil
}

func newArtifactFixture(t *testing.T, repo *fakeDocRepo, timeout time.Duration) ArtifactService {
	t.Helper()
	registry := newTestRegistry(t)
	registry.RegisterProvider(tools.NewBuiltinProvider(zap.NewNop()))
	runner := tools.NewRunner(timeout, tools.NewTracker(), zap.NewNop())
	cfg := config.InvocationConfig{MaxPersistRetries: 2}
	return NewArtifactService(repo, registry, runner, cfg, zap.NewNop())
}

// runStream drives fn against a fresh mux and returns the delivered frames.
func runStream(t *testing.T, fn func(context.Context, *streaming.Mux)) []models.Frame {
	t.Helper()
	mux := streaming.NewMux()
	go func() {
		fn(context.Background(), mux)
		mux.Finish()
	}()

	var frames []models.Frame
	timeout := time.After(10 * time.Second)
	for {
		select {
		case f, ok := <-mux.Frames():
			if !ok {
				return frames
			}
			frames = append(frames, f)
		case <-timeout:
			t.Fatal("timed out draining stream")
		}
	}
}

func TestCreateStreamPersistsFirstVersion(t *testing.T) {
	repo := newFakeDocRepo()
	svc := newArtifactFixture(t, repo, 5*time.Second)

	frames := runStream(t, func(ctx context.Context, mux *streaming.Mux) {
		svc.CreateStream(ctx, mux, "user-1", nil, CreateArtifactRequest{
			Title: "Sales",
			Kind:  models.KindTable,
			Args: map[string]any{
				"columns": []any{"Region", "Total"},
				"rows":    []any{[]any{"EU", 10.0}},
			},
		})
	})

	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	require.Equal(t, models.FrameCreationComplete, last.Type)

	data, ok := last.Data.(ArtifactData)
	require.True(t, ok)
	assert.Equal(t, "Sales", data.Title)
	assert.Equal(t, "table", data.Kind)
	assert.Equal(t, 1, data.Version)
	assert.NotEmpty(t, data.Content)

	// progress frames precede the terminal and ascend
	prev := -1
	for _, f := range frames[:len(frames)-1] {
		require.Equal(t, models.FrameProgress, f.Type)
		p := f.Data.(models.ProgressData).Progress
		assert.Greater(t, p, prev)
		prev = p
	}

	docID := uuid.MustParse(data.ID)
	assert.Equal(t, 1, repo.versionCount(docID))

	doc, err := repo.Get(context.Background(), docID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, data.Content, doc.Content)
}

func TestCreateStreamChartKind(t *testing.T) {
	repo := newFakeDocRepo()
	svc := newArtifactFixture(t, repo, 5*time.Second)

	frames := runStream(t, func(ctx context.Context, mux *streaming.Mux) {
		svc.CreateStream(ctx, mux, "user-1", nil, CreateArtifactRequest{
			Title: "Traffic",
			Kind:  models.KindLineChart,
			Args: map[string]any{
				"labels": []any{"Mon", "Tue"},
				"values": []any{1.0, 2.0},
			},
		})
	})

	last := frames[len(frames)-1]
	require.Equal(t, models.FrameCreationComplete, last.Type)
	data := last.Data.(ArtifactData)
	assert.Equal(t, "line-chart", data.Kind)
}

func TestCreateStreamValidationError(t *testing.T) {
	repo := newFakeDocRepo()
	svc := newArtifactFixture(t, repo, 5*time.Second)

	frames := runStream(t, func(ctx context.Context, mux *streaming.Mux) {
		svc.CreateStream(ctx, mux, "user-1", nil, CreateArtifactRequest{
			Title: "Bad",
			Kind:  models.KindTable,
			Args: map[string]any{
				"rows": []any{"not-an-array"},
			},
		})
	})

	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, models.FrameError, last.Type)
	assert.Equal(t, models.ErrorKindValidation, last.ErrorKind)
	assert.Empty(t, repo.docs)
}

func TestCreateStreamTimeout(t *testing.T) {
	repo := newFakeDocRepo()
	registry := newTestRegistry(t)
	registry.RegisterProvider(&stubProvider{
		name:    tools.BuiltinProviderName,
		toolSet: map[string]tools.Tool{tools.ToolGenerateTable: stallingTool{}},
	})
	runner := tools.NewRunner(50*time.Millisecond, tools.NewTracker(), zap.NewNop())
	svc := NewArtifactService(repo, registry, runner, config.InvocationConfig{}, zap.NewNop())

	frames := runStream(t, func(ctx context.Context, mux *streaming.Mux) {
		svc.CreateStream(ctx, mux, "user-1", nil, CreateArtifactRequest{
			Title: "Slow",
			Kind:  models.KindTable,
		})
	})

	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, models.FrameError, last.Type)
	assert.Equal(t, models.ErrorKindTimeout, last.ErrorKind)
	assert.Empty(t, repo.docs, "timed out invocation must not persist")
}

func TestCreateStreamSucceedsWithoutPersisting(t *testing.T) {
	repo := newFakeDocRepo()
	registry := newTestRegistry(t)
	registry.RegisterProvider(&stubProvider{
		name:    tools.BuiltinProviderName,
		toolSet: map[string]tools.Tool{tools.ToolGenerateTable: ephemeralTool{}},
	})
	runner := tools.NewRunner(5*time.Second, tools.NewTracker(), zap.NewNop())
	svc := NewArtifactService(repo, registry, runner, config.InvocationConfig{}, zap.NewNop())

	frames := runStream(t, func(ctx context.Context, mux *streaming.Mux) {
		svc.CreateStream(ctx, mux, "user-1", nil, CreateArtifactRequest{
			Title: "Scratch",
			Kind:  models.KindTable,
		})
	})

	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, models.FrameCreationComplete, last.Type)
	assert.Nil(t, last.Data, "a non-persisted run carries no artifact payload")
	assert.Empty(t, repo.docs, "a non-persisted run must not write a document")
}

func TestCreateStreamDisconnectCancelsWithoutPersisting(t *testing.T) {
	repo := newFakeDocRepo()
	registry := newTestRegistry(t)
	registry.RegisterProvider(&stubProvider{
		name:    tools.BuiltinProviderName,
		toolSet: map[string]tools.Tool{tools.ToolGenerateTable: stallingTool{}},
	})
	runner := tools.NewRunner(30*time.Second, tools.NewTracker(), zap.NewNop())
	svc := NewArtifactService(repo, registry, runner, config.InvocationConfig{}, zap.NewNop())

	mux := streaming.NewMux()
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.CreateStream(context.Background(), mux, "user-1", nil, CreateArtifactRequest{
			Title: "Abandoned",
			Kind:  models.KindTable,
		})
	}()

	// simulate the consumer dropping mid-invocation
	time.Sleep(50 * time.Millisecond)
	mux.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not unwind after disconnect")
	}

	assert.Empty(t, repo.docs, "cancelled invocation must not persist")
}

func TestCreateStreamPersistFailureMarksFailed(t *testing.T) {
	repo := newFakeDocRepo()
	repo.createErr = errors.New("unique constraint violated")
	svc := newArtifactFixture(t, repo, 5*time.Second)

	frames := runStream(t, func(ctx context.Context, mux *streaming.Mux) {
		svc.CreateStream(ctx, mux, "user-1", nil, CreateArtifactRequest{
			Title: "Doomed",
			Kind:  models.KindTable,
		})
	})

	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, models.FrameError, last.Type)
	assert.Equal(t, models.ErrorKindExecution, last.ErrorKind)
	assert.NotEmpty(t, last.ErrorText)
}

func TestUpdateStreamAppendsVersion(t *testing.T) {
	repo := newFakeDocRepo()
	svc := newArtifactFixture(t, repo, 5*time.Second)

	doc := &models.Document{OwnerID: "user-1", Kind: models.KindTable, Title: "Sales", Content: `{"title":"Sales","columns":[]}`}
	require.NoError(t, repo.Create(context.Background(), doc, nil))
	require.Equal(t, 1, repo.versionCount(doc.ID))

	frames := runStream(t, func(ctx context.Context, mux *streaming.Mux) {
		svc.UpdateStream(ctx, mux, doc, nil, UpdateArtifactRequest{Title: "Quarterly Sales"})
	})

	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	require.Equal(t, models.FrameUpdateComplete, last.Type)

	data := last.Data.(ArtifactData)
	assert.Equal(t, "Quarterly Sales", data.Title)
	assert.Equal(t, 2, data.Version)
	assert.Equal(t, 2, repo.versionCount(doc.ID))

	stored, err := repo.Get(context.Background(), doc.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Quarterly Sales", stored.Title)
}

func TestCreateVersionRetriesTransientFailure(t *testing.T) {
	repo := newFakeDocRepo()
	svc := newArtifactFixture(t, repo, 5*time.Second)

	doc := &models.Document{OwnerID: "user-1", Kind: models.KindTable, Title: "Sales"}
	require.NoError(t, repo.Create(context.Background(), doc, nil))

	repo.versionFailuresLeft = 1
	v, err := svc.CreateVersion(context.Background(), doc.ID, "user-1", "v1 content", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)
	assert.Equal(t, "v1 content", v.Content)
}

func TestCreateVersionRetriesExhausted(t *testing.T) {
	repo := newFakeDocRepo()
	svc := newArtifactFixture(t, repo, 5*time.Second)

	doc := &models.Document{OwnerID: "user-1", Kind: models.KindTable, Title: "Sales"}
	require.NoError(t, repo.Create(context.Background(), doc, nil))

	repo.versionFailuresLeft = 100
	_, err := svc.CreateVersion(context.Background(), doc.ID, "user-1", "content", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsExecution(err))
}

func TestCreateVersionRequiresOwnership(t *testing.T) {
	repo := newFakeDocRepo()
	svc := newArtifactFixture(t, repo, 5*time.Second)

	doc := &models.Document{OwnerID: "user-1", Kind: models.KindTable, Title: "Sales"}
	require.NoError(t, repo.Create(context.Background(), doc, nil))

	_, err := svc.CreateVersion(context.Background(), doc.ID, "someone-else", "content", nil)
	assert.True(t, apperrors.IsNotFound(err))

	_, _, err = svc.ListVersions(context.Background(), doc.ID, "someone-else", 0, 0)
	assert.True(t, apperrors.IsNotFound(err))

	_, err = svc.GetVersion(context.Background(), doc.ID, "someone-else", 1)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCreateValidation(t *testing.T) {
	repo := newFakeDocRepo()
	svc := newArtifactFixture(t, repo, 5*time.Second)

	_, err := svc.Create(context.Background(), "user-1", "mystery", "Title")
	assert.True(t, apperrors.IsValidation(err))

	_, err = svc.Create(context.Background(), "user-1", models.KindTable, "")
	assert.True(t, apperrors.IsValidation(err))
}

func TestCreateEmptyArtifactHasNoVersions(t *testing.T) {
	repo := newFakeDocRepo()
	svc := newArtifactFixture(t, repo, 5*time.Second)

	doc, err := svc.Create(context.Background(), "user-1", models.KindTable, "Empty")
	require.NoError(t, err)
	assert.Equal(t, 0, repo.versionCount(doc.ID))

	// the first write becomes version 1
	v, err := svc.CreateVersion(context.Background(), doc.ID, "user-1", "first content", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)
}

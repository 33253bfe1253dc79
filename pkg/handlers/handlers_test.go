package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/easel-ai/easel-engine/pkg/apperrors"
	"github.com/easel-ai/easel-engine/pkg/auth"
	"github.com/easel-ai/easel-engine/pkg/models"
	"github.com/easel-ai/easel-engine/pkg/services"
	"github.com/easel-ai/easel-engine/pkg/streaming"
)

// testClaims builds claims for a user, optionally with roles.
func testClaims(userID string, roles ...string) *auth.Claims {
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
		Roles:            roles,
	}
}

// doRequest serves one request through the mux with claims preinstalled on
// the context, the way the auth middleware would.
func doRequest(t *testing.T, mux *http.ServeMux, method, path string, body any, claims *auth.Claims) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if claims != nil {
		req = req.WithContext(context.WithValue(req.Context(), auth.ClaimsKey, claims))
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

// decodeBody unmarshals a JSON response body.
func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// fakeAgentRepo is an in-memory repositories.AgentRepository.
type fakeAgentRepo struct {
	agents map[uuid.UUID]*models.Agent
	grants map[string]bool

	replacedVisibility models.Visibility
	replacedUserIDs    []string
	replacedGrantedBy  string
}

func newFakeAgentRepo(agents ...*models.Agent) *fakeAgentRepo {
	repo := &fakeAgentRepo{
		agents: make(map[uuid.UUID]*models.Agent),
		grants: make(map[string]bool),
	}
	for _, a := range agents {
		repo.agents[a.ID] = a
	}
	return repo
}

func (f *fakeAgentRepo) Create(ctx context.Context, agent *models.Agent) error {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	agent.Visibility = models.NormalizeVisibility(agent.Visibility)
	if !agent.Visibility.Valid() {
		return apperrors.NewValidationError("visibility", "unknown visibility")
	}
	f.agents[agent.ID] = agent
	return nil
}

func (f *fakeAgentRepo) Get(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	agent, ok := f.agents[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return agent, nil
}

func (f *fakeAgentRepo) HasPermission(ctx context.Context, agentID uuid.UUID, userID string) (bool, error) {
	return f.grants[userID], nil
}

func (f *fakeAgentRepo) ListPermissions(ctx context.Context, agentID uuid.UUID) ([]*models.AgentPermission, error) {
	var out []*models.AgentPermission
	for userID := range f.grants {
		out = append(out, &models.AgentPermission{
			AgentID:         agentID,
			UserID:          userID,
			GrantedBy:       "owner",
			PermissionLevel: models.PermissionLevelUse,
		})
	}
	return out, nil
}

func (f *fakeAgentRepo) ReplacePermissions(ctx context.Context, agentID uuid.UUID, visibility models.Visibility, userIDs []string, grantedBy string) error {
	f.replacedVisibility = visibility
	f.replacedUserIDs = userIDs
	f.replacedGrantedBy = grantedBy
	agent, ok := f.agents[agentID]
	if !ok {
		return apperrors.ErrNotFound
	}
	agent.Visibility = visibility
	f.grants = make(map[string]bool)
	for _, id := range userIDs {
		f.grants[id] = true
	}
	return nil
}

// fakeArtifactService scripts the service layer for handler tests.
type fakeArtifactService struct {
	doc      *models.Document
	versions []*models.DocumentVersion

	getErr           error
	deleteErr        error
	createVersionErr error

	createdVersion *models.DocumentVersion
	streamFrames   []models.Frame
}

var _ services.ArtifactService = (*fakeArtifactService)(nil)

func (f *fakeArtifactService) Create(ctx context.Context, ownerID string, kind models.DocumentKind, title string) (*models.Document, error) {
	return f.doc, nil
}

func (f *fakeArtifactService) Get(ctx context.Context, id uuid.UUID, ownerID string) (*models.Document, []*models.DocumentVersion, error) {
	if f.getErr != nil {
		return nil, nil, f.getErr
	}
	return f.doc, f.versions, nil
}

func (f *fakeArtifactService) Delete(ctx context.Context, id uuid.UUID, ownerID string) error {
	return f.deleteErr
}

func (f *fakeArtifactService) CreateVersion(ctx context.Context, id uuid.UUID, ownerID, content string, metadata map[string]string) (*models.DocumentVersion, error) {
	if f.createVersionErr != nil {
		return nil, f.createVersionErr
	}
	return f.createdVersion, nil
}

func (f *fakeArtifactService) ListVersions(ctx context.Context, id uuid.UUID, ownerID string, limit, offset int) ([]*models.DocumentVersion, int, error) {
	if f.getErr != nil {
		return nil, 0, f.getErr
	}
	return f.versions, len(f.versions), nil
}

func (f *fakeArtifactService) GetVersion(ctx context.Context, id uuid.UUID, ownerID string, version int) (*models.DocumentVersion, error) {
	for _, v := range f.versions {
		if v.Version == version {
			return v, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakeArtifactService) CreateStream(ctx context.Context, mux *streaming.Mux, ownerID string, agentID *uuid.UUID, req services.CreateArtifactRequest) {
	f.replay(mux)
}

func (f *fakeArtifactService) UpdateStream(ctx context.Context, mux *streaming.Mux, doc *models.Document, agentID *uuid.UUID, req services.UpdateArtifactRequest) {
	f.replay(mux)
}

func (f *fakeArtifactService) replay(mux *streaming.Mux) {
	if len(f.streamFrames) == 0 {
		return
	}
	ch, err := mux.Open(f.streamFrames[0].InvocationID, nil)
	if err != nil {
		return
	}
	for _, frame := range f.streamFrames {
		if frame.Terminal() {
			ch.Terminal(frame)
			return
		}
		ch.Progress(frame.Data.(models.ProgressData).Progress)
	}
}

// newArtifactMux wires an ArtifactHandler onto a mux, bypassing the auth
// middleware; claims ride in on the request context instead.
func newArtifactMux(h *ArtifactHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/artifacts", h.CreateArtifact)
	mux.HandleFunc("GET /api/artifacts/{aid}", h.GetArtifact)
	mux.HandleFunc("PUT /api/artifacts/{aid}", h.UpdateArtifact)
	mux.HandleFunc("DELETE /api/artifacts/{aid}", h.DeleteArtifact)
	mux.HandleFunc("GET /api/artifacts/{aid}/versions", h.ListVersions)
	mux.HandleFunc("POST /api/artifacts/{aid}/versions", h.CreateVersion)
	mux.HandleFunc("GET /api/artifacts/{aid}/versions/{ver}", h.GetVersion)
	return mux
}

func newAgentMux(h *AgentHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/agents", h.CreateAgent)
	mux.HandleFunc("GET /api/agents/{agid}", h.GetAgent)
	mux.HandleFunc("GET /api/agents/{agid}/permissions", h.GetPermissions)
	mux.HandleFunc("POST /api/agents/{agid}/permissions", h.ReplacePermissions)
	return mux
}

func testPermissions(repo *fakeAgentRepo) services.PermissionService {
	return services.NewPermissionService(repo, zap.NewNop())
}

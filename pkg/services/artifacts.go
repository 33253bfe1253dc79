package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/easel-ai/easel-engine/pkg/apperrors"
	"github.com/easel-ai/easel-engine/pkg/config"
	"github.com/easel-ai/easel-engine/pkg/logging"
	"github.com/easel-ai/easel-engine/pkg/models"
	"github.com/easel-ai/easel-engine/pkg/repositories"
	"github.com/easel-ai/easel-engine/pkg/retry"
	"github.com/easel-ai/easel-engine/pkg/streaming"
	"github.com/easel-ai/easel-engine/pkg/tools"
)

// ArtifactData is the wire shape of a document on terminal frames and JSON
// responses.
type ArtifactData struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	Version   int       `json:"version,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewArtifactData projects a document onto the wire shape. version is zero
// for responses that do not speak about a particular version.
func NewArtifactData(doc *models.Document, version int) ArtifactData {
	return ArtifactData{
		ID:        doc.ID.String(),
		Title:     doc.Title,
		Kind:      string(doc.Kind),
		Content:   doc.Content,
		Version:   version,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
}

// CreateArtifactRequest describes a streamed artifact creation: the kind
// selects the generator tool, Args feed it.
type CreateArtifactRequest struct {
	Title string
	Kind  models.DocumentKind
	Args  map[string]any
}

// UpdateArtifactRequest describes a streamed artifact update. Empty fields
// leave the corresponding document attribute untouched.
type UpdateArtifactRequest struct {
	Title       string
	Content     string
	Description string
}

// ArtifactService owns artifact lifecycle: plain CRUD plus the streamed
// tool-backed create and update paths.
type ArtifactService interface {
	// Create makes an empty artifact. Its first version appears when
	// content is first written.
	Create(ctx context.Context, ownerID string, kind models.DocumentKind, title string) (*models.Document, error)

	// Get returns an owned document together with its version listing.
	Get(ctx context.Context, id uuid.UUID, ownerID string) (*models.Document, []*models.DocumentVersion, error)

	// Delete removes an owned document and all its versions.
	Delete(ctx context.Context, id uuid.UUID, ownerID string) error

	// CreateVersion appends a version to an owned document, with a bounded
	// retry on transient write failures.
	CreateVersion(ctx context.Context, id uuid.UUID, ownerID, content string, metadata map[string]string) (*models.DocumentVersion, error)

	// ListVersions pages through an owned document's versions, newest first.
	ListVersions(ctx context.Context, id uuid.UUID, ownerID string, limit, offset int) ([]*models.DocumentVersion, int, error)

	// GetVersion fetches one version of an owned document by number.
	GetVersion(ctx context.Context, id uuid.UUID, ownerID string, version int) (*models.DocumentVersion, error)

	// CreateStream runs the generator tool for req and streams frames into
	// mux: progress frames, then one terminal frame. On success the
	// generated content is persisted as the new document's version 1 before
	// the terminal frame is emitted. Returns when the invocation is done.
	CreateStream(ctx context.Context, mux *streaming.Mux, ownerID string, agentID *uuid.UUID, req CreateArtifactRequest)

	// UpdateStream runs the update tool against doc and streams frames into
	// mux. On success the produced content is persisted as doc's next
	// version before the terminal frame is emitted.
	UpdateStream(ctx context.Context, mux *streaming.Mux, doc *models.Document, agentID *uuid.UUID, req UpdateArtifactRequest)
}

type artifactService struct {
	docRepo  repositories.DocumentRepository
	registry *Registry
	runner   *tools.Runner
	retryCfg *retry.Config
	logger   *zap.Logger
}

// NewArtifactService creates the artifact service.
func NewArtifactService(docRepo repositories.DocumentRepository, registry *Registry, runner *tools.Runner, cfg config.InvocationConfig, logger *zap.Logger) ArtifactService {
	retryCfg := retry.DefaultConfig()
	if cfg.MaxPersistRetries > 0 {
		retryCfg.MaxRetries = cfg.MaxPersistRetries
	}
	return &artifactService{
		docRepo:  docRepo,
		registry: registry,
		runner:   runner,
		retryCfg: retryCfg,
		logger:   logger.Named("artifact-service"),
	}
}

var _ ArtifactService = (*artifactService)(nil)

func (s *artifactService) Create(ctx context.Context, ownerID string, kind models.DocumentKind, title string) (*models.Document, error) {
	if !kind.Valid() {
		return nil, apperrors.NewValidationError("kind", fmt.Sprintf("unknown document kind %q", kind))
	}
	if title == "" {
		return nil, apperrors.NewValidationError("title", "title is required")
	}
	doc := &models.Document{
		OwnerID: ownerID,
		Kind:    kind,
		Title:   title,
	}
	if err := s.docRepo.Create(ctx, doc, nil); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *artifactService) Get(ctx context.Context, id uuid.UUID, ownerID string) (*models.Document, []*models.DocumentVersion, error) {
	doc, err := s.docRepo.Get(ctx, id, ownerID)
	if err != nil {
		return nil, nil, err
	}
	versions, _, err := s.docRepo.ListVersions(ctx, id, 0, 0)
	if err != nil {
		return nil, nil, err
	}
	return doc, versions, nil
}

func (s *artifactService) Delete(ctx context.Context, id uuid.UUID, ownerID string) error {
	return s.docRepo.Delete(ctx, id, ownerID)
}

// CreateVersion appends a version with a bounded retry. The version number
// is recomputed inside the repository transaction on every attempt, so a
// retried write never duplicates or skips a number. Exhausted retries
// surface as an execution error and leave the document untouched.
func (s *artifactService) CreateVersion(ctx context.Context, id uuid.UUID, ownerID, content string, metadata map[string]string) (*models.DocumentVersion, error) {
	if _, err := s.docRepo.Get(ctx, id, ownerID); err != nil {
		return nil, err
	}

	var version *models.DocumentVersion
	err := retry.DoIfRetryable(ctx, s.retryCfg, func() error {
		var err error
		version, err = s.docRepo.CreateVersion(ctx, id, content, metadata)
		return err
	})
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, err
		}
		return nil, apperrors.NewExecutionError("persist artifact version", err)
	}
	return version, nil
}

func (s *artifactService) ListVersions(ctx context.Context, id uuid.UUID, ownerID string, limit, offset int) ([]*models.DocumentVersion, int, error) {
	if _, err := s.docRepo.Get(ctx, id, ownerID); err != nil {
		return nil, 0, err
	}
	return s.docRepo.ListVersions(ctx, id, limit, offset)
}

func (s *artifactService) GetVersion(ctx context.Context, id uuid.UUID, ownerID string, version int) (*models.DocumentVersion, error) {
	if _, err := s.docRepo.Get(ctx, id, ownerID); err != nil {
		return nil, err
	}
	return s.docRepo.GetVersion(ctx, id, version)
}

// generatorFor maps a document kind to its builtin generator tool.
func generatorFor(kind models.DocumentKind) (string, error) {
	switch kind {
	case models.KindTable:
		return tools.ToolGenerateTable, nil
	case models.KindBarChart, models.KindLineChart, models.KindPieChart:
		return tools.ToolGenerateChart, nil
	default:
		return "", apperrors.NewValidationError("kind", fmt.Sprintf("unknown document kind %q", kind))
	}
}

func (s *artifactService) CreateStream(ctx context.Context, mux *streaming.Mux, ownerID string, agentID *uuid.UUID, req CreateArtifactRequest) {
	toolName, err := generatorFor(req.Kind)
	if err != nil {
		// kind is validated before streaming starts; reaching here means a
		// handler bug, surface it on the stream anyway
		s.emitPreflightError(mux, err)
		return
	}

	args := make(map[string]any, len(req.Args)+2)
	for k, v := range req.Args {
		args[k] = v
	}
	args["title"] = req.Title
	if req.Kind != models.KindTable {
		args["kind"] = string(req.Kind)
	}

	var doc *models.Document
	commit := func(out *tools.Outcome) error {
		if !out.Persist {
			return nil
		}
		doc = &models.Document{
			OwnerID: ownerID,
			Kind:    req.Kind,
			Title:   req.Title,
			Content: out.Content,
		}
		err := retry.DoIfRetryable(ctx, s.retryCfg, func() error {
			return s.docRepo.Create(ctx, doc, out.Metadata)
		})
		if err != nil {
			return apperrors.NewExecutionError("persist artifact", err)
		}
		return nil
	}

	s.stream(ctx, mux, ownerID, agentID, toolName, args, commit, func(inv *models.Invocation) models.Frame {
		if doc == nil {
			// the tool succeeded but flagged nothing for persistence, so
			// there is no artifact to speak about
			return models.NewTerminalFrame(models.FrameCreationComplete, inv.ID.String(), nil)
		}
		version := 0
		if doc.Content != "" {
			version = 1
		}
		return models.NewTerminalFrame(models.FrameCreationComplete, inv.ID.String(), NewArtifactData(doc, version))
	})
}

func (s *artifactService) UpdateStream(ctx context.Context, mux *streaming.Mux, doc *models.Document, agentID *uuid.UUID, req UpdateArtifactRequest) {
	content := doc.Content
	if req.Content != "" {
		content = req.Content
	}
	args := map[string]any{"content": content}
	if req.Title != "" {
		args["title"] = req.Title
	}
	if req.Description != "" {
		args["description"] = req.Description
	}

	var version *models.DocumentVersion
	commit := func(out *tools.Outcome) error {
		if req.Title != "" {
			if err := s.docRepo.UpdateTitle(ctx, doc.ID, doc.OwnerID, req.Title); err != nil {
				return apperrors.NewExecutionError("persist artifact title", err)
			}
			doc.Title = req.Title
		}
		if !out.Persist {
			return nil
		}
		err := retry.DoIfRetryable(ctx, s.retryCfg, func() error {
			var err error
			version, err = s.docRepo.CreateVersion(ctx, doc.ID, out.Content, out.Metadata)
			return err
		})
		if err != nil {
			return apperrors.NewExecutionError("persist artifact version", err)
		}
		doc.Content = version.Content
		doc.UpdatedAt = version.CreatedAt
		return nil
	}

	s.stream(ctx, mux, doc.OwnerID, agentID, tools.ToolUpdateDocument, args, commit, func(inv *models.Invocation) models.Frame {
		versionNum := 0
		if version != nil {
			versionNum = version.Version
		}
		return models.NewTerminalFrame(models.FrameUpdateComplete, inv.ID.String(), NewArtifactData(doc, versionNum))
	})
}

// stream drives one invocation against the mux channel: register, run,
// translate the outcome into the channel's single terminal frame. A
// cancelled outcome emits nothing; the consumer is gone and the invocation
// record already reads cancelled.
func (s *artifactService) stream(ctx context.Context, mux *streaming.Mux, requesterID string, agentID *uuid.UUID, toolName string, args map[string]any, commit func(*tools.Outcome) error, successFrame func(*models.Invocation) models.Frame) {
	inv := s.runner.NewInvocation(toolName, requesterID, agentID)

	invCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := mux.Open(inv.ID.String(), cancel)
	if err != nil {
		s.runner.Tracker().Transition(inv, models.StatusCancelled)
		return
	}

	release := s.registry.Track()
	defer release()

	tool, err := s.registry.Lookup(tools.BuiltinProviderName, toolName)
	if err != nil {
		s.runner.Tracker().Transition(inv, models.StatusFailed)
		ch.Terminal(models.NewErrorFrame(inv.ID.String(), "tool is not available", models.ErrorKindExecution))
		return
	}

	outcome := s.runner.Run(invCtx, inv, tool, args, ch.Progress, commit)

	switch outcome.Status {
	case models.StatusSucceeded:
		ch.Terminal(successFrame(inv))
	case models.StatusCancelled:
		s.logger.Debug("Invocation cancelled by consumer",
			zap.String("invocation_id", inv.ID.String()),
			zap.String("tool", toolName))
	case models.StatusTimedOut:
		ch.Terminal(models.NewErrorFrame(inv.ID.String(),
			"tool invocation exceeded its deadline", models.ErrorKindTimeout))
	default:
		kind := outcome.ErrorKind
		if kind == "" {
			kind = models.ErrorKindExecution
		}
		ch.Terminal(models.NewErrorFrame(inv.ID.String(),
			logging.SanitizeError(outcome.Err), kind))
	}

	if outcome.Err != nil && outcome.Status != models.StatusCancelled {
		s.logger.Warn("Invocation failed",
			zap.String("invocation_id", inv.ID.String()),
			zap.String("tool", toolName),
			zap.String("status", string(outcome.Status)),
			zap.String("error", logging.SanitizeError(outcome.Err)))
	}
}

// emitPreflightError surfaces a failure that occurred before an invocation
// could be registered, as a channel-less error frame.
func (s *artifactService) emitPreflightError(mux *streaming.Mux, err error) {
	id := uuid.New().String()
	ch, openErr := mux.Open(id, nil)
	if openErr != nil {
		return
	}
	kind := models.ErrorKindExecution
	if apperrors.IsValidation(err) {
		kind = models.ErrorKindValidation
	}
	ch.Terminal(models.NewErrorFrame(id, logging.SanitizeError(err), kind))
}

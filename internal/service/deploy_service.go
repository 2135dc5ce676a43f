package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bcnelson/portainer-stack-deployer/internal/domain"
	"github.com/bcnelson/portainer-stack-deployer/internal/portainer"
	"github.com/bcnelson/portainer-stack-deployer/internal/storage"
	"github.com/bcnelson/portainer-stack-deployer/internal/validation"
)

// DeployService reconciles a desired stack against the control plane.
// Each call performs at most one lookup followed by at most one mutating
// call; nothing is retried once a mutation has been sent.
type DeployService struct {
	plane  portainer.ControlPlane
	store  storage.Storage
	logger *zap.Logger
	now    func() time.Time
}

// NewDeployService creates a new DeployService. History is written to store.
func NewDeployService(plane portainer.ControlPlane, store storage.Storage, logger *zap.Logger) *DeployService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeployService{
		plane:  plane,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Reconcile converges the control plane to desired:
//
//	absent,  deploy -> create  -> Created
//	absent,  remove -> nothing -> NoOpAbsent
//	present, deploy -> update  -> Updated
//	present, remove -> delete  -> Removed
func (s *DeployService) Reconcile(ctx context.Context, desired domain.DesiredStack, remove bool) (domain.Outcome, error) {
	if err := validation.ValidateDesiredStack(desired, remove); err != nil {
		return domain.Outcome{}, err
	}
	return s.reconcile(ctx, desired, remove, false)
}

// Redeploy removes the stack and deploys it again as two separate
// reconciliations. Deletion is not awaited: if the control plane still holds
// the old stack or its name when the create is sent, the result is a
// conflict and nothing is created. A stack that was not deployed is simply
// created and reported as Created.
func (s *DeployService) Redeploy(ctx context.Context, desired domain.DesiredStack) (domain.Outcome, error) {
	if err := validation.ValidateDesiredStack(desired, false); err != nil {
		return domain.Outcome{}, err
	}

	removed, err := s.reconcile(ctx, desired, true, false)
	if err != nil {
		return domain.Outcome{}, err
	}

	created, err := s.reconcile(ctx, desired, false, true)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("deploying after %s: %w", removed.Kind, err)
	}
	if removed.Kind == domain.OutcomeNoOpAbsent {
		return created, nil
	}
	return domain.RemovedThenReady(desired.Name, created.StackID), nil
}

// History returns the most recent recorded deployments of a stack.
func (s *DeployService) History(ctx context.Context, stackName string, limit int) ([]*domain.Deployment, error) {
	return s.store.ListDeployments(ctx, stackName, limit)
}

// reconcile runs one pass. With mustBeAbsent set, finding the stack is a
// conflict instead of an update.
func (s *DeployService) reconcile(ctx context.Context, desired domain.DesiredStack, remove, mustBeAbsent bool) (domain.Outcome, error) {
	log := s.logger.With(zap.String("stack", desired.Name))

	endpoint, err := s.plane.ResolveEndpoint(ctx)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("resolving endpoint: %w", err)
	}
	log = log.With(zap.Int("endpointId", endpoint.ID))

	existing, err := s.plane.FindStack(ctx, endpoint, desired.Name)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("looking up stack %q: %w", desired.Name, err)
	}

	switch {
	case existing == nil && remove:
		log.Info("Stack is not deployed, nothing to remove")
		return domain.NoOpAbsent(desired.Name), nil

	case existing == nil:
		return s.create(ctx, log, endpoint, desired)

	case remove:
		return s.remove(ctx, log, endpoint, *existing)

	case mustBeAbsent:
		return domain.Outcome{}, fmt.Errorf("%w: stack %q (id %d) is still present after removal",
			domain.ErrConflict, desired.Name, existing.ID)

	default:
		return s.update(ctx, log, endpoint, *existing, desired)
	}
}

func (s *DeployService) create(ctx context.Context, log *zap.Logger, endpoint domain.Endpoint, desired domain.DesiredStack) (domain.Outcome, error) {
	log.Info("Creating stack")
	record := s.begin(ctx, log, domain.ActionCreate, endpoint, desired.Name, 0, desired.ComposeContent)

	ref, err := s.plane.CreateStack(ctx, endpoint, desired)
	s.finish(ctx, log, record, ref.ID, err)
	if err != nil {
		return domain.Outcome{}, err
	}

	log.Info("Stack was successfully created", zap.Int("stackId", ref.ID))
	return domain.Created(desired.Name, ref.ID), nil
}

func (s *DeployService) update(ctx context.Context, log *zap.Logger, endpoint domain.Endpoint, ref domain.RemoteStackRef, desired domain.DesiredStack) (domain.Outcome, error) {
	log = log.With(zap.Int("stackId", ref.ID))
	log.Info("Updating stack")
	record := s.begin(ctx, log, domain.ActionUpdate, endpoint, desired.Name, ref.ID, desired.ComposeContent)

	err := s.plane.UpdateStack(ctx, endpoint, ref, desired)
	s.finish(ctx, log, record, ref.ID, err)
	if err != nil {
		return domain.Outcome{}, err
	}

	log.Info("Stack was successfully updated")
	return domain.Updated(desired.Name, ref.ID), nil
}

func (s *DeployService) remove(ctx context.Context, log *zap.Logger, endpoint domain.Endpoint, ref domain.RemoteStackRef) (domain.Outcome, error) {
	log = log.With(zap.Int("stackId", ref.ID))
	log.Info("Removing stack")
	record := s.begin(ctx, log, domain.ActionDelete, endpoint, ref.Name, ref.ID, "")

	err := s.plane.DeleteStack(ctx, endpoint, ref)
	s.finish(ctx, log, record, ref.ID, err)
	if err != nil {
		return domain.Outcome{}, err
	}

	log.Info("Stack was successfully removed")
	return domain.Removed(ref.Name, ref.ID), nil
}

// begin records a pending deployment. History failures are logged and never
// affect the reconciliation.
func (s *DeployService) begin(ctx context.Context, log *zap.Logger, action string, endpoint domain.Endpoint, name string, stackID int, content string) *domain.Deployment {
	record := &domain.Deployment{
		ID:            uuid.New().String(),
		StackName:     name,
		EndpointID:    endpoint.ID,
		Action:        action,
		RemoteStackID: stackID,
		ContentSHA256: contentDigest(content),
		Status:        domain.StatusPending,
		CreatedAt:     s.now(),
	}
	if err := s.store.CreateDeployment(ctx, record); err != nil {
		log.Warn("Failed to record deployment", zap.Error(err))
		return nil
	}
	return record
}

func (s *DeployService) finish(ctx context.Context, log *zap.Logger, record *domain.Deployment, stackID int, callErr error) {
	if record == nil {
		return
	}
	finished := s.now()
	record.FinishedAt = &finished
	if stackID != 0 {
		record.RemoteStackID = stackID
	}
	if callErr != nil {
		record.Status = domain.StatusFailed
		record.Error = callErr.Error()
	} else {
		record.Status = domain.StatusSuccess
	}
	if err := s.store.UpdateDeployment(ctx, record); err != nil {
		log.Warn("Failed to update deployment record", zap.Error(err))
	}
}

func contentDigest(content string) string {
	if content == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

package portainer

import (
	"context"
	"errors"
	"testing"

	"github.com/bcnelson/portainer-stack-deployer/internal/domain"
	"github.com/bcnelson/portainer-stack-deployer/internal/portainer/portainertest"
)

var primary = domain.Endpoint{ID: 1, Name: "primary", SwarmID: "swarm-primary"}

func TestStackLifecycle(t *testing.T) {
	srv := portainertest.NewServer(t)
	client := newTestClient(t, srv, domain.EndpointSelector{ID: 1})
	ctx := context.Background()

	desired := domain.DesiredStack{
		Name:           "example-stack",
		ComposeContent: "version: '3'\nservices:\n  web:\n    image: nginx",
		Env:            []domain.EnvVar{{Name: "TAG", Value: "1"}},
	}

	ref, err := client.CreateStack(ctx, primary, desired)
	if err != nil {
		t.Fatalf("CreateStack failed: %v", err)
	}
	if ref.Name != "example-stack" || ref.EndpointID != 1 || ref.ID == 0 {
		t.Errorf("Unexpected ref %+v", ref)
	}
	stored, ok := srv.Stack(ref.ID)
	if !ok || stored.Content != desired.ComposeContent {
		t.Fatalf("Expected stack content to be stored, got %+v", stored)
	}
	if stored.SwarmID != "swarm-primary" || len(stored.Env) != 1 {
		t.Errorf("Expected swarm id and env to be sent, got %+v", stored)
	}

	desired.ComposeContent = "version: '3'\nservices:\n  web:\n    image: nginx:alpine"
	if err := client.UpdateStack(ctx, primary, ref, desired); err != nil {
		t.Fatalf("UpdateStack failed: %v", err)
	}
	stored, _ = srv.Stack(ref.ID)
	if stored.Content != desired.ComposeContent {
		t.Errorf("Expected content to be replaced, got %q", stored.Content)
	}
	if !stored.Prune {
		t.Error("Expected prune to be sent")
	}

	if err := client.DeleteStack(ctx, primary, ref); err != nil {
		t.Fatalf("DeleteStack failed: %v", err)
	}
	if _, ok := srv.Stack(ref.ID); ok {
		t.Error("Expected stack to be deleted")
	}

	found, err := client.FindStack(ctx, primary, "example-stack")
	if err != nil || found != nil {
		t.Errorf("Expected stack to be gone, got %+v, %v", found, err)
	}
}

func TestCreateStackConflict(t *testing.T) {
	srv := portainertest.NewServer(t)
	srv.AddStack("web", 1, "services: {}")
	client := newTestClient(t, srv, domain.EndpointSelector{ID: 1})

	_, err := client.CreateStack(context.Background(), primary, domain.DesiredStack{Name: "web", ComposeContent: "services: {}"})
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Expected ErrConflict, got %v", err)
	}
}

func TestCreateStackRequiresSwarm(t *testing.T) {
	srv := portainertest.NewServer(t)
	client := newTestClient(t, srv, domain.EndpointSelector{ID: 1})

	_, err := client.CreateStack(context.Background(), domain.Endpoint{ID: 1}, domain.DesiredStack{Name: "web", ComposeContent: "x"})
	if !errors.Is(err, domain.ErrEndpointResolution) {
		t.Errorf("Expected ErrEndpointResolution, got %v", err)
	}
	if srv.MutatingCalls() != 0 {
		t.Error("Expected no request to be sent")
	}
}

func TestUpdateAndDeleteMissingStack(t *testing.T) {
	srv := portainertest.NewServer(t)
	client := newTestClient(t, srv, domain.EndpointSelector{ID: 1})
	ctx := context.Background()
	ghost := domain.RemoteStackRef{ID: 42, Name: "ghost", EndpointID: 1}

	err := client.UpdateStack(ctx, primary, ghost, domain.DesiredStack{Name: "ghost", ComposeContent: "x"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on update, got %v", err)
	}
	err = client.DeleteStack(ctx, primary, ghost)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on delete, got %v", err)
	}
}

func TestUpdateRejectedContent(t *testing.T) {
	srv := portainertest.NewServer(t)
	id := srv.AddStack("web", 1, "services: {}")
	client := newTestClient(t, srv, domain.EndpointSelector{ID: 1})

	ref := domain.RemoteStackRef{ID: id, Name: "web", EndpointID: 1}
	err := client.UpdateStack(context.Background(), primary, ref, domain.DesiredStack{Name: "web"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", err)
	}
}

package swarm

import (
	"context"
	"testing"

	"github.com/hive/server/internal/apierr"
	"github.com/hive/server/internal/store"
)

func TestCreateProjectValidation(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t)

	tests := []struct {
		name string
		p    store.Project
	}{
		{"missing title", store.Project{Color: "#aabbcc", ProjectLeadUserID: "chris", DeveloperLeadUserID: "clio"}},
		{"bad color", store.Project{Title: "Hive", Color: "aabbcc", ProjectLeadUserID: "chris", DeveloperLeadUserID: "clio"}},
		{"short color", store.Project{Title: "Hive", Color: "#abc", ProjectLeadUserID: "chris", DeveloperLeadUserID: "clio"}},
		{"missing leads", store.Project{Title: "Hive", Color: "#aabbcc"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := e.CreateProject(context.Background(), tt.p)
			if !apierr.Is(err, apierr.BadRequest) {
				t.Fatalf("expected BadRequest, got %v", err)
			}
		})
	}
}

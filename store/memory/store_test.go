package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/github-joyngroup/dokrouter/engine"
)

func TestArchiveIsAppendOnly(t *testing.T) {
	st := New()
	ctx := context.Background()
	id := uuid.New()

	first := engine.ActivityConfiguration{Identifier: id, Name: "first"}
	if err := st.SaveActivityConfiguration(ctx, "hash-1", first); err != nil {
		t.Fatalf("saving: %v", err)
	}
	// Re-saving the same hash must not replace the archived version.
	if err := st.SaveActivityConfiguration(ctx, "hash-1", engine.ActivityConfiguration{Identifier: id, Name: "second"}); err != nil {
		t.Fatalf("re-saving: %v", err)
	}

	got, err := st.GetActivityConfiguration(ctx, id, "hash-1")
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if got.Name != "first" {
		t.Errorf("archived name = %q, want %q", got.Name, "first")
	}
}

func TestArchiveLookupChecksIdentifier(t *testing.T) {
	st := New()
	ctx := context.Background()
	id := uuid.New()

	cfg := engine.PipelineConfiguration{Identifier: id, Name: "p"}
	if err := st.SavePipelineConfiguration(ctx, "hash-1", cfg); err != nil {
		t.Fatalf("saving: %v", err)
	}

	if _, err := st.GetPipelineConfiguration(ctx, uuid.New(), "hash-1"); !errors.Is(err, engine.ErrConfigurationNotFound) {
		t.Errorf("wrong identifier lookup error = %v, want ErrConfigurationNotFound", err)
	}
	if _, err := st.GetPipelineConfiguration(ctx, id, "no-such-hash"); !errors.Is(err, engine.ErrConfigurationNotFound) {
		t.Errorf("unknown hash lookup error = %v, want ErrConfigurationNotFound", err)
	}
}

func TestRunningLifecycle(t *testing.T) {
	st := New()
	ctx := context.Background()

	inst := &engine.PipelineInstance{
		Key: engine.PipelineInstanceKey{
			Hash:       "h",
			PipelineID: uuid.New(),
			InstanceID: uuid.New(),
		},
		StartedAt: time.Now(),
	}
	if err := st.SaveRunning(ctx, inst); err != nil {
		t.Fatalf("saving: %v", err)
	}
	if got, err := st.GetRunning(ctx, inst.Key); err != nil || got != inst {
		t.Fatalf("get running = %v, %v", got, err)
	}

	if err := st.SaveTerminal(ctx, inst); err != nil {
		t.Fatalf("saving terminal: %v", err)
	}
	if err := st.DeleteRunning(ctx, inst.Key); err != nil {
		t.Fatalf("deleting: %v", err)
	}
	if _, err := st.GetRunning(ctx, inst.Key); !errors.Is(err, engine.ErrInstanceNotFound) {
		t.Errorf("get after delete error = %v, want ErrInstanceNotFound", err)
	}
	if got, err := st.GetTerminal(ctx, inst.Key); err != nil || got != inst {
		t.Fatalf("get terminal = %v, %v", got, err)
	}
}

func TestListRunningPagesInStableOrder(t *testing.T) {
	st := New()
	ctx := context.Background()
	base := time.Now()

	var keys []engine.PipelineInstanceKey
	for i := 0; i < 5; i++ {
		inst := &engine.PipelineInstance{
			Key: engine.PipelineInstanceKey{
				Hash:       "h",
				PipelineID: uuid.New(),
				InstanceID: uuid.New(),
			},
			Name:      fmt.Sprintf("inst-%d", i),
			StartedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := st.SaveRunning(ctx, inst); err != nil {
			t.Fatalf("saving: %v", err)
		}
		keys = append(keys, inst.Key)
	}

	page, err := st.ListRunning(ctx, 0, 2)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(page) != 2 || page[0].Key != keys[0] || page[1].Key != keys[1] {
		t.Errorf("first page out of order: %v", page)
	}

	page, err = st.ListRunning(ctx, 4, 2)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(page) != 1 || page[0].Key != keys[4] {
		t.Errorf("last page wrong: %v", page)
	}

	page, err = st.ListRunning(ctx, 10, 2)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(page) != 0 {
		t.Errorf("page past the end = %v, want empty", page)
	}

	page, err = st.ListRunning(ctx, 0, 0)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(page) != 5 {
		t.Errorf("unlimited page length = %d, want 5", len(page))
	}
}

func TestListRunningTieBreaksOnInstanceID(t *testing.T) {
	st := New()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		st.SaveRunning(ctx, &engine.PipelineInstance{
			Key: engine.PipelineInstanceKey{
				Hash:       "h",
				PipelineID: uuid.New(),
				InstanceID: uuid.New(),
			},
			StartedAt: now,
		})
	}

	first, err := st.ListRunning(ctx, 0, 3)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	second, err := st.ListRunning(ctx, 0, 3)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	for i := range first {
		if first[i].Key != second[i].Key {
			t.Fatal("equal start times not ordered deterministically")
		}
	}
}

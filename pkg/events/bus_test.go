package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/foundry/pkg/models"
)

func TestSubscribePublish(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("p1", 8)
	defer cancel()

	bus.PublishProjectStatus("p1", models.ProjectStatusBuilding, 25)

	env := <-ch
	assert.Equal(t, EventTypeProjectStatus, env.Type)
	assert.Equal(t, "p1", env.ProjectID)
	require.NotNil(t, env.ProjectStatus)
	assert.Equal(t, models.ProjectStatusBuilding, env.ProjectStatus.Status)
	assert.Equal(t, 25, env.ProjectStatus.Progress)
	assert.NotEmpty(t, env.Timestamp)
}

func TestSubscribe_FiltersByProject(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("p1", 8)
	defer cancel()

	bus.PublishStageStatus("p2", "orchestrator", 1, models.StageStatusRunning)
	bus.PublishStageStatus("p1", "orchestrator", 1, models.StageStatusRunning)

	env := <-ch
	assert.Equal(t, "p1", env.ProjectID)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event: %+v", extra)
	default:
	}
}

func TestSubscribe_EmptyProjectReceivesAll(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("", 8)
	defer cancel()

	bus.PublishProjectStatus("p1", models.ProjectStatusQueued, 0)
	bus.PublishProjectStatus("p2", models.ProjectStatusQueued, 0)

	first := <-ch
	second := <-ch
	assert.ElementsMatch(t, []string{"p1", "p2"}, []string{first.ProjectID, second.ProjectID})
}

func TestPublish_DropsWhenBufferFull(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("p1", 1)
	defer cancel()

	// Second publish must not block even though nobody is reading.
	bus.PublishProjectStatus("p1", models.ProjectStatusBuilding, 10)
	bus.PublishProjectStatus("p1", models.ProjectStatusBuilding, 20)

	env := <-ch
	require.NotNil(t, env.ProjectStatus)
	assert.Equal(t, 10, env.ProjectStatus.Progress)
	select {
	case <-ch:
		t.Fatal("dropped event was delivered")
	default:
	}
}

func TestCancel_ClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("p1", 4)
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// Cancel twice is safe, and publishing after cancel is a no-op.
	cancel()
	bus.PublishProjectStatus("p1", models.ProjectStatusBuilding, 50)
}

func TestPublishStageEvent(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("p1", 4)
	defer cancel()

	bus.PublishStageEvent("p1", StageEventPayload{
		StageName: "tool_developer",
		Kind:      StageEventToolUse,
		ToolName:  "http_request",
	})

	env := <-ch
	assert.Equal(t, EventTypeStageEvent, env.Type)
	require.NotNil(t, env.StageEvent)
	assert.Equal(t, StageEventToolUse, env.StageEvent.Kind)
	assert.Equal(t, "http_request", env.StageEvent.ToolName)
}

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/foundry/pkg/models"
)

func TestDefaultCatalog(t *testing.T) {
	r := Default()
	stages := r.Stages()
	require.Len(t, stages, 9)

	manager, err := r.Lookup(StageAgentDeveloperManager)
	require.NoError(t, err)
	assert.ElementsMatch(t, manager.SubStages,
		[]string{StageToolDeveloper, StagePromptEngineer, StageAgentCodeDeveloper})

	deployer, err := r.Lookup(StageAgentDeployer)
	require.NoError(t, err)
	assert.True(t, deployer.Optional)

	assert.True(t, r.IsSubStage(StageToolDeveloper))
	assert.False(t, r.IsSubStage(StageAgentDeveloperManager))
	assert.False(t, r.Has("nonexistent"))
}

func TestInitialSnapshot_DeploymentDisabled(t *testing.T) {
	r := Default()
	stages := r.InitialSnapshot(false)
	require.Len(t, stages, 9)

	for _, s := range stages {
		if s.StageName == StageAgentDeployer {
			assert.Equal(t, models.StageStatusSkipped, s.Status)
		} else {
			assert.Equal(t, models.StageStatusPending, s.Status)
		}
	}
}

func TestInitialSnapshot_DeploymentEnabled(t *testing.T) {
	r := Default()
	for _, s := range r.InitialSnapshot(true) {
		assert.Equal(t, models.StageStatusPending, s.Status)
	}
}

func markDone(stages []models.StageSnapshot, names ...string) {
	for _, name := range names {
		for i := range stages {
			if stages[i].StageName == name {
				stages[i].Status = models.StageStatusCompleted
			}
		}
	}
}

func TestNext_SequentialStages(t *testing.T) {
	r := Default()
	stages := r.InitialSnapshot(false)

	assert.Equal(t, []string{StageOrchestrator}, r.Next(stages))

	markDone(stages, StageOrchestrator)
	assert.Equal(t, []string{StageRequirementsAnalyzer}, r.Next(stages))

	markDone(stages, StageRequirementsAnalyzer, StageSystemArchitect)
	assert.Equal(t, []string{StageAgentDesigner}, r.Next(stages))
}

func TestNext_FanOutGroup(t *testing.T) {
	r := Default()
	stages := r.InitialSnapshot(false)
	markDone(stages, StageOrchestrator, StageRequirementsAnalyzer, StageSystemArchitect, StageAgentDesigner)

	next := r.Next(stages)
	assert.ElementsMatch(t, next,
		[]string{StageToolDeveloper, StagePromptEngineer, StageAgentCodeDeveloper})

	// Partial completion of the group fans out only the remainder.
	markDone(stages, StageToolDeveloper)
	next = r.Next(stages)
	assert.ElementsMatch(t, next, []string{StagePromptEngineer, StageAgentCodeDeveloper})

	// After the whole group, the synchronization stage runs alone.
	markDone(stages, StagePromptEngineer, StageAgentCodeDeveloper)
	assert.Equal(t, []string{StageAgentDeveloperManager}, r.Next(stages))
}

func TestNext_CompletePipeline(t *testing.T) {
	r := Default()
	stages := r.InitialSnapshot(false)
	markDone(stages,
		StageOrchestrator, StageRequirementsAnalyzer, StageSystemArchitect, StageAgentDesigner,
		StageToolDeveloper, StagePromptEngineer, StageAgentCodeDeveloper, StageAgentDeveloperManager)

	// Deployer is skipped by config, so nothing remains.
	assert.Nil(t, r.Next(stages))
}

func TestResetFrom_ClearSubsequent(t *testing.T) {
	r := Default()
	stages := r.InitialSnapshot(false)
	markDone(stages,
		StageOrchestrator, StageRequirementsAnalyzer, StageSystemArchitect, StageAgentDesigner,
		StageToolDeveloper, StagePromptEngineer, StageAgentCodeDeveloper, StageAgentDeveloperManager)

	reset, err := r.ResetFrom(stages, StageSystemArchitect, true)
	require.NoError(t, err)
	assert.Contains(t, reset, StageSystemArchitect)
	assert.Contains(t, reset, StageAgentDesigner)
	assert.Contains(t, reset, StageToolDeveloper)
	assert.Contains(t, reset, StageAgentDeveloperManager)
	assert.NotContains(t, reset, StageOrchestrator)
	assert.NotContains(t, reset, StageRequirementsAnalyzer)

	// The config-skipped deployer stays skipped.
	for _, s := range stages {
		switch s.StageName {
		case StageOrchestrator, StageRequirementsAnalyzer:
			assert.Equal(t, models.StageStatusCompleted, s.Status)
		case StageAgentDeployer:
			assert.Equal(t, models.StageStatusSkipped, s.Status)
		default:
			assert.Equal(t, models.StageStatusPending, s.Status, s.StageName)
		}
	}
}

func TestResetFrom_SubStageAlsoResetsSync(t *testing.T) {
	r := Default()
	stages := r.InitialSnapshot(false)
	markDone(stages,
		StageOrchestrator, StageRequirementsAnalyzer, StageSystemArchitect, StageAgentDesigner,
		StageToolDeveloper, StagePromptEngineer, StageAgentCodeDeveloper, StageAgentDeveloperManager)

	reset, err := r.ResetFrom(stages, StagePromptEngineer, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, reset, []string{StagePromptEngineer, StageAgentDeveloperManager})
}

func TestResetFrom_ClearsStageFields(t *testing.T) {
	r := Default()
	stages := r.InitialSnapshot(false)
	stages[0].Status = models.StageStatusCompleted
	stages[0].OutputData = map[string]any{"project_name": "x"}
	stages[0].InputTokens = 42
	stages[0].ErrorMessage = "old"

	_, err := r.ResetFrom(stages, StageOrchestrator, false)
	require.NoError(t, err)
	assert.Equal(t, models.StageStatusPending, stages[0].Status)
	assert.Nil(t, stages[0].OutputData)
	assert.Zero(t, stages[0].InputTokens)
	assert.Empty(t, stages[0].ErrorMessage)
}

func TestResetFrom_UnknownStage(t *testing.T) {
	r := Default()
	stages := r.InitialSnapshot(false)
	_, err := r.ResetFrom(stages, "bogus", true)
	assert.Error(t, err)
}

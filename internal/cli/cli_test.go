package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "emp-job-queue", cmd.Use)

	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	assert.True(t, commandNames["serve"])
	assert.True(t, commandNames["worker"])
	assert.True(t, commandNames["submit"])
	assert.True(t, commandNames["stats"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	assert.NotNil(t, configFlag, "should have --config flag")
}

func TestBuildServeCommand(t *testing.T) {
	cmd := buildServeCommand()
	assert.Equal(t, "serve", cmd.Use)
	assert.NotNil(t, cmd.RunE)
}

func TestBuildWorkerCommand(t *testing.T) {
	cmd := buildWorkerCommand()
	assert.Equal(t, "worker", cmd.Use)
	assert.NotNil(t, cmd.Flags().Lookup("services"))
}

func TestBuildSubmitCommand(t *testing.T) {
	cmd := buildSubmitCommand()
	assert.Equal(t, "submit", cmd.Use)
	assert.NotNil(t, cmd.Flags().Lookup("service"))
	assert.NotNil(t, cmd.Flags().Lookup("priority"))
	assert.NotNil(t, cmd.Flags().Lookup("payload"))
}

func TestBuildStatsCommand(t *testing.T) {
	cmd := buildStatsCommand()
	assert.Equal(t, "stats", cmd.Use)
	assert.NotNil(t, cmd.RunE)
}

func TestRunSubmitRejectsMissingService(t *testing.T) {
	err := runSubmit("", 50, "{}")
	assert.Error(t, err)
}

func TestRunSubmitRejectsInvalidPayload(t *testing.T) {
	err := runSubmit("comfyui", 50, "{not json")
	assert.Error(t, err)
}

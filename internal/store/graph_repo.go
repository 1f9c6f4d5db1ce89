// Package store provides the GraphRepo interface for the scenario graph.
package store

import (
	"github.com/stepline/StepLine/internal/models"
)

// GraphRepo defines persistence for the authored scenario graph: scenarios,
// their ordered steps, step messages, and transition edges. Definitions are
// immutable once written except through these authoring calls; the dispatcher
// only reads them.
type GraphRepo interface {
	// CreateScenario inserts a new scenario and returns its ID.
	CreateScenario(s models.Scenario) (string, error)

	// GetScenario retrieves a scenario by ID. Returns nil when not found.
	GetScenario(id string) (*models.Scenario, error)

	// ListScenarios retrieves all scenarios for an owner, ordered by
	// display_order then creation time.
	ListScenarios(ownerID string) ([]models.Scenario, error)

	// SetScenarioActive soft-enables or soft-disables a scenario. Scenarios are
	// never hard-deleted while tracking rows reference them.
	SetScenarioActive(id string, active bool) error

	// CreateStep inserts a step and its messages. The (scenario_id, step_order)
	// pair is unique; a duplicate order is rejected.
	CreateStep(step models.Step, messages []models.StepMessage) (string, error)

	// GetStep retrieves a step by ID. Returns nil when not found.
	GetStep(id string) (*models.Step, error)

	// ListSteps retrieves a scenario's steps ordered by step_order.
	ListSteps(scenarioID string) ([]models.Step, error)

	// FirstStep returns the step with the lowest step_order in a scenario, or
	// nil when the scenario has no steps.
	FirstStep(scenarioID string) (*models.Step, error)

	// NextStep returns the step following afterOrder in a scenario, or nil when
	// afterOrder belongs to the last step.
	NextStep(scenarioID string, afterOrder int) (*models.Step, error)

	// ListStepMessages retrieves a step's messages ordered by message_order.
	ListStepMessages(stepID string) ([]models.StepMessage, error)

	// CreateTransition inserts a directed transition edge and returns its ID.
	CreateTransition(t models.ScenarioTransition) (string, error)

	// ListTransitions retrieves all outgoing edges of a scenario.
	ListTransitions(fromScenarioID string) ([]models.ScenarioTransition, error)
}

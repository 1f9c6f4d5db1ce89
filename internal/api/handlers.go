package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/stepline/StepLine/internal/models"
	"github.com/stepline/StepLine/internal/util"
)

// InviteCodeLength is the length of generated invite codes.
const InviteCodeLength = 8

func (s *Server) createScenarioHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req models.CreateScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createScenarioHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.createScenarioHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	id, err := s.store.CreateScenario(models.Scenario{
		OwnerID:         req.OwnerID,
		Name:            req.Name,
		PreventAutoExit: req.PreventAutoExit,
		DisplayOrder:    req.DisplayOrder,
	})
	if err != nil {
		slog.Error("Server.createScenarioHandler: create failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create scenario"))
		return
	}
	slog.Info("Server.createScenarioHandler: scenario created", "id", id, "name", req.Name)
	writeJSONResponse(w, http.StatusCreated, models.Success(map[string]string{"id": id}))
}

func (s *Server) listScenariosHandler(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required query parameter: owner_id"))
		return
	}
	scenarios, err := s.store.ListScenarios(ownerID)
	if err != nil {
		slog.Error("Server.listScenariosHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list scenarios"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(scenarios))
}

func (s *Server) getScenarioHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	scenario, err := s.store.GetScenario(id)
	if err != nil {
		slog.Error("Server.getScenarioHandler: get failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch scenario"))
		return
	}
	if scenario == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Scenario not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(scenario))
}

func (s *Server) createStepHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	scenarioID := mux.Vars(r)["id"]

	scenario, err := s.store.GetScenario(scenarioID)
	if err != nil {
		slog.Error("Server.createStepHandler: scenario lookup failed", "error", err, "scenarioID", scenarioID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch scenario"))
		return
	}
	if scenario == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Scenario not found"))
		return
	}

	var req models.CreateStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createStepHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	// Timing is validated here so configuration errors never reach the
	// tracking ledger.
	if err := req.Validate(); err != nil {
		slog.Warn("Server.createStepHandler: validation failed", "error", err, "scenarioID", scenarioID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	id, err := s.store.CreateStep(models.Step{
		ScenarioID: scenarioID,
		StepOrder:  req.StepOrder,
		Timing:     req.Timing(),
	}, req.Messages)
	if err != nil {
		slog.Error("Server.createStepHandler: create failed", "error", err, "scenarioID", scenarioID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create step"))
		return
	}
	slog.Info("Server.createStepHandler: step created", "id", id, "scenarioID", scenarioID, "order", req.StepOrder)
	writeJSONResponse(w, http.StatusCreated, models.Success(map[string]string{"id": id}))
}

func (s *Server) listStepsHandler(w http.ResponseWriter, r *http.Request) {
	scenarioID := mux.Vars(r)["id"]
	steps, err := s.store.ListSteps(scenarioID)
	if err != nil {
		slog.Error("Server.listStepsHandler: list failed", "error", err, "scenarioID", scenarioID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list steps"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(steps))
}

func (s *Server) createTransitionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	fromID := mux.Vars(r)["id"]

	var req models.CreateTransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createTransitionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.createTransitionHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if req.ToScenarioID == fromID {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrTransitionSelfLoop.Error()))
		return
	}

	for _, id := range []string{fromID, req.ToScenarioID} {
		scenario, err := s.store.GetScenario(id)
		if err != nil {
			slog.Error("Server.createTransitionHandler: scenario lookup failed", "error", err, "id", id)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch scenario"))
			return
		}
		if scenario == nil {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Scenario not found: "+id))
			return
		}
	}

	id, err := s.store.CreateTransition(models.ScenarioTransition{
		FromScenarioID: fromID,
		ToScenarioID:   req.ToScenarioID,
		Condition:      req.Condition,
	})
	if err != nil {
		slog.Error("Server.createTransitionHandler: create failed", "error", err, "from", fromID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create transition"))
		return
	}
	slog.Info("Server.createTransitionHandler: transition created", "id", id, "from", fromID, "to", req.ToScenarioID)
	writeJSONResponse(w, http.StatusCreated, models.Success(map[string]string{"id": id}))
}

func (s *Server) createInviteHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	scenarioID := mux.Vars(r)["id"]

	scenario, err := s.store.GetScenario(scenarioID)
	if err != nil {
		slog.Error("Server.createInviteHandler: scenario lookup failed", "error", err, "scenarioID", scenarioID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch scenario"))
		return
	}
	if scenario == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Scenario not found"))
		return
	}

	var req models.CreateInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createInviteHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	code := util.GenerateRandomAlphaNumeric(InviteCodeLength)
	id, err := s.store.CreateInviteCode(scenarioID, code, req.MaxUsage, time.Now())
	if err != nil {
		slog.Error("Server.createInviteHandler: create failed", "error", err, "scenarioID", scenarioID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create invite code"))
		return
	}
	slog.Info("Server.createInviteHandler: invite created", "id", id, "scenarioID", scenarioID)
	writeJSONResponse(w, http.StatusCreated, models.Success(map[string]string{"id": id, "code": code}))
}

func (s *Server) scenarioLogsHandler(w http.ResponseWriter, r *http.Request) {
	scenarioID := mux.Vars(r)["id"]
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	logs, err := s.store.ListDeliveryLogs(scenarioID, limit)
	if err != nil {
		slog.Error("Server.scenarioLogsHandler: list failed", "error", err, "scenarioID", scenarioID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list delivery logs"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(logs))
}

// registerHandler redeems an invite code for a newly added LINE friend.
func (s *Server) registerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.registerHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	result, err := s.engine.RedeemInviteCode(req.InviteCode, req.LineUserID, req.DisplayName, req.PictureURL)
	if err != nil {
		writeJSONResponse(w, enrollmentStatusCode(err), models.Error(err.Error()))
		return
	}
	slog.Info("Server.registerHandler: friend registered", "friendID", result.FriendID, "scenarioID", result.ScenarioID)
	writeJSONResponse(w, http.StatusCreated, models.Success(result))
}

// triggerHandler manually enrolls an existing friend into a scenario.
func (s *Server) triggerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req models.TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.triggerHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	result, err := s.engine.TriggerScenarioDelivery(req.LineUserID, req.ScenarioID)
	if err != nil {
		writeJSONResponse(w, enrollmentStatusCode(err), models.Error(err.Error()))
		return
	}
	slog.Info("Server.triggerHandler: delivery triggered", "friendID", result.FriendID, "scenarioID", result.ScenarioID)
	writeJSONResponse(w, http.StatusCreated, models.Success(result))
}

func (s *Server) friendTrackingHandler(w http.ResponseWriter, r *http.Request) {
	friendID := mux.Vars(r)["id"]
	friend, err := s.store.GetFriend(friendID)
	if err != nil {
		slog.Error("Server.friendTrackingHandler: friend lookup failed", "error", err, "friendID", friendID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch friend"))
		return
	}
	if friend == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Friend not found"))
		return
	}

	records, err := s.store.ListTrackingForFriend(friendID)
	if err != nil {
		slog.Error("Server.friendTrackingHandler: list failed", "error", err, "friendID", friendID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list tracking records"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// enrollmentStatusCode maps engine errors to HTTP status codes.
func enrollmentStatusCode(err error) int {
	switch {
	case errors.Is(err, models.ErrInviteNotFound),
		errors.Is(err, models.ErrFriendNotFound),
		errors.Is(err, models.ErrScenarioNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInviteExhausted),
		errors.Is(err, models.ErrInviteInactive),
		errors.Is(err, models.ErrAlreadyEnrolled),
		errors.Is(err, models.ErrScenarioInactive),
		errors.Is(err, models.ErrScenarioNoSteps):
		return http.StatusConflict
	case errors.Is(err, models.ErrEmptyInviteCode),
		errors.Is(err, models.ErrEmptyLineUserID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

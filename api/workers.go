package api

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/pyneda/rodwarden/db"
	"github.com/rs/zerolog/log"
)

// WorkerJournal is the read side of the worker journal.
type WorkerJournal interface {
	ListWorkerRecords(filter db.WorkerRecordFilter) ([]*db.WorkerRecord, error)
	GetWorkerRecordStats() (*db.WorkerRecordStats, error)
}

// FindWorkersInput holds the query parameters of FindWorkers.
type FindWorkersInput struct {
	Status   string   `query:"status"`
	Limit    int      `query:"limit" validate:"min=0,max=1000"`
	Statuses []string `query:"-" validate:"dive,oneof=running retired reaped"`
}

var validate = validator.New()

// FindWorkers lists journaled workers, newest first. Supports the status
// (comma separated) and limit query parameters.
func (s *Server) FindWorkers(c *fiber.Ctx) error {
	if s.journal == nil {
		return c.Status(fiber.StatusNotFound).JSON(NewErrorResponse("Journal disabled", "Enable db.enabled to record worker lifecycles."))
	}

	var input FindWorkersInput
	if err := c.QueryParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(NewErrorResponse("Invalid query parameters", err.Error()))
	}
	if input.Status != "" {
		for _, status := range strings.Split(input.Status, ",") {
			input.Statuses = append(input.Statuses, strings.TrimSpace(status))
		}
	}
	if err := validate.Struct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(NewErrorResponse("Invalid query parameters", err.Error()))
	}

	filter := db.WorkerRecordFilter{Limit: input.Limit}
	if filter.Limit == 0 {
		filter.Limit = 100
	}
	for _, status := range input.Statuses {
		filter.Statuses = append(filter.Statuses, db.WorkerRecordStatus(status))
	}

	records, err := s.journal.ListWorkerRecords(filter)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list worker records")
		return c.Status(fiber.StatusInternalServerError).JSON(NewErrorResponse("Failed to list workers", "An unexpected error occurred while reading the journal."))
	}
	return c.Status(fiber.StatusOK).JSON(WorkersResponse{Data: records, Count: len(records)})
}

// GetWorkerStats returns aggregate journal statistics.
func (s *Server) GetWorkerStats(c *fiber.Ctx) error {
	if s.journal == nil {
		return c.Status(fiber.StatusNotFound).JSON(NewErrorResponse("Journal disabled", "Enable db.enabled to record worker lifecycles."))
	}
	stats, err := s.journal.GetWorkerRecordStats()
	if err != nil {
		log.Error().Err(err).Msg("Failed to retrieve worker statistics")
		return c.Status(fiber.StatusInternalServerError).JSON(NewErrorResponse("Failed to retrieve worker statistics"))
	}
	return c.Status(fiber.StatusOK).JSON(stats)
}

package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/DeanSCND/agentbroker/internal/ticket/models"
	"github.com/DeanSCND/agentbroker/internal/ticket/repository"
	v1 "github.com/DeanSCND/agentbroker/pkg/api/v1"
)

func translateNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNotFound
	}
	return err
}

func checkAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func rowToTicket(row *ticketRow) (*models.Ticket, error) {
	var payload interface{}
	if err := json.Unmarshal([]byte(row.Payload), &payload); err != nil {
		return nil, fmt.Errorf("failed to deserialize payload: %w", err)
	}

	var metadata v1.Metadata
	if row.Metadata != "" && row.Metadata != "{}" {
		if err := json.Unmarshal([]byte(row.Metadata), &metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize metadata: %w", err)
		}
	}

	t := &models.Ticket{
		ID:          row.ID,
		OriginAgent: row.FromAgent,
		TargetAgent: row.TargetAgent,
		Payload:     payload,
		Status:      v1.TicketStatus(row.Status),
		Metadata:    metadata,
		ExpectReply: row.ExpectReply == 1,
		TimeoutMs:   row.TimeoutMs,
		RetentionMs: row.RetentionMs,
		ErrorMsg:    row.ErrorMessage,
		DeliveredAt: row.DeliveredAt,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}

	if row.RespondedAt != nil {
		var responsePayload interface{}
		if row.ResponsePay != "" {
			if err := json.Unmarshal([]byte(row.ResponsePay), &responsePayload); err != nil {
				return nil, fmt.Errorf("failed to deserialize response payload: %w", err)
			}
		}
		var responseMeta v1.Metadata
		if row.ResponseMeta != "" && row.ResponseMeta != "{}" {
			if err := json.Unmarshal([]byte(row.ResponseMeta), &responseMeta); err != nil {
				return nil, fmt.Errorf("failed to deserialize response metadata: %w", err)
			}
		}
		t.Response = &v1.Response{
			Payload:  responsePayload,
			Metadata: responseMeta,
			At:       *row.RespondedAt,
		}
	}

	return t, nil
}

func rowsToTickets(rows []ticketRow) ([]*models.Ticket, error) {
	out := make([]*models.Ticket, 0, len(rows))
	for i := range rows {
		t, err := rowToTicket(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

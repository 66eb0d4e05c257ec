package bulkconsultations

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/conslink/consync/internal/mapper"
	"github.com/conslink/consync/internal/model"
	"github.com/conslink/consync/internal/odata"
)

// Puller loads Document_ТелефонныйЗвонок rows with no ownership filter,
// writing them into the same cons.consultations table under cons_id
// "cl_all_<ref_key>" and source ERP_ALL so they never collide with, or get
// displayed alongside, rows the client-facing consultations.Puller owns.
type Puller struct {
	Pool *pgxpool.Pool
	ERP  *odata.Client
}

// ProcessResult reports what happened so the batch loop can advance its
// checkpoint and log a summary.
type ProcessResult struct {
	Created    bool
	Unchanged  bool
	ChangeDate time.Time
}

type storedRow struct {
	ConsID    string
	Number    string
	Status    model.Status
	StartDate *time.Time
	EndDate   *time.Time
	Manager   uuid.NullUUID
}

// ProcessItem upserts one queue-math-only consultation row. It never touches
// CHAT, the changelog, or the notification ledger -- this feed exists purely
// to make cross-tenant load visible to internal/operator's queue ranking.
func (p *Puller) ProcessItem(ctx context.Context, it item) (ProcessResult, error) {
	if it.RefKey == "" {
		log.Warn().Str("number", it.Number).Msg("skipping bulk consultation item without Ref_Key")
		return ProcessResult{}, nil
	}
	refKey, err := uuid.Parse(it.RefKey)
	if err != nil {
		return ProcessResult{}, err
	}

	clientKey := mapper.CleanUUID(it.AbonentKey)
	managerKey := mapper.CleanUUID(it.ManagerKey)
	createDate := mapper.CleanDatetime(it.CreateDate)
	startDate := mapper.CleanDatetime(it.StartDate)
	endDate := mapper.CleanDatetime(it.EndDate)

	status := mapper.MapStatus(it.AppealKind, endDate, false)
	consID := "cl_all_" + refKey.String()

	existing, err := p.loadByRefKey(ctx, refKey)
	if err != nil {
		return ProcessResult{}, err
	}

	if existing == nil {
		effectiveCreate := createDate
		if effectiveCreate == nil {
			now := time.Now().UTC()
			effectiveCreate = &now
		}
		_, err := p.Pool.Exec(ctx, `
			INSERT INTO cons.consultations (
				cons_id, cl_ref_key, client_key, client_id, number, status,
				org_inn, consultation_type, denied, create_date, start_date,
				end_date, comment, manager, author, online_question_cat,
				online_question, source
			) VALUES ($1,$2,$3,NULL,$4,$5,NULL,$6,false,$7,$8,$9,'',$10,NULL,NULL,NULL,$11)
		`,
			consID, refKey, nullableUUID(clientKey), it.Number, status,
			model.ConsultationAccounting, effectiveCreate, startDate, endDate,
			nullableUUID(managerKey), source,
		)
		if err != nil {
			return ProcessResult{}, err
		}
		log.Debug().Str("cl_ref_key", refKey.String()).Str("number", it.Number).Str("status", string(status)).
			Msg("created bulk consultation row for queue calculation")
		return ProcessResult{Created: true, ChangeDate: changeDateOf(effectiveCreate, startDate)}, nil
	}

	hasChanges := false
	newNumber := existing.Number
	if existing.Number != it.Number {
		newNumber = it.Number
		hasChanges = true
	}
	newStatus := existing.Status
	if existing.Status != status {
		newStatus = status
		hasChanges = true
	}
	if !timeEqual(existing.StartDate, startDate) {
		hasChanges = true
	}
	if !timeEqual(existing.EndDate, endDate) {
		hasChanges = true
	}
	// manager null-refusal: a transient missing manager key never clears an
	// already-assigned one, same quirk as internal/etl/consultations -- but
	// has_changes still flips even when the stored value doesn't move.
	newManager := existing.Manager
	if managerKey != existing.Manager {
		hasChanges = true
		if managerKey.Valid {
			newManager = managerKey
		}
	}

	if !hasChanges {
		return ProcessResult{Unchanged: true, ChangeDate: changeDateOf(createDate, startDate)}, nil
	}

	_, err = p.Pool.Exec(ctx, `
		UPDATE cons.consultations
		SET number = $2, status = $3, start_date = $4, end_date = $5, manager = $6
		WHERE cons_id = $1
	`, consID, newNumber, newStatus, startDate, endDate, nullableUUID(newManager))
	if err != nil {
		return ProcessResult{}, err
	}
	log.Debug().Str("cl_ref_key", refKey.String()).Msg("updated bulk consultation row for queue calculation")
	return ProcessResult{ChangeDate: changeDateOf(createDate, startDate)}, nil
}

func (p *Puller) loadByRefKey(ctx context.Context, refKey uuid.UUID) (*storedRow, error) {
	var row storedRow
	err := p.Pool.QueryRow(ctx, `
		SELECT cons_id, number, status, start_date, end_date, manager
		FROM cons.consultations
		WHERE cl_ref_key = $1
	`, refKey).Scan(&row.ConsID, &row.Number, &row.Status, &row.StartDate, &row.EndDate, &row.Manager)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func changeDateOf(createDate, startDate *time.Time) time.Time {
	if createDate != nil {
		return createDate.UTC()
	}
	if startDate != nil {
		return startDate.UTC()
	}
	return time.Now().UTC()
}

func nullableUUID(id uuid.NullUUID) any {
	if !id.Valid {
		return nil
	}
	return id.UUID
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

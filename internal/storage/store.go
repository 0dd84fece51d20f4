// Package storage is the persistence collaborator: incident reports,
// degraded emergency records, and the dead-letter table. The dead-letter
// record is the only durable artifact this core owns; reports belong to the
// wider application schema.
package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/Dhrubot/choukidar-sub001/internal/domain"
)

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

func (s *Store) SaveReport(ctx context.Context, r *domain.Report, tier domain.Tier, reasons []string) error {
	_, err := s.db.Exec(ctx, `insert into reports(
id, description, gender_sensitive, lat, lon, tier, reasons, submitted_at
) values ($1,$2,$3,$4,$5,$6,$7,$8)
on conflict (id) do nothing`,
		r.ID, r.Description, r.GenderSensitive, r.Lat, r.Lon, tier.String(), reasons, r.SubmittedAt,
	)
	return errors.Wrap(err, "save report")
}

func (s *Store) FindReport(ctx context.Context, id string) (*domain.Report, error) {
	var r domain.Report
	err := s.db.QueryRow(ctx,
		`select id, description, gender_sensitive, lat, lon, submitted_at
		   from reports where id = $1`, id).
		Scan(&r.ID, &r.Description, &r.GenderSensitive, &r.Lat, &r.Lon, &r.SubmittedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "find report %s", id)
	}
	return &r, nil
}

// SaveDegraded writes the minimal needs-review record used when an
// emergency report could not be processed inline. This is the last write
// before the one genuinely fatal failure mode, so it stays as small as
// possible.
func (s *Store) SaveDegraded(ctx context.Context, r *domain.Report, processErr string) error {
	_, err := s.db.Exec(ctx, `insert into reports(
id, description, gender_sensitive, tier, needs_review, process_error, submitted_at
) values ($1,$2,$3,$4,true,$5,$6)
on conflict (id) do update set needs_review = true, process_error = $5`,
		r.ID, r.Description, r.GenderSensitive, domain.TierEmergency.String(), processErr, r.SubmittedAt,
	)
	return errors.Wrap(err, "save degraded report")
}

func (s *Store) SaveDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	_, err := s.db.Exec(ctx, `insert into dead_letters(
job_id, tier, payload, error, failed_at, attempts_made
) values ($1,$2,$3,$4,$5,$6)`,
		dl.JobID, dl.Tier.String(), dl.Payload, dl.Error, dl.FailedAt, dl.AttemptsMade,
	)
	return errors.Wrap(err, "save dead letter")
}

func (s *Store) ListDeadLetters(ctx context.Context, tier domain.Tier, since time.Time, limit int) ([]domain.DeadLetter, error) {
	rows, err := s.db.Query(ctx,
		`select job_id, payload, error, failed_at, attempts_made
		   from dead_letters
		  where tier = $1 and failed_at >= $2
		  order by failed_at desc limit $3`,
		tier.String(), since, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list dead letters")
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		dl := domain.DeadLetter{Tier: tier}
		if err := rows.Scan(&dl.JobID, &dl.Payload, &dl.Error, &dl.FailedAt, &dl.AttemptsMade); err != nil {
			return nil, errors.Wrap(err, "list dead letters")
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

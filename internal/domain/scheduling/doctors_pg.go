package scheduling

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clinic/booking/internal/platform/db"
)

// DoctorDirectoryPG reads and maintains the doctor table. Unknown doctors
// are inactive.
type DoctorDirectoryPG struct{ pool db.Querier }

func NewDoctorDirectoryPG(pool db.Querier) *DoctorDirectoryPG {
	return &DoctorDirectoryPG{pool: pool}
}

func (d *DoctorDirectoryPG) IsActive(ctx context.Context, doctorID uuid.UUID) (bool, error) {
	var active bool
	err := db.Conn(ctx, d.pool).QueryRow(ctx, `SELECT active FROM doctor WHERE id = $1`, doctorID).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapPGError(err)
	}
	return active, nil
}

// Upsert registers a doctor or updates its name and activity.
func (d *DoctorDirectoryPG) Upsert(ctx context.Context, doctorID uuid.UUID, name string, active bool) error {
	if doctorID == uuid.Nil || name == "" {
		return newError(ErrInvalidInput, "doctor id and name are required")
	}
	_, err := db.Conn(ctx, d.pool).Exec(ctx, `
		INSERT INTO doctor (id, name, active) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active`,
		doctorID, name, active)
	return mapPGError(err)
}

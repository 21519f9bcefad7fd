package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/clinic/booking/internal/platform/db"
)

// configStorePG keeps the config in the single-row schedule_config table.
type configStorePG struct{ pool db.Querier }

func NewConfigStorePG(pool db.Querier) ConfigStore {
	return &configStorePG{pool: pool}
}

// Get inserts the defaults with ON CONFLICT DO NOTHING before reading, so
// concurrent first readers converge on one row.
func (s *configStorePG) Get(ctx context.Context) (*ScheduleConfig, error) {
	conn := db.Conn(ctx, s.pool)
	var data []byte
	err := conn.QueryRow(ctx, `SELECT config FROM schedule_config WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		def, merr := json.Marshal(DefaultScheduleConfig())
		if merr != nil {
			return nil, fmt.Errorf("marshal default config: %w", merr)
		}
		if _, err := conn.Exec(ctx,
			`INSERT INTO schedule_config (id, config) VALUES (1, $1) ON CONFLICT (id) DO NOTHING`, def); err != nil {
			return nil, mapPGError(err)
		}
		err = conn.QueryRow(ctx, `SELECT config FROM schedule_config WHERE id = 1`).Scan(&data)
	}
	if err != nil {
		return nil, mapPGError(err)
	}

	var cfg ScheduleConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode schedule config: %w", err)
	}
	return &cfg, nil
}

func (s *configStorePG) Save(ctx context.Context, cfg *ScheduleConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	next := cfg.Clone()
	next.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal schedule config: %w", err)
	}
	_, err = db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO schedule_config (id, config, updated_at) VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET config = EXCLUDED.config, updated_at = NOW()`, payload)
	return mapPGError(err)
}

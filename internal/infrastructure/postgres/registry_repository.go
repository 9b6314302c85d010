package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/creditx/platform-core/internal/domain/agent"
)

// RegistryRepository loads agent configurations from the agent_registry
// table. Implements agent.ConfigRepository.
type RegistryRepository struct {
	store *Store
}

func NewRegistryRepository(store *Store) *RegistryRepository {
	return &RegistryRepository{store: store}
}

func (r *RegistryRepository) LoadActive(ctx context.Context) ([]*agent.Config, error) {
	var configs []*agent.Config
	err := r.store.Query(ctx, "", `
		SELECT agent_id, name, engine, agent_type, faces, risk_level, status, config, version
		FROM agent_registry
		WHERE status = 'active'
		ORDER BY agent_id
	`, nil, func(rows pgx.Rows) error {
		for rows.Next() {
			var (
				c     agent.Config
				faces []string
				cfg   []byte
			)
			if err := rows.Scan(&c.AgentID, &c.Name, &c.Engine, &c.Tier, &faces, &c.RiskLevel, &c.Status, &cfg, &c.Version); err != nil {
				return err
			}
			c.Faces = make([]agent.Face, 0, len(faces))
			for _, f := range faces {
				c.Faces = append(c.Faces, agent.Face(f))
			}
			if len(cfg) > 0 {
				c.Config = json.RawMessage(cfg)
			}
			configs = append(configs, &c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return configs, nil
}

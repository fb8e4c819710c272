package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/cortex/pkg/errs"
	"github.com/haasonsaas/cortex/pkg/models"
)

// CreateAgent persists an agent and its memory blocks in one transaction.
// Assigns ids where absent and stamps audit fields from the actor.
func (db *DB) CreateAgent(ctx context.Context, agent *models.Agent, actor models.Actor) (*models.Agent, error) {
	if agent.ID == "" {
		agent.ID = models.NewID(models.PrefixAgent)
	}
	now := time.Now().UTC()
	agent.OrganizationID = actor.OrganizationID
	agent.CreatedAt = now
	agent.UpdatedAt = now
	agent.CreatedBy = actor.UserID
	agent.LastUpdatedBy = actor.UserID

	llmCfg, err := json.Marshal(agent.LLMConfig)
	if err != nil {
		return nil, fmt.Errorf("marshal llm config: %w", err)
	}
	embCfg, err := json.Marshal(agent.EmbeddingCfg)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding config: %w", err)
	}

	err = db.withTx(ctx, func(tx *Tx) error {
		_, err := tx.exec(ctx, `
			INSERT INTO agents (id, organization_id, name, llm_config, embedding_config, top_k,
				created_at, updated_at, created_by, last_updated_by, is_deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE)
		`, agent.ID, agent.OrganizationID, agent.Name, string(llmCfg), string(embCfg), agent.TopK,
			agent.CreatedAt, agent.UpdatedAt, agent.CreatedBy, agent.LastUpdatedBy)
		if err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}

		for i := range agent.Blocks {
			b := &agent.Blocks[i]
			if b.ID == "" {
				b.ID = models.NewID(models.PrefixBlock)
			}
			b.OrganizationID = agent.OrganizationID
			b.AgentID = agent.ID
			b.CreatedAt = now
			b.UpdatedAt = now
			if _, err := tx.exec(ctx, `
				INSERT INTO memory_blocks (id, organization_id, agent_id, label, value, limit_chars, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, b.ID, b.OrganizationID, b.AgentID, b.Label, b.Value, b.Limit, b.CreatedAt, b.UpdatedAt); err != nil {
				return fmt.Errorf("insert memory block %q: %w", b.Label, err)
			}
		}

		for _, toolID := range agent.ToolIDs {
			if _, err := tx.exec(ctx, `INSERT INTO agents_tools (agent_id, tool_id) VALUES (?, ?)`, agent.ID, toolID); err != nil {
				return fmt.Errorf("attach tool %s: %w", toolID, err)
			}
		}
		for _, sourceID := range agent.SourceIDs {
			if _, err := tx.exec(ctx, `INSERT INTO sources_agents (source_id, agent_id) VALUES (?, ?)`, sourceID, agent.ID); err != nil {
				return fmt.Errorf("attach source %s: %w", sourceID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// GetAgent loads an agent with its blocks and attachment ids.
func (db *DB) GetAgent(ctx context.Context, id string, actor models.Actor) (*models.Agent, error) {
	var (
		agent  models.Agent
		llmCfg string
		embCfg string
	)
	err := db.queryRow(ctx, `
		SELECT id, organization_id, name, llm_config, embedding_config, top_k,
			created_at, updated_at, created_by, last_updated_by
		FROM agents
		WHERE id = ? AND`+orgScope,
		id, actor.OrganizationID,
	).Scan(&agent.ID, &agent.OrganizationID, &agent.Name, &llmCfg, &embCfg, &agent.TopK,
		&agent.CreatedAt, &agent.UpdatedAt, &agent.CreatedBy, &agent.LastUpdatedBy)
	if err == sql.ErrNoRows {
		return nil, errs.NotFoundf("agent %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}

	if err := json.Unmarshal([]byte(llmCfg), &agent.LLMConfig); err != nil {
		return nil, fmt.Errorf("unmarshal llm config: %w", err)
	}
	if err := json.Unmarshal([]byte(embCfg), &agent.EmbeddingCfg); err != nil {
		return nil, fmt.Errorf("unmarshal embedding config: %w", err)
	}

	blocks, err := db.listBlocks(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	agent.Blocks = blocks

	agent.ToolIDs, err = db.scanIDs(ctx, `SELECT tool_id FROM agents_tools WHERE agent_id = ? ORDER BY tool_id`, agent.ID)
	if err != nil {
		return nil, err
	}
	agent.SourceIDs, err = db.scanIDs(ctx, `SELECT source_id FROM sources_agents WHERE agent_id = ? ORDER BY source_id`, agent.ID)
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// UpdateAgent updates mutable agent fields and stamps the actor.
func (db *DB) UpdateAgent(ctx context.Context, agent *models.Agent, actor models.Actor) (*models.Agent, error) {
	llmCfg, err := json.Marshal(agent.LLMConfig)
	if err != nil {
		return nil, fmt.Errorf("marshal llm config: %w", err)
	}
	embCfg, err := json.Marshal(agent.EmbeddingCfg)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding config: %w", err)
	}
	agent.UpdatedAt = time.Now().UTC()
	agent.LastUpdatedBy = actor.UserID

	res, err := db.exec(ctx, `
		UPDATE agents SET name = ?, llm_config = ?, embedding_config = ?, top_k = ?, updated_at = ?, last_updated_by = ?
		WHERE id = ? AND`+orgScope,
		agent.Name, string(llmCfg), string(embCfg), agent.TopK, agent.UpdatedAt, agent.LastUpdatedBy,
		agent.ID, actor.OrganizationID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errs.NotFoundf("agent %s not found", agent.ID)
	}
	return agent, nil
}

// DeleteAgent soft-deletes the agent and hard-deletes its memory blocks and
// agent passages. Source passages are untouched. Returns the ids of deleted
// agent passages so the caller can clear the vector mirror.
func (db *DB) DeleteAgent(ctx context.Context, id string, actor models.Actor) ([]string, error) {
	var passageIDs []string
	err := db.withTx(ctx, func(tx *Tx) error {
		res, err := tx.exec(ctx, `
			UPDATE agents SET is_deleted = TRUE, updated_at = ?, last_updated_by = ?
			WHERE id = ? AND`+orgScope,
			time.Now().UTC(), actor.UserID, id, actor.OrganizationID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.NotFoundf("agent %s not found", id)
		}

		rows, err := tx.query(ctx, `SELECT id FROM passages_agent WHERE agent_id = ?`, id)
		if err != nil {
			return fmt.Errorf("query agent passages: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var pid string
			if err := rows.Scan(&pid); err != nil {
				return err
			}
			passageIDs = append(passageIDs, pid)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.exec(ctx, `DELETE FROM passages_agent WHERE agent_id = ?`, id); err != nil {
			return fmt.Errorf("delete agent passages: %w", err)
		}
		if _, err := tx.exec(ctx, `DELETE FROM memory_blocks WHERE agent_id = ?`, id); err != nil {
			return fmt.Errorf("delete memory blocks: %w", err)
		}
		if _, err := tx.exec(ctx, `DELETE FROM agents_tools WHERE agent_id = ?`, id); err != nil {
			return fmt.Errorf("detach tools: %w", err)
		}
		if _, err := tx.exec(ctx, `DELETE FROM sources_agents WHERE agent_id = ?`, id); err != nil {
			return fmt.Errorf("detach sources: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return passageIDs, nil
}

// ListAgents pages over the organization's agents.
func (db *DB) ListAgents(ctx context.Context, actor models.Actor, page Page) ([]*models.Agent, error) {
	if page.Limit == 0 {
		return nil, nil
	}
	query := `SELECT id FROM agents WHERE` + orgScope
	args := []any{actor.OrganizationID}
	query, args, err := db.pageClause(ctx, "agents", query, args, page)
	if err != nil {
		return nil, err
	}
	ids, err := db.scanIDs(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	agents := make([]*models.Agent, 0, len(ids))
	for _, id := range ids {
		a, err := db.GetAgent(ctx, id, actor)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// AttachSourceToAgent links an existing source to the agent.
func (db *DB) AttachSourceToAgent(ctx context.Context, agentID, sourceID string, actor models.Actor) error {
	if _, err := db.GetAgent(ctx, agentID, actor); err != nil {
		return err
	}
	_, err := db.exec(ctx, `INSERT INTO sources_agents (source_id, agent_id) VALUES (?, ?)`, sourceID, agentID)
	return err
}

func (db *DB) listBlocks(ctx context.Context, agentID string) ([]models.MemoryBlock, error) {
	rows, err := db.query(ctx, `
		SELECT id, organization_id, agent_id, label, value, limit_chars, created_at, updated_at
		FROM memory_blocks WHERE agent_id = ? ORDER BY label ASC
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("query memory blocks: %w", err)
	}
	defer rows.Close()

	var blocks []models.MemoryBlock
	for rows.Next() {
		var b models.MemoryBlock
		if err := rows.Scan(&b.ID, &b.OrganizationID, &b.AgentID, &b.Label, &b.Value, &b.Limit, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan memory block: %w", err)
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// UpdateBlockValue replaces a memory block's value. Fails NotFound when the
// label does not exist on the agent.
func (db *DB) UpdateBlockValue(ctx context.Context, agentID, label, value string, actor models.Actor) error {
	res, err := db.exec(ctx, `
		UPDATE memory_blocks SET value = ?, updated_at = ?
		WHERE agent_id = ? AND label = ? AND organization_id = ?
	`, value, time.Now().UTC(), agentID, label, actor.OrganizationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("memory block %q not found on agent %s", label, agentID)
	}
	return nil
}

func (db *DB) scanIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

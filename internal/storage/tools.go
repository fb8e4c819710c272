package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/haasonsaas/cortex/pkg/errs"
	"github.com/haasonsaas/cortex/pkg/models"
)

// CreateTool registers a tool definition. Names are unique per organization;
// duplicates surface as Conflict from the constraint.
func (db *DB) CreateTool(ctx context.Context, tool *models.Tool, actor models.Actor) (*models.Tool, error) {
	if tool.ID == "" {
		tool.ID = models.NewID(models.PrefixTool)
	}
	now := time.Now().UTC()
	tool.OrganizationID = actor.OrganizationID
	tool.CreatedAt = now
	tool.UpdatedAt = now

	var schema any
	if len(tool.Schema) > 0 {
		schema = string(tool.Schema)
	}
	if _, err := db.exec(ctx, `
		INSERT INTO tools (id, organization_id, name, description, json_schema, created_at, updated_at, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, FALSE)
	`, tool.ID, tool.OrganizationID, tool.Name, tool.Description, schema, tool.CreatedAt, tool.UpdatedAt); err != nil {
		return nil, err
	}
	return tool, nil
}

// GetTool reads one tool by id.
func (db *DB) GetTool(ctx context.Context, id string, actor models.Actor) (*models.Tool, error) {
	row := db.queryRow(ctx, toolSelect+` WHERE id = ? AND`+orgScope, id, actor.OrganizationID)
	t, err := scanTool(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFoundf("tool %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query tool: %w", err)
	}
	return t, nil
}

// GetToolByName resolves a tool by its unique name.
func (db *DB) GetToolByName(ctx context.Context, name string, actor models.Actor) (*models.Tool, error) {
	row := db.queryRow(ctx, toolSelect+` WHERE name = ? AND`+orgScope, name, actor.OrganizationID)
	t, err := scanTool(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFoundf("tool %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("query tool: %w", err)
	}
	return t, nil
}

// ListTools returns every registered tool in the organization.
func (db *DB) ListTools(ctx context.Context, actor models.Actor) ([]*models.Tool, error) {
	rows, err := db.query(ctx, toolSelect+` WHERE`+orgScope+` ORDER BY name ASC`, actor.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("query tools: %w", err)
	}
	defer rows.Close()

	var tools []*models.Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tool: %w", err)
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

// ListAgentTools returns the tools attached to an agent, name order.
func (db *DB) ListAgentTools(ctx context.Context, agentID string, actor models.Actor) ([]*models.Tool, error) {
	rows, err := db.query(ctx, `
		SELECT t.id, t.organization_id, t.name, t.description, t.json_schema, t.created_at, t.updated_at
		FROM tools t
		JOIN agents_tools at ON at.tool_id = t.id
		WHERE at.agent_id = ? AND t.organization_id = ? AND t.is_deleted = FALSE
		ORDER BY t.name ASC
	`, agentID, actor.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("query agent tools: %w", err)
	}
	defer rows.Close()

	var tools []*models.Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tool: %w", err)
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

// AttachToolToAgent links an existing tool to an agent.
func (db *DB) AttachToolToAgent(ctx context.Context, agentID, toolID string, actor models.Actor) error {
	if _, err := db.GetAgent(ctx, agentID, actor); err != nil {
		return err
	}
	if _, err := db.GetTool(ctx, toolID, actor); err != nil {
		return err
	}
	_, err := db.exec(ctx, `INSERT INTO agents_tools (agent_id, tool_id) VALUES (?, ?)`, agentID, toolID)
	return err
}

const toolSelect = `SELECT id, organization_id, name, description, json_schema, created_at, updated_at FROM tools`

func scanTool(scanner rowScanner) (*models.Tool, error) {
	var (
		t      models.Tool
		schema sql.NullString
	)
	if err := scanner.Scan(&t.ID, &t.OrganizationID, &t.Name, &t.Description, &schema, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if schema.Valid && schema.String != "" {
		t.Schema = []byte(schema.String)
	}
	return &t, nil
}

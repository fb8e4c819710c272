package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/haasonsaas/cortex/pkg/models"
)

// Bootstrap ensures a default organization and user exist and returns an
// actor for them. Single-tenant deployments run entirely under this actor.
func (db *DB) Bootstrap(ctx context.Context) (models.Actor, error) {
	const (
		defaultOrgName  = "default"
		defaultUserName = "admin"
	)

	var orgID string
	err := db.queryRow(ctx, `SELECT id FROM organizations WHERE name = ? AND is_deleted = FALSE`, defaultOrgName).Scan(&orgID)
	if err == sql.ErrNoRows {
		orgID = models.NewID(models.PrefixOrganization)
		now := time.Now().UTC()
		if _, err := db.exec(ctx, `
			INSERT INTO organizations (id, name, created_at, updated_at, is_deleted) VALUES (?, ?, ?, ?, FALSE)
		`, orgID, defaultOrgName, now, now); err != nil {
			return models.Actor{}, fmt.Errorf("create default organization: %w", err)
		}
	} else if err != nil {
		return models.Actor{}, fmt.Errorf("query default organization: %w", err)
	}

	var userID string
	err = db.queryRow(ctx, `SELECT id FROM users WHERE organization_id = ? AND name = ? AND is_deleted = FALSE`,
		orgID, defaultUserName).Scan(&userID)
	if err == sql.ErrNoRows {
		userID = models.NewID(models.PrefixUser)
		now := time.Now().UTC()
		if _, err := db.exec(ctx, `
			INSERT INTO users (id, organization_id, name, created_at, updated_at, is_deleted) VALUES (?, ?, ?, ?, ?, FALSE)
		`, userID, orgID, defaultUserName, now, now); err != nil {
			return models.Actor{}, fmt.Errorf("create default user: %w", err)
		}
	} else if err != nil {
		return models.Actor{}, fmt.Errorf("query default user: %w", err)
	}

	return models.Actor{UserID: userID, OrganizationID: orgID}, nil
}

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rflorenc/artifact-migration-workbench/internal/models"
)

// ConnectionRepo persists source connections.
type ConnectionRepo struct {
	db *gorm.DB
}

// Create inserts c, assigning it a UUID.
func (r *ConnectionRepo) Create(ctx context.Context, c *models.Connection) error {
	c.ID = uuid.New().String()
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		return err
	}
	c.HasCredentials = len(c.Credentials) > 0
	return nil
}

// Get returns a connection by ID.
func (r *ConnectionRepo) Get(ctx context.Context, id string) (*models.Connection, error) {
	var c models.Connection
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	c.HasCredentials = len(c.Credentials) > 0
	return &c, nil
}

// GetByName returns a connection by its unique name.
func (r *ConnectionRepo) GetByName(ctx context.Context, name string) (*models.Connection, error) {
	var c models.Connection
	if err := r.db.WithContext(ctx).First(&c, "name = ?", name).Error; err != nil {
		return nil, notFound(err)
	}
	c.HasCredentials = len(c.Credentials) > 0
	return &c, nil
}

// List returns all connections, oldest first.
func (r *ConnectionRepo) List(ctx context.Context) ([]models.Connection, error) {
	var conns []models.Connection
	if err := r.db.WithContext(ctx).Order("created_at asc").Find(&conns).Error; err != nil {
		return nil, err
	}
	for i := range conns {
		conns[i].HasCredentials = len(conns[i].Credentials) > 0
	}
	return conns, nil
}

// Update replaces an existing connection's settings.
func (r *ConnectionRepo) Update(ctx context.Context, c *models.Connection) error {
	res := r.db.WithContext(ctx).Model(&models.Connection{}).Where("id = ?", c.ID).Updates(map[string]interface{}{
		"name":            c.Name,
		"url":             c.URL,
		"kind":            c.Kind,
		"auth_type":       c.AuthType,
		"credentials_enc": c.Credentials,
		"insecure":        c.Insecure,
		"remote_version":  c.RemoteVersion,
		"verified_at":     c.VerifiedAt,
		"updated_at":      time.Now(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	c.HasCredentials = len(c.Credentials) > 0
	return nil
}

// MarkVerified records a successful test.
func (r *ConnectionRepo) MarkVerified(ctx context.Context, id string, at time.Time, version string) error {
	res := r.db.WithContext(ctx).Model(&models.Connection{}).Where("id = ?", id).Updates(map[string]interface{}{
		"verified_at":    at,
		"remote_version": version,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// Delete removes the connection. Jobs that are running or paused make it a
// ConflictError; pending and ready jobs are detached; terminal jobs keep the
// dangling reference for audit.
func (r *ConnectionRepo) Delete(ctx context.Context, id string) (detached int64, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conn models.Connection
		if err := tx.First(&conn, "id = ?", id).Error; err != nil {
			return notFound(err)
		}

		var active int64
		if err := tx.Model(&models.Job{}).
			Where("source_connection_id = ? AND status IN ?", id, []models.JobStatus{models.JobRunning, models.JobPaused}).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return &models.ConflictError{Reason: "connection is used by running or paused jobs"}
		}

		res := tx.Model(&models.Job{}).
			Where("source_connection_id = ? AND status IN ?", id, []models.JobStatus{models.JobPending, models.JobReady}).
			Updates(map[string]interface{}{"source_connection_id": "", "updated_at": time.Now()})
		if res.Error != nil {
			return res.Error
		}
		detached = res.RowsAffected

		return tx.Delete(&models.Connection{}, "id = ?", id).Error
	})
	return detached, err
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ghlbridge/internal/errs"
	"ghlbridge/internal/models"

	"github.com/jmoiron/sqlx"
)

// NewInstance carries the fields of a freshly provisioned instance.
type NewInstance struct {
	ID       models.InstanceID
	APIToken string
	TenantID string
	Settings models.Settings
	State    models.InstanceState
	Name     string
}

// Store is the sqlx-backed repository for tenants and instances.
type Store struct {
	db  *sqlx.DB
	enc *Encryptor
	now func() time.Time
}

func NewStore(conn *sqlx.DB, enc *Encryptor) *Store {
	return &Store{db: conn, enc: enc, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

// FindTenant returns nil, nil when the tenant does not exist.
func (s *Store) FindTenant(ctx context.Context, id string) (*models.Tenant, error) {
	var t models.Tenant
	err := s.db.GetContext(ctx, &t, s.q(`SELECT id, access_token, refresh_token, token_expires_at, company_id, created_at, updated_at
		FROM tenants WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant %s: %w", id, err)
	}
	if err := s.openTenant(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpsertTenant stores the tokens obtained on OAuth callback.
func (s *Store) UpsertTenant(ctx context.Context, id string, tokens models.TenantTokens) (*models.Tenant, error) {
	access, refresh, err := s.sealTokens(tokens.AccessToken, tokens.RefreshToken)
	if err != nil {
		return nil, err
	}
	now := s.now()
	expires := tokens.ExpiresAt.UTC()
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO tenants (id, access_token, refresh_token, token_expires_at, company_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expires_at = excluded.token_expires_at,
			company_id = excluded.company_id,
			updated_at = excluded.updated_at`),
		id, access, refresh, expires, tokens.CompanyID, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert tenant %s: %w", id, err)
	}
	return s.FindTenant(ctx, id)
}

// UpdateTenantTokens replaces the token pair after a refresh.
func (s *Store) UpdateTenantTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) (*models.Tenant, error) {
	access, refresh, err := s.sealTokens(accessToken, refreshToken)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE tenants SET access_token = ?, refresh_token = ?, token_expires_at = ?, updated_at = ?
		WHERE id = ?`), access, refresh, expiresAt.UTC(), s.now(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update tokens for tenant %s: %w", id, err)
	}
	if err := expectRow(res, "tenant", id); err != nil {
		return nil, err
	}
	return s.FindTenant(ctx, id)
}

// CreateInstance fails with errs.ErrConflict when the id is taken and with a
// not-found error when the tenant is unknown.
func (s *Store) CreateInstance(ctx context.Context, in NewInstance) (*models.Instance, error) {
	token, err := s.enc.Encrypt(in.APIToken)
	if err != nil {
		return nil, err
	}
	state := in.State
	if state == "" {
		state = models.StateNotAuthorized
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.GetContext(ctx, &n, tx.Rebind(`SELECT COUNT(*) FROM tenants WHERE id = ?`), in.TenantID); err != nil {
		return nil, fmt.Errorf("failed to check tenant %s: %w", in.TenantID, err)
	}
	if n == 0 {
		return nil, errs.NotFound("tenant", in.TenantID)
	}
	if err := tx.GetContext(ctx, &n, tx.Rebind(`SELECT COUNT(*) FROM instances WHERE id = ?`), in.ID); err != nil {
		return nil, fmt.Errorf("failed to check instance %s: %w", in.ID, err)
	}
	if n > 0 {
		return nil, fmt.Errorf("instance %s: %w", in.ID, errs.ErrConflict)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO instances (id, api_token, state, name, settings, tenant_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`), in.ID, token, state, in.Name, in.Settings, in.TenantID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to create instance %s: %w", in.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit instance %s: %w", in.ID, err)
	}
	return s.GetInstance(ctx, in.ID)
}

// GetInstance returns nil, nil when the instance does not exist.
func (s *Store) GetInstance(ctx context.Context, id models.InstanceID) (*models.Instance, error) {
	var inst models.Instance
	err := s.db.GetContext(ctx, &inst, s.q(`SELECT id, api_token, state, name, settings, tenant_id, created_at
		FROM instances WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load instance %s: %w", id, err)
	}
	if inst.APIToken, err = s.enc.Decrypt(inst.APIToken); err != nil {
		return nil, fmt.Errorf("instance %s token: %w", id, err)
	}
	return &inst, nil
}

// GetInstancesByTenant lists the tenant's instances, newest first.
func (s *Store) GetInstancesByTenant(ctx context.Context, tenantID string) ([]models.Instance, error) {
	var out []models.Instance
	err := s.db.SelectContext(ctx, &out, s.q(`SELECT id, api_token, state, name, settings, tenant_id, created_at
		FROM instances WHERE tenant_id = ? ORDER BY created_at DESC, id DESC`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances for tenant %s: %w", tenantID, err)
	}
	for i := range out {
		if out[i].APIToken, err = s.enc.Decrypt(out[i].APIToken); err != nil {
			return nil, fmt.Errorf("instance %s token: %w", out[i].ID, err)
		}
	}
	return out, nil
}

func (s *Store) UpdateInstanceState(ctx context.Context, id models.InstanceID, state models.InstanceState) (*models.Instance, error) {
	return s.updateInstance(ctx, id, `UPDATE instances SET state = ? WHERE id = ?`, state)
}

func (s *Store) UpdateInstanceSettings(ctx context.Context, id models.InstanceID, settings models.Settings) (*models.Instance, error) {
	return s.updateInstance(ctx, id, `UPDATE instances SET settings = ? WHERE id = ?`, settings)
}

func (s *Store) UpdateInstanceName(ctx context.Context, id models.InstanceID, name string) (*models.Instance, error) {
	return s.updateInstance(ctx, id, `UPDATE instances SET name = ? WHERE id = ?`, name)
}

func (s *Store) RemoveInstance(ctx context.Context, id models.InstanceID) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM instances WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to remove instance %s: %w", id, err)
	}
	return expectRow(res, "instance", id.String())
}

func (s *Store) updateInstance(ctx context.Context, id models.InstanceID, query string, value any) (*models.Instance, error) {
	res, err := s.db.ExecContext(ctx, s.q(query), value, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update instance %s: %w", id, err)
	}
	if err := expectRow(res, "instance", id.String()); err != nil {
		return nil, err
	}
	return s.GetInstance(ctx, id)
}

func (s *Store) sealTokens(access, refresh string) (string, string, error) {
	a, err := s.enc.Encrypt(access)
	if err != nil {
		return "", "", err
	}
	r, err := s.enc.Encrypt(refresh)
	if err != nil {
		return "", "", err
	}
	return a, r, nil
}

func (s *Store) openTenant(t *models.Tenant) error {
	var err error
	if t.AccessToken, err = s.enc.Decrypt(t.AccessToken); err != nil {
		return fmt.Errorf("tenant %s access token: %w", t.ID, err)
	}
	if t.RefreshToken, err = s.enc.Decrypt(t.RefreshToken); err != nil {
		return fmt.Errorf("tenant %s refresh token: %w", t.ID, err)
	}
	return nil
}

func expectRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return errs.NotFound(what, id)
	}
	return nil
}

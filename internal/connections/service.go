// Package connections manages source registry connections and their sealed
// credentials.
package connections

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rflorenc/artifact-migration-workbench/internal/config"
	"github.com/rflorenc/artifact-migration-workbench/internal/models"
	"github.com/rflorenc/artifact-migration-workbench/internal/secrets"
	"github.com/rflorenc/artifact-migration-workbench/internal/source"
	"github.com/rflorenc/artifact-migration-workbench/internal/store"
)

// Input is the caller-supplied shape for create and update.
type Input struct {
	Name        string              `json:"name"`
	URL         string              `json:"url"`
	Kind        string              `json:"kind"`
	AuthType    string              `json:"auth_type"`
	Credentials secrets.Credentials `json:"credentials"`
	Insecure    bool                `json:"insecure"`
}

// TestResult is the outcome of a live round trip to the source.
type TestResult struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	RemoteVersion string `json:"remote_version,omitempty"`
}

// Guard serialises connection deletion with the job loops using it.
type Guard interface {
	// Exclusive runs fn unless a live loop uses the connection. No loop may
	// start while fn runs.
	Exclusive(connectionID string, fn func() error) error
}

// Service implements connection CRUD and testing.
type Service struct {
	store       *store.Store
	vault       *secrets.Vault
	registries  source.Factory
	testTimeout time.Duration
	guard       Guard
	log         *zap.Logger
	now         func() time.Time
}

// NewService wires the service. testTimeout bounds every Test call.
func NewService(st *store.Store, vault *secrets.Vault, registries source.Factory, testTimeout time.Duration, log *zap.Logger) *Service {
	if testTimeout <= 0 {
		testTimeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:       st,
		vault:       vault,
		registries:  registries,
		testTimeout: testTimeout,
		log:         log,
		now:         time.Now,
	}
}

// SetGuard installs the lock Delete takes against live job loops.
func (s *Service) SetGuard(g Guard) {
	s.guard = g
}

func (in *Input) normalize() (models.RegistryKind, models.AuthType, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.URL = strings.TrimSpace(in.URL)
	if in.Name == "" {
		return "", "", &models.ValidationError{Field: "name", Reason: "is required"}
	}
	if err := models.ValidateEndpoint(in.URL); err != nil {
		return "", "", err
	}
	kind, err := models.ParseRegistryKind(in.Kind)
	if err != nil {
		return "", "", err
	}
	auth, err := models.ParseAuthType(in.AuthType)
	if err != nil {
		return "", "", err
	}
	return kind, auth, nil
}

// Create validates in, seals its credentials and persists the connection.
func (s *Service) Create(ctx context.Context, in Input) (*models.Connection, error) {
	kind, auth, err := in.normalize()
	if err != nil {
		return nil, err
	}
	if err := in.Credentials.Validate(auth); err != nil {
		return nil, err
	}
	if _, err := s.store.Connections.GetByName(ctx, in.Name); err == nil {
		return nil, &models.ConflictError{Reason: fmt.Sprintf("connection %q already exists", in.Name)}
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	sealed, err := s.vault.Seal(in.Credentials)
	if err != nil {
		return nil, err
	}
	conn := &models.Connection{
		Name:        in.Name,
		URL:         in.URL,
		Kind:        kind,
		AuthType:    auth,
		Credentials: sealed,
		Insecure:    in.Insecure,
	}
	if err := s.store.Connections.Create(ctx, conn); err != nil {
		return nil, fmt.Errorf("saving connection: %w", err)
	}
	s.log.Info("connection created", zap.String("connection_id", conn.ID), zap.String("name", conn.Name), zap.String("kind", string(kind)))
	return conn, nil
}

func (s *Service) List(ctx context.Context) ([]models.Connection, error) {
	return s.store.Connections.List(ctx)
}

func (s *Service) Get(ctx context.Context, id string) (*models.Connection, error) {
	return s.store.Connections.Get(ctx, id)
}

// Update replaces the connection's settings. Empty credentials keep the
// sealed blob. Changing the endpoint, kind, auth type or credentials clears
// the verification.
func (s *Service) Update(ctx context.Context, id string, in Input) (*models.Connection, error) {
	conn, err := s.store.Connections.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	kind, auth, err := in.normalize()
	if err != nil {
		return nil, err
	}
	if in.Name != conn.Name {
		if other, err := s.store.Connections.GetByName(ctx, in.Name); err == nil && other.ID != id {
			return nil, &models.ConflictError{Reason: fmt.Sprintf("connection %q already exists", in.Name)}
		}
	}

	changed := in.URL != conn.URL || kind != conn.Kind || auth != conn.AuthType || in.Insecure != conn.Insecure
	if !in.Credentials.Empty() {
		if err := in.Credentials.Validate(auth); err != nil {
			return nil, err
		}
		sealed, err := s.vault.Seal(in.Credentials)
		if err != nil {
			return nil, err
		}
		conn.Credentials = sealed
		changed = true
	} else if auth != conn.AuthType {
		return nil, &models.ValidationError{Field: "credentials", Reason: "must be supplied when auth_type changes"}
	}

	conn.Name = in.Name
	conn.URL = in.URL
	conn.Kind = kind
	conn.AuthType = auth
	conn.Insecure = in.Insecure
	if changed {
		conn.VerifiedAt = nil
		conn.RemoteVersion = ""
	}
	if err := s.store.Connections.Update(ctx, conn); err != nil {
		return nil, err
	}
	return s.store.Connections.Get(ctx, id)
}

// Delete removes a connection unless a running or paused job uses it.
// Pending and ready jobs are detached.
func (s *Service) Delete(ctx context.Context, id string) error {
	var detached int64
	del := func() (err error) {
		detached, err = s.store.Connections.Delete(ctx, id)
		return err
	}
	var err error
	if s.guard != nil {
		err = s.guard.Exclusive(id, del)
	} else {
		err = del()
	}
	if err != nil {
		return err
	}
	s.log.Info("connection deleted", zap.String("connection_id", id), zap.Int64("detached_jobs", detached))
	return nil
}

// Test performs a live round trip with a bounded timeout. A failed round trip
// is reported in the result, not as an error.
func (s *Service) Test(ctx context.Context, id string) (*TestResult, error) {
	conn, err := s.store.Connections.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	version, err := s.ping(ctx, conn)
	if err != nil {
		var connErr *models.ConnectionError
		if errors.As(err, &connErr) && connErr.Auth {
			return &TestResult{Success: false, Message: "authentication failed: credentials rejected"}, nil
		}
		return &TestResult{Success: false, Message: err.Error()}, nil
	}
	return &TestResult{Success: true, Message: "connected", RemoteVersion: version}, nil
}

// Verify is Test for callers that need an error: any failure is returned as
// a ConnectionError.
func (s *Service) Verify(ctx context.Context, id string) error {
	conn, err := s.store.Connections.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.ping(ctx, conn); err != nil {
		var connErr *models.ConnectionError
		if errors.As(err, &connErr) {
			return connErr
		}
		return &models.ConnectionError{Op: "test " + conn.Name, Err: err}
	}
	return nil
}

func (s *Service) ping(ctx context.Context, conn *models.Connection) (string, error) {
	reg, err := s.Registry(conn)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.testTimeout)
	defer cancel()

	version, err := reg.Ping(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &models.ConnectionError{Op: "test " + conn.Name, Err: fmt.Errorf("no answer within %s", s.testTimeout)}
		}
		s.log.Warn("connection test failed", zap.String("connection_id", conn.ID), zap.Error(err))
		return "", err
	}
	if err := s.store.Connections.MarkVerified(ctx, conn.ID, s.now(), version); err != nil {
		return "", fmt.Errorf("recording verification: %w", err)
	}
	s.log.Info("connection verified", zap.String("connection_id", conn.ID), zap.String("remote_version", version))
	return version, nil
}

// Registry opens the connection's credentials and returns a registry client.
func (s *Service) Registry(conn *models.Connection) (source.Registry, error) {
	cred, err := s.vault.Open(conn.AuthType, conn.Credentials)
	if err != nil {
		return nil, &models.ConnectionError{Op: "open credentials", Err: err}
	}
	return s.registries(conn, cred), nil
}

// Seed creates the connections listed in the configuration file that do not
// exist yet and tests each one once. Failures are logged, not returned.
func (s *Service) Seed(ctx context.Context, seeds []config.ConnectionConfig) {
	for _, cc := range seeds {
		if _, err := s.store.Connections.GetByName(ctx, cc.Name); err == nil {
			continue
		}
		conn, err := s.Create(ctx, Input{
			Name:     cc.Name,
			URL:      cc.URL,
			Kind:     cc.Kind,
			AuthType: cc.AuthType,
			Credentials: secrets.Credentials{
				Token:    cc.Token,
				Username: cc.Username,
				Password: cc.Password,
			},
			Insecure: cc.Insecure,
		})
		if err != nil {
			s.log.Warn("skipping configured connection", zap.String("name", cc.Name), zap.Error(err))
			continue
		}
		if res, err := s.Test(ctx, conn.ID); err == nil && !res.Success {
			s.log.Warn("configured connection not reachable", zap.String("name", cc.Name), zap.String("message", res.Message))
		}
	}
}

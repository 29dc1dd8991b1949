package tenantdata

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// Sentinel errors for the tenant data layer.
var (
	ErrLeadNotFound     = errors.New("tenantdata: lead not found")
	ErrStageNotFound    = errors.New("tenantdata: stage not found")
	ErrPipelineNotFound = errors.New("tenantdata: pipeline not found")
	ErrRuleNotFound     = errors.New("tenantdata: rule not found")
	ErrTemplateNotFound = errors.New("tenantdata: template not found")
)

// Store is the repository bundle for one tenant's database. It is bound to
// a tenant code at construction so the filter cannot be forgotten per call.
type Store struct {
	db         *sql.DB
	tenantCode string
}

// NewStore binds a tenant connection to its tenant code.
func NewStore(db *sql.DB, tenantCode string) *Store {
	return &Store{db: db, tenantCode: tenantCode}
}

// TenantCode returns the code this store is bound to.
func (s *Store) TenantCode() string { return s.tenantCode }

func newID() string { return uuid.NewString() }

package store

import (
	"errors"

	"github.com/yourorg/calltrace/pkg/types"
)

// ErrNotFound is returned when a session or investigation does not exist.
var ErrNotFound = errors.New("not found")

type Store interface {
	CreateSession(source, callID, description string) (*types.Session, error)
	GetSession(id string) (*types.Session, error)
	UpdateSessionStatus(id, status string) error
	ListSessions() ([]types.Session, error)
	DeleteSession(id string) error

	SaveMessages(sessionID string, msgs []types.SipMessage) error
	GetMessages(sessionID string) ([]types.SipMessage, error)
	SaveMetrics(sessionID string, metrics []types.RtcpMetric) error
	GetMetrics(sessionID string) ([]types.RtcpMetric, error)

	SaveInvestigation(inv *types.Investigation) error
	GetInvestigation(id string) (*types.Investigation, error)
	ListInvestigations(sessionID string) ([]types.Investigation, error)

	Close() error
}

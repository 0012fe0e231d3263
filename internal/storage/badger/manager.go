package badger

import (
	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/interfaces"
)

// Manager aggregates every badger-backed storage behind one database
// lifecycle.
type Manager struct {
	db *BadgerDB

	resultStore          interfaces.ResultStore
	jobResultStorage     interfaces.JobResultStorage
	pendingMemoryStorage interfaces.PendingMemoryStorage
	personalityStorage   interfaces.PersonalityStorage
	diagnosticStorage    interfaces.DiagnosticStorage
	shapesStorage        interfaces.ShapesStorage
	ltmStorage           interfaces.LTMStorage
}

// NewManager opens the database at path and wires all storages onto it.
func NewManager(logger arbor.ILogger, path string) (*Manager, error) {
	db, err := NewBadgerDB(logger, path)
	if err != nil {
		return nil, err
	}
	return NewManagerWithDB(logger, db), nil
}

// NewManagerWithDB wires all storages onto an already-open database. The
// caller retains ownership of db's raw handle for the queue keyspace.
func NewManagerWithDB(logger arbor.ILogger, db *BadgerDB) *Manager {
	return &Manager{
		db:                   db,
		resultStore:          NewResultStore(db, logger),
		jobResultStorage:     NewJobResultStorage(db, logger),
		pendingMemoryStorage: NewPendingMemoryStorage(db, logger),
		personalityStorage:   NewPersonalityStorage(db, logger),
		diagnosticStorage:    NewDiagnosticStorage(db, logger),
		shapesStorage:        NewShapesStorage(db, logger),
		ltmStorage:           NewLTMStorage(db, logger),
	}
}

// DB exposes the underlying connection for the queue keyspace.
func (m *Manager) DB() *BadgerDB {
	return m.db
}

func (m *Manager) ResultStore() interfaces.ResultStore { return m.resultStore }

func (m *Manager) JobResultStorage() interfaces.JobResultStorage { return m.jobResultStorage }

func (m *Manager) PendingMemoryStorage() interfaces.PendingMemoryStorage {
	return m.pendingMemoryStorage
}

func (m *Manager) PersonalityStorage() interfaces.PersonalityStorage { return m.personalityStorage }

func (m *Manager) DiagnosticStorage() interfaces.DiagnosticStorage { return m.diagnosticStorage }

func (m *Manager) ShapesStorage() interfaces.ShapesStorage { return m.shapesStorage }

func (m *Manager) LTMStorage() interfaces.LTMStorage { return m.ltmStorage }

// Close closes the underlying database.
func (m *Manager) Close() error {
	return m.db.Close()
}

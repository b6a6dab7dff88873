package cdc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"

	"github.com/votechain/votechain/internal/alert"
)

// Manager streams changes to the configured tables and fans them out to its
// handlers.
type Manager struct {
	config       *ReplicationConfig
	client       *ReplicationClient
	logger       *slog.Logger
	handlers     []EventHandler
	watched      map[string]struct{}
	stats        map[string]TableStats
	tampering    int
	mu           sync.RWMutex
	currentLSN   pglogrepl.LSN
	running      bool
	stopCh       chan struct{}
	wg           sync.WaitGroup
	alertManager *alert.Manager
}

func NewManager(config *ReplicationConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	var watched map[string]struct{}
	if len(config.Tables) > 0 {
		watched = make(map[string]struct{}, len(config.Tables))
		for _, table := range config.Tables {
			watched[table] = struct{}{}
		}
	}

	return &Manager{
		config:   config,
		logger:   logger,
		handlers: make([]EventHandler, 0),
		watched:  watched,
		stats:    make(map[string]TableStats),
		stopCh:   make(chan struct{}),
	}
}

func (m *Manager) AddHandler(handler EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

func (m *Manager) SetAlertManager(am *alert.Manager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertManager = am
}

func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.createPublicationIfNotExists(ctx); err != nil {
		return fmt.Errorf("failed to create publication: %w", err)
	}

	client := NewReplicationClient(m.config, m, m.logger)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if err := client.CreateSlotIfNotExists(ctx); err != nil {
		client.Close(ctx)
		return fmt.Errorf("failed to create slot: %w", err)
	}

	m.client = client
	return nil
}

func (m *Manager) Start(ctx context.Context) error {
	if m.running {
		return fmt.Errorf("manager already running")
	}

	if m.client == nil {
		return fmt.Errorf("manager not initialized")
	}

	if err := m.client.StartReplication(ctx, m.currentLSN); err != nil {
		return fmt.Errorf("failed to start replication: %w", err)
	}

	m.running = true
	m.wg.Add(1)

	go m.receiveLoop(ctx)

	return nil
}

func (m *Manager) Stop(ctx context.Context) error {
	if !m.running {
		return nil
	}

	close(m.stopCh)
	m.wg.Wait()
	m.running = false

	if m.client != nil {
		return m.client.Close(ctx)
	}

	return nil
}

func (m *Manager) receiveLoop(ctx context.Context) {
	defer m.wg.Done()

	errorCount := 0
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			err := m.client.ReceiveMessage(ctx)

			var td TamperingDetector
			if errors.As(err, &td) && td.IsTampering() {
				// Already reported by the handler; the stream itself is healthy.
				m.mu.Lock()
				m.tampering++
				m.mu.Unlock()
				errorCount = 0
				continue
			}

			if err != nil {
				m.logger.Error("Error receiving replication message", "error", err)
				errorCount++

				backoff := time.Duration(math.Pow(2, float64(errorCount))) * time.Second
				if backoff > maxBackoff {
					backoff = maxBackoff
				}

				m.mu.RLock()
				if m.alertManager != nil {
					_ = m.alertManager.SendSystemAlert(
						"Replication Connection Lost",
						fmt.Sprintf("Failed to receive replication message: %v. Retrying in %v...", err, backoff),
						alert.SeverityDanger,
					)
				}
				m.mu.RUnlock()

				select {
				case <-time.After(backoff):
				case <-m.stopCh:
					return
				case <-ctx.Done():
					return
				}
			} else {
				errorCount = 0
			}
		}
	}
}

// TamperingCount returns how many tampering reports the handlers have raised.
func (m *Manager) TamperingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tampering
}

// Stats returns a copy of the per-table event counts.
func (m *Manager) Stats() map[string]TableStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]TableStats, len(m.stats))
	for table, counts := range m.stats {
		c := make(TableStats, len(counts))
		for op, n := range counts {
			c[op] = n
		}
		out[table] = c
	}
	return out
}

// HandleChange dispatches an event for a watched table to every handler in
// order and stops at the first error. Events for other tables are dropped.
func (m *Manager) HandleChange(event *ChangeEvent) error {
	m.mu.Lock()
	if m.watched != nil {
		if _, ok := m.watched[event.TableName]; !ok {
			m.mu.Unlock()
			return nil
		}
	}
	counts, ok := m.stats[event.TableName]
	if !ok {
		counts = make(TableStats)
		m.stats[event.TableName] = counts
	}
	counts[event.Operation]++
	handlers := make([]EventHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, handler := range handlers {
		if err := handler.HandleChange(event); err != nil {
			return fmt.Errorf("handler failed: %w", err)
		}
	}

	return nil
}

func (m *Manager) createPublicationIfNotExists(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, m.config.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close(ctx)

	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)",
		m.config.PublicationName,
	).Scan(&exists)

	if err != nil {
		return fmt.Errorf("failed to check publication: %w", err)
	}

	if !exists {
		_, err = conn.Exec(ctx, m.config.publicationStatement())
		if err != nil {
			return fmt.Errorf("failed to create publication: %w", err)
		}
		m.logger.Info("Created publication", "name", m.config.PublicationName, "tables", m.config.Tables)
	}

	return nil
}

func (m *Manager) SetLSN(lsn pglogrepl.LSN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentLSN = lsn
}

func (m *Manager) GetLSN() pglogrepl.LSN {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLSN
}

package cdc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

const (
	OutputPlugin = "pgoutput"

	standbyTimeout = 10 * time.Second
)

type ReplicationConfig struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SlotName        string
	PublicationName string
	// Tables limits the publication; empty publishes all tables.
	Tables []string
}

func (c *ReplicationConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s",
		c.Host, c.Port, c.Database, c.User, c.Password)
}

func (c *ReplicationConfig) publicationStatement() string {
	if len(c.Tables) == 0 {
		return fmt.Sprintf("CREATE PUBLICATION %s FOR ALL TABLES", c.PublicationName)
	}
	return fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s", c.PublicationName, strings.Join(c.Tables, ", "))
}

type ReplicationClient struct {
	config  *ReplicationConfig
	conn    *pgconn.PgConn
	logger  *slog.Logger
	decoder *decoder
	handler EventHandler

	mu        sync.Mutex
	walPos    pglogrepl.LSN
	lastAckAt time.Time
}

func NewReplicationClient(config *ReplicationConfig, handler EventHandler, logger *slog.Logger) *ReplicationClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplicationClient{
		config:  config,
		logger:  logger,
		decoder: newDecoder(),
		handler: handler,
	}
}

func (rc *ReplicationClient) Connect(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, rc.config.ConnectionString()+" replication=database")
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	rc.conn = conn
	return nil
}

func (rc *ReplicationClient) CreateSlotIfNotExists(ctx context.Context) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	result, err := pglogrepl.CreateReplicationSlot(
		ctx,
		rc.conn,
		rc.config.SlotName,
		OutputPlugin,
		pglogrepl.CreateReplicationSlotOptions{},
	)

	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "42710" {
			return nil
		}
		return fmt.Errorf("failed to create replication slot: %w", err)
	}

	rc.logger.Info("Created replication slot", "slot", result.SlotName, "lsn", result.ConsistentPoint)
	return nil
}

func (rc *ReplicationClient) DropSlot(ctx context.Context) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	err := pglogrepl.DropReplicationSlot(ctx, rc.conn, rc.config.SlotName, pglogrepl.DropReplicationSlotOptions{})
	if err != nil {
		return fmt.Errorf("failed to drop replication slot: %w", err)
	}

	return nil
}

func (rc *ReplicationClient) StartReplication(ctx context.Context, startLSN pglogrepl.LSN) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	pluginArguments := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", rc.config.PublicationName),
	}

	err := pglogrepl.StartReplication(
		ctx,
		rc.conn,
		rc.config.SlotName,
		startLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: pluginArguments,
		},
	)

	if err != nil {
		return fmt.Errorf("failed to start replication: %w", err)
	}

	return nil
}

func (rc *ReplicationClient) ReceiveMessage(ctx context.Context) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	if time.Since(rc.lastAckAt) >= standbyTimeout {
		if err := rc.SendStandbyStatusUpdate(ctx, rc.WALPosition()); err != nil {
			return err
		}
	}

	recvCtx, cancel := context.WithTimeout(ctx, standbyTimeout)
	defer cancel()

	msg, err := rc.conn.ReceiveMessage(recvCtx)
	if err != nil {
		if pgconn.Timeout(err) {
			return nil
		}
		return fmt.Errorf("receive message failed: %w", err)
	}

	switch msg := msg.(type) {
	case *pgproto3.CopyData:
		return rc.handleCopyData(msg.Data)
	default:
		return nil
	}
}

func (rc *ReplicationClient) handleCopyData(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		return rc.handleKeepalive(data[1:])
	case pglogrepl.XLogDataByteID:
		return rc.handleXLogData(data[1:])
	}

	return nil
}

func (rc *ReplicationClient) handleKeepalive(data []byte) error {
	pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data)
	if err != nil {
		return fmt.Errorf("failed to parse keepalive: %w", err)
	}

	// Changes arrive in WAL order, so everything before ServerWALEnd has been seen.
	rc.advance(pkm.ServerWALEnd)

	if pkm.ReplyRequested {
		return rc.SendStandbyStatusUpdate(context.Background(), rc.WALPosition())
	}

	return nil
}

func (rc *ReplicationClient) handleXLogData(data []byte) error {
	xld, err := pglogrepl.ParseXLogData(data)
	if err != nil {
		return fmt.Errorf("failed to parse xlog data: %w", err)
	}

	// The position advances even when a handler reports tampering so the
	// same change is not redelivered.
	defer rc.advance(xld.WALStart + pglogrepl.LSN(len(xld.WALData)))

	return rc.processWALData(xld.WALData, xld.WALStart)
}

func (rc *ReplicationClient) processWALData(walData []byte, lsn pglogrepl.LSN) error {
	logicalMsg, err := pglogrepl.Parse(walData)
	if err != nil {
		return fmt.Errorf("failed to parse logical replication message: %w", err)
	}

	events, err := rc.decoder.decode(logicalMsg, lsn)
	if err != nil {
		return err
	}

	if rc.handler == nil {
		return nil
	}
	for _, event := range events {
		if err := rc.handler.HandleChange(event); err != nil {
			return err
		}
	}
	return nil
}

func (rc *ReplicationClient) SendStandbyStatusUpdate(ctx context.Context, lsn pglogrepl.LSN) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	status := pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
	}

	if err := pglogrepl.SendStandbyStatusUpdate(ctx, rc.conn, status); err != nil {
		return fmt.Errorf("failed to send standby status: %w", err)
	}
	rc.lastAckAt = time.Now()
	return nil
}

func (rc *ReplicationClient) advance(lsn pglogrepl.LSN) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if lsn > rc.walPos {
		rc.walPos = lsn
	}
}

// WALPosition returns the end of the last WAL record handed to the handler.
func (rc *ReplicationClient) WALPosition() pglogrepl.LSN {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.walPos
}

func (rc *ReplicationClient) Close(ctx context.Context) error {
	if rc.conn != nil {
		return rc.conn.Close(ctx)
	}
	return nil
}

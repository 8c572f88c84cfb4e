// Package clickhouse persists received frames into ClickHouse. Messages
// are batched through a buffered channel and flushed by size or by a one
// second ticker; a full channel drops frames rather than stalling the
// receive path.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"can-gateway/internal/models"
)

// Recorder writes every display-path message, including the gateway's
// disposition, to a MergeTree table.
type Recorder struct {
	conn      driver.Conn
	config    Config
	log       *zap.Logger
	batchSize int
	batch     []models.Message
	batchChan chan models.Message
	ctx       context.Context
	cancel    context.CancelFunc
	flush     *time.Ticker
	done      chan struct{}
}

// New connects to ClickHouse and prepares the messages table.
func New(config Config, batchSize int, log *zap.Logger) (*Recorder, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", config.Host, config.Port)},
		Auth: clickhouse.Auth{
			Database: config.Database,
			Username: config.Username,
			Password: config.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: connect: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}
	if err := createTable(conn, config.Table); err != nil {
		return nil, fmt.Errorf("clickhouse: create table: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Recorder{
		conn:      conn,
		config:    config,
		log:       log,
		batchSize: batchSize,
		batch:     make([]models.Message, 0, batchSize),
		batchChan: make(chan models.Message, batchSize*2),
		ctx:       ctx,
		cancel:    cancel,
		flush:     time.NewTicker(1 * time.Second),
		done:      make(chan struct{}),
	}, nil
}

func createTable(conn driver.Conn, tableName string) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			timestamp DateTime64(6),
			bus String,
			can_id UInt32,
			extended UInt8,
			rtr UInt8,
			dlc UInt8,
			data Array(UInt8),
			gateway_action String
		) ENGINE = MergeTree()
		ORDER BY (timestamp, can_id)
		PARTITION BY toYYYYMMDD(timestamp)
		TTL timestamp + INTERVAL 1 MONTH
		SETTINGS index_granularity = 8192
	`, tableName)
	return conn.Exec(context.Background(), query)
}

// Start begins the batching loop.
func (r *Recorder) Start() {
	go r.writeLoop()
}

func (r *Recorder) writeLoop() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			r.flushBatch()
			return

		case msg := <-r.batchChan:
			r.batch = append(r.batch, msg)
			if len(r.batch) >= r.batchSize {
				r.flushBatch()
			}

		case <-r.flush.C:
			r.flushBatch()
		}
	}
}

func (r *Recorder) flushBatch() {
	if len(r.batch) == 0 {
		return
	}
	batch, err := r.conn.PrepareBatch(context.Background(), fmt.Sprintf("INSERT INTO %s", r.config.Table))
	if err != nil {
		r.log.Warn("clickhouse prepare batch", zap.Error(err))
		return
	}
	for _, msg := range r.batch {
		err = batch.Append(
			msg.Timestamp,
			msg.Bus,
			msg.Frame.ID,
			boolUint8(msg.Frame.Extended),
			boolUint8(msg.Frame.RTR),
			msg.Frame.DLC,
			msg.Frame.Data[:msg.Frame.DLC],
			string(msg.Action),
		)
		if err != nil {
			r.log.Warn("clickhouse append", zap.Error(err))
			return
		}
	}
	if err := batch.Send(); err != nil {
		r.log.Warn("clickhouse send batch", zap.Error(err))
		return
	}
	r.log.Debug("flushed messages", zap.Int("count", len(r.batch)))
	r.batch = r.batch[:0]
}

func boolUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// Write queues a message, dropping it when the buffer is full.
func (r *Recorder) Write(msg models.Message) {
	select {
	case r.batchChan <- msg:
	default:
		r.log.Warn("recorder buffer full, dropping message")
	}
}

// Close flushes remaining messages and closes the connection.
func (r *Recorder) Close() error {
	r.cancel()
	r.flush.Stop()
	<-r.done
	return r.conn.Close()
}

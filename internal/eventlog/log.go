package eventlog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ryrobes/larsql-sub001/internal/telemetry"
)

// Options configures a Log.
type Options struct {
	ColumnarDir     string
	JSONLDir        string
	ErrorFile       string // dedicated file for sink write errors
	FlushInterval   time.Duration
	FlushBatchSize  int
	QueueCapacity   int
	MaxRowsPerFile  int
	RetentionWindow time.Duration

	// MongoURI configures an optional "production mode" external sink.
	MongoURI string
	MongoDB  string

	Logger telemetry.Logger
}

// Log is the process-wide singleton event log. It owns exactly one writer goroutine
// draining a bounded channel, so producers never contend on the sinks.
type Log struct {
	opts Options

	queue  chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	columnar *ColumnarSink
	jsonl    *JSONLSink
	mongo    *mongo.Collection // nil unless MongoURI configured and reachable

	errFile *os.File
	logger  telemetry.Logger
}

// NewLog constructs and starts a Log's background writer. Failure to open the
// local sinks is fatal (they are the only durable guarantee); failure to
// reach an optional Mongo backend is not.
func NewLog(opts Options) (*Log, error) {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.FlushBatchSize <= 0 {
		opts.FlushBatchSize = 128
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 4096
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}

	columnar, err := NewColumnarSink(opts.ColumnarDir, opts.MaxRowsPerFile, opts.RetentionWindow)
	if err != nil {
		return nil, err
	}
	jsonl, err := NewJSONLSink(opts.JSONLDir)
	if err != nil {
		return nil, err
	}

	var errFile *os.File
	if opts.ErrorFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.ErrorFile), 0o755); err == nil {
			errFile, _ = os.OpenFile(opts.ErrorFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		}
	}

	l := &Log{
		opts:     opts,
		queue:    make(chan Event, opts.QueueCapacity),
		done:     make(chan struct{}),
		columnar: columnar,
		jsonl:    jsonl,
		errFile:  errFile,
		logger:   opts.Logger,
	}

	if opts.MongoURI != "" {
		l.connectMongoLazily()
	}

	l.wg.Add(1)
	go l.writeLoop()
	return l, nil
}

// connectMongoLazily attempts one connection; on failure it logs a warning
// and leaves l.mongo nil, so every subsequent write silently uses only the
// local sinks.
func (l *Log) connectMongoLazily() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := mongo.Connect(options.Client().ApplyURI(l.opts.MongoURI))
	if err != nil {
		l.logger.Warn(ctx, "eventlog: mongo connect failed, falling back to local sinks", "error", err)
		return
	}
	if err := client.Ping(ctx, nil); err != nil {
		l.logger.Warn(ctx, "eventlog: mongo ping failed, falling back to local sinks", "error", err)
		return
	}
	l.mongo = client.Database(l.opts.MongoDB).Collection("echoes")
}

// Log enqueues an event. Non-blocking: a full queue drops the event (error
// events are never dropped).
func (l *Log) Log(e Event) {
	select {
	case l.queue <- e:
	default:
		if e.NodeKind == NodeError {
			l.queue <- e // error events block rather than drop
			return
		}
		l.logWriteError(fmt.Errorf("eventlog: queue full, dropped non-critical event kind=%s", e.NodeKind))
	}
}

// Flush blocks until every event enqueued before this call is durable.
func (l *Log) Flush() error {
	sentinel := make(chan struct{})
	l.queue <- Event{NodeKind: "__flush__", Metadata: map[string]any{"__ack__": sentinel}}
	<-sentinel
	var errs []error
	if err := l.jsonl.Flush(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Close flushes and stops the writer goroutine; call from a shutdown hook.
func (l *Log) Close() error {
	close(l.done)
	l.wg.Wait()
	var firstErr error
	if err := l.columnar.Close(); err != nil {
		firstErr = err
	}
	if err := l.jsonl.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if l.errFile != nil {
		l.errFile.Close()
	}
	return firstErr
}

func (l *Log) writeLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()

	pending := 0
	for {
		select {
		case e := <-l.queue:
			if e.NodeKind == "__flush__" {
				l.drainPending(&pending)
				if ack, ok := e.Metadata["__ack__"].(chan struct{}); ok {
					close(ack)
				}
				continue
			}
			l.write(e)
			pending++
			if pending >= l.opts.FlushBatchSize {
				l.drainPending(&pending)
			}
		case <-ticker.C:
			l.drainPending(&pending)
		case <-l.done:
			// drain whatever remains without blocking further
			for {
				select {
				case e := <-l.queue:
					if e.NodeKind != "__flush__" {
						l.write(e)
					}
				default:
					l.drainPending(&pending)
					return
				}
			}
		}
	}
}

func (l *Log) drainPending(pending *int) {
	if *pending == 0 {
		return
	}
	if err := l.columnar.Roll(); err != nil {
		l.logWriteError(err)
	}
	if err := l.jsonl.Flush(); err != nil {
		l.logWriteError(err)
	}
	*pending = 0
}

func (l *Log) write(e Event) {
	if err := l.columnar.Append(e); err != nil {
		l.logWriteError(err)
	}
	if err := l.jsonl.Append(e); err != nil {
		l.logWriteError(err)
	}
	if l.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := l.mongo.InsertOne(ctx, e)
		cancel()
		if err != nil {
			l.logWriteError(fmt.Errorf("mongo insert: %w", err))
		}
	}
}

// logWriteError never propagates to producers: it is written to the dedicated error file and logged.
func (l *Log) logWriteError(err error) {
	l.logger.Error(context.Background(), "eventlog: sink write error", "error", err)
	if l.errFile != nil {
		fmt.Fprintf(l.errFile, "%s\t%v\n", time.Now().Format(time.RFC3339Nano), err)
	}
}

// QuerySession reads the JSONL sink for a single session.
func (l *Log) QuerySession(sessionID string) ([]Event, error) {
	return l.jsonl.QuerySession(sessionID)
}

// ColumnarGlob returns the file glob query_columnar should scan (handed to
// the OLAP adapter's `read_parquet` by the "logs query" CLI path).
func (l *Log) ColumnarGlob() string { return l.columnar.Glob() }

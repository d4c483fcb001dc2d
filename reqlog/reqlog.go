// Package reqlog persists finished completions to SQLite.
package reqlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"streaminfer/infer"
)

// Record is one finished choice.
type Record struct {
	RequestID        string    `json:"request_id"`
	ChoiceIndex      int       `json:"choice_index"`
	Model            string    `json:"model"`
	Content          string    `json:"content"`
	FinishReason     string    `json:"finish_reason"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Streamed         bool      `json:"streamed"`
	LoggedAt         time.Time `json:"logged_at"`
}

// Store writes records in the background. It implements infer.Metric so it
// can observe engine calls directly.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger

	queue chan Record
	wg    sync.WaitGroup

	mu      sync.Mutex
	streams map[string]*streamState
	closed  bool
}

// streamState accumulates the deltas of one streamed request.
type streamState struct {
	content map[int]*strings.Builder
	done    map[int]bool
}

// Open opens (and initializes) the log at path. ":memory:" keeps it in
// memory.
func Open(path string, log *zap.SugaredLogger) (*Store, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	dsn := ":memory:"
	if path != ":memory:" {
		if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to ensure request log directory: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open request log: %w", err)
	}
	// one connection keeps :memory: databases alive and serializes writers
	db.SetMaxOpenConns(1)
	if err := bootstrap(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:      db,
		log:     log,
		queue:   make(chan Record, 256),
		streams: make(map[string]*streamState),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

func bootstrap(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS completions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			choice_index INTEGER NOT NULL,
			model TEXT NOT NULL,
			content TEXT NOT NULL,
			finish_reason TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			streamed INTEGER NOT NULL,
			logged_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS completions_request ON completions (request_id);
	`); err != nil {
		return fmt.Errorf("failed to create completions table: %w", err)
	}
	return nil
}

func (s *Store) Reset() {}

// Update queues a record for every finished choice in output.
func (s *Store) Update(output any) {
	switch r := output.(type) {
	case *infer.ChatCompletionResponse:
		if r == nil {
			return
		}
		for _, c := range r.Choices {
			reason := ""
			if c.FinishReason != nil {
				reason = string(*c.FinishReason)
			}
			s.enqueue(Record{
				RequestID:        r.ID,
				ChoiceIndex:      c.Index,
				Model:            r.Model,
				Content:          c.Message.Content,
				FinishReason:     reason,
				PromptTokens:     r.Usage.PromptTokens,
				CompletionTokens: r.Usage.CompletionTokens,
			})
		}
	case *infer.ChatCompletionStreamResponse:
		if r != nil {
			s.observeChunk(r)
		}
	}
}

func (s *Store) observeChunk(r *infer.ChatCompletionStreamResponse) {
	var finished []Record

	s.mu.Lock()
	st, ok := s.streams[r.ID]
	if !ok {
		st = &streamState{content: make(map[int]*strings.Builder), done: make(map[int]bool)}
		s.streams[r.ID] = st
	}
	for _, c := range r.Choices {
		b, ok := st.content[c.Index]
		if !ok {
			b = &strings.Builder{}
			st.content[c.Index] = b
		}
		b.WriteString(c.Delta.Content)
		if c.FinishReason == nil {
			continue
		}
		st.done[c.Index] = true
		finished = append(finished, Record{
			RequestID:        r.ID,
			ChoiceIndex:      c.Index,
			Model:            r.Model,
			Content:          b.String(),
			FinishReason:     string(*c.FinishReason),
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			Streamed:         true,
		})
	}
	if len(st.done) == len(st.content) && len(finished) > 0 {
		delete(s.streams, r.ID)
	}
	s.mu.Unlock()

	for _, rec := range finished {
		s.enqueue(rec)
	}
}

func (s *Store) enqueue(rec Record) {
	rec.LoggedAt = time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- rec:
	default:
		s.log.Warnw("request log queue full, writing synchronously", "request_id", rec.RequestID)
		if err := s.insert(context.Background(), []Record{rec}); err != nil {
			s.log.Errorw("failed to log request", "request_id", rec.RequestID, "error", err)
		}
	}
}

// writeLoop batches queued records into transactions.
func (s *Store) writeLoop() {
	defer s.wg.Done()
	for rec := range s.queue {
		batch := []Record{rec}
	drain:
		for len(batch) < 64 {
			select {
			case more, ok := <-s.queue:
				if !ok {
					break drain
				}
				batch = append(batch, more)
			default:
				break drain
			}
		}
		if err := s.insert(context.Background(), batch); err != nil {
			s.log.Errorw("failed to log requests", "count", len(batch), "error", err)
		}
	}
}

func (s *Store) insert(ctx context.Context, recs []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO completions
		(request_id, choice_index, model, content, finish_reason, prompt_tokens, completion_tokens, streamed, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx, r.RequestID, r.ChoiceIndex, r.Model, r.Content, r.FinishReason,
			r.PromptTokens, r.CompletionTokens, r.Streamed, r.LoggedAt.UnixMilli()); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert %s: %w", r.RequestID, err)
		}
	}
	return tx.Commit()
}

// Flush waits until every queued record is written, then stops the writer.
// The store stays readable.
func (s *Store) Flush() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
}

// Close flushes pending records and closes the database.
func (s *Store) Close() error {
	s.Flush()
	return s.db.Close()
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be greater than zero")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT request_id, choice_index, model, content, finish_reason,
		prompt_tokens, completion_tokens, streamed, logged_at
		FROM completions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query request log: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r  Record
			ts int64
		)
		if err := rows.Scan(&r.RequestID, &r.ChoiceIndex, &r.Model, &r.Content, &r.FinishReason,
			&r.PromptTokens, &r.CompletionTokens, &r.Streamed, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan request log row: %w", err)
		}
		r.LoggedAt = time.UnixMilli(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

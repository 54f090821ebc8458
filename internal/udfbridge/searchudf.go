package udfbridge

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/marcboeker/go-duckdb"

	"github.com/ryrobes/larsql-sub001/internal/cerrs"
	"github.com/ryrobes/larsql-sub001/internal/olap"
	"github.com/ryrobes/larsql-sub001/internal/search"
)

// registerSearchUDFs wires the JSON-producing search functions the
// rewriter emits inside read_json_auto(...). Each returns a JSON array of
// {id, score, payload} rows.
func (b *Bridge) registerSearchUDFs() error {
	udfs := []olap.ScalarUDF{
		{Name: "vector_search_json", Arity: 5, Returns: duckdb.TYPE_VARCHAR,
			Fn: func(args []string) (any, error) { return b.searchJSON(search.KindVector, args) }},
		{Name: "hybrid_search_json", Arity: 6, Returns: duckdb.TYPE_VARCHAR,
			Fn: func(args []string) (any, error) { return b.searchJSON(search.KindHybrid, args) }},
		{Name: "keyword_search_json", Arity: 4, Returns: duckdb.TYPE_VARCHAR,
			Fn: func(args []string) (any, error) { return b.searchJSON(search.KindKeyword, args) }},
		{Name: "elastic_search_json", Arity: 4, Returns: duckdb.TYPE_VARCHAR,
			Fn: func(args []string) (any, error) { return b.searchJSON(search.KindElastic, args) }},
	}
	for _, u := range udfs {
		if err := b.opts.Engine.RegisterScalarUDF(u); err != nil {
			return err
		}
	}
	return nil
}

// searchJSON serves one search call: args are (query, table, column, k[,
// extra...]). Hits whose stored column name differs from the requested one
// are filtered out, so a table embedded on several columns only answers
// for the column named in the statement.
func (b *Bridge) searchJSON(kind search.Kind, args []string) (any, error) {
	if b.opts.Search == nil {
		return nil, cerrs.New(cerrs.KindConfig, "udfbridge.searchJSON",
			fmt.Errorf("no search backend configured"))
	}
	queryText, table, column := args[0], args[1], args[2]
	k, err := strconv.Atoi(strings.TrimSpace(args[3]))
	if err != nil || k <= 0 {
		k = 10
	}
	q := search.Query{Kind: kind, Collection: table, Text: queryText, TopK: k}

	if kind == search.KindVector || kind == search.KindHybrid {
		if b.opts.Embedder == nil {
			return nil, cerrs.New(cerrs.KindConfig, "udfbridge.searchJSON",
				fmt.Errorf("no embedder configured for %s search", kind))
		}
		vec, err := b.opts.Embedder.Embed(b.baseCtx(), queryText)
		if err != nil {
			return nil, cerrs.New(cerrs.KindToolExecution, "udfbridge.searchJSON", err)
		}
		q.Vector = vec
	}

	minScore := 0.0
	if kind == search.KindVector && len(args) > 4 {
		minScore, _ = strconv.ParseFloat(strings.TrimSpace(args[4]), 64)
	}

	hits, err := b.opts.Search.Search(b.baseCtx(), q)
	if err != nil {
		return nil, cerrs.New(cerrs.KindToolExecution, "udfbridge.searchJSON", err)
	}

	type row struct {
		ID      string         `json:"id"`
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload,omitempty"`
	}
	rows := make([]row, 0, len(hits))
	for _, h := range hits {
		if h.Score < minScore {
			continue
		}
		if cn, ok := h.Payload["column_name"].(string); ok && cn != column {
			continue
		}
		rows = append(rows, row{ID: h.ID, Score: h.Score, Payload: h.Payload})
	}
	buf, err := json.Marshal(rows)
	if err != nil {
		return nil, err
	}
	return string(buf), nil
}

// embedUDF is rvbbit_embed(table, column, backend, batch_size, row_json):
// embed one row's column text and buffer it for a batched upsert into the
// search backend, tagging the payload with the column name so search calls
// can filter by it. Returns the stored point id.
func (b *Bridge) embedUDF(args []string) (any, error) {
	table, column, _, batchRaw, rowJSON := args[0], args[1], args[2], args[3], args[4]
	if b.opts.Indexer == nil {
		return nil, cerrs.New(cerrs.KindConfig, "udfbridge.embedUDF",
			fmt.Errorf("no search indexer configured"))
	}
	if b.opts.Embedder == nil {
		return nil, cerrs.New(cerrs.KindConfig, "udfbridge.embedUDF",
			fmt.Errorf("no embedder configured"))
	}

	var row map[string]any
	if err := json.Unmarshal([]byte(rowJSON), &row); err != nil {
		return nil, cerrs.New(cerrs.KindToolExecution, "udfbridge.embedUDF",
			fmt.Errorf("row is not valid JSON: %w", err))
	}
	text, _ := row[column].(string)
	if text == "" {
		text = fmt.Sprintf("%v", row[column])
	}

	vec, err := b.opts.Embedder.Embed(b.baseCtx(), text)
	if err != nil {
		return nil, cerrs.New(cerrs.KindToolExecution, "udfbridge.embedUDF", err)
	}

	payload := make(map[string]any, len(row)+1)
	for k, v := range row {
		payload[k] = v
	}
	payload["column_name"] = column

	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(table+"\x00"+column+"\x00"+rowJSON)).String()
	doc := search.Document{ID: id, Vector: vec, Payload: payload}

	batchSize, err := strconv.Atoi(strings.TrimSpace(batchRaw))
	if err != nil || batchSize <= 0 {
		batchSize = b.batchCap
	}

	b.embedMu.Lock()
	b.pending[table] = append(b.pending[table], doc)
	flush := len(b.pending[table]) >= batchSize
	var batch []search.Document
	if flush {
		batch = b.pending[table]
		b.pending[table] = nil
	}
	b.embedMu.Unlock()

	if flush {
		if err := b.opts.Indexer.Index(b.baseCtx(), table, batch); err != nil {
			return nil, cerrs.New(cerrs.KindToolExecution, "udfbridge.embedUDF", err)
		}
	}
	return id, nil
}

// FlushEmbeddings upserts any buffered embedding batches. The executor
// calls this after each statement so partial batches are never lost.
func (b *Bridge) FlushEmbeddings() error {
	b.embedMu.Lock()
	pending := b.pending
	b.pending = map[string][]search.Document{}
	b.embedMu.Unlock()

	for collection, docs := range pending {
		if len(docs) == 0 {
			continue
		}
		if err := b.opts.Indexer.Index(b.baseCtx(), collection, docs); err != nil {
			return cerrs.New(cerrs.KindToolExecution, "udfbridge.FlushEmbeddings", err)
		}
	}
	return nil
}

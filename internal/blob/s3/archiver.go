package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// ResultArchiver implements domain.ResultArchiver. Each run is written under
// {prefix}/{scope}/{generatedAt}/ as:
//
//	cleared_trades.jsonl
//	payments.jsonl
//	fees.jsonl
//	summary.json
type ResultArchiver struct {
	writer domain.BlobWriter
	prefix string
	audit  domain.AuditStore
}

// NewResultArchiver creates a ResultArchiver. audit may be nil.
func NewResultArchiver(writer domain.BlobWriter, prefix string, audit domain.AuditStore) *ResultArchiver {
	return &ResultArchiver{writer: writer, prefix: prefix, audit: audit}
}

// summary is results without the per-record lists, which go to JSONL files.
type summary struct {
	Scope         string               `json:"scope"`
	ClearedTrades int                  `json:"clearedTrades"`
	Payments      int                  `json:"payments"`
	Fees          int                  `json:"fees"`
	ImbalanceFee  *domain.ImbalanceFee `json:"imbalanceFee,omitempty"`
	ResidualLoad  []float64            `json:"residualLoad"`
	Balance       string               `json:"balance"`
	GeneratedAt   time.Time            `json:"generatedAt"`
}

// ArchiveResults uploads results and returns the directory it was written to.
func (a *ResultArchiver) ArchiveResults(ctx context.Context, results domain.ExperimentResults) (string, error) {
	if results.GeneratedAt.IsZero() {
		results.GeneratedAt = time.Now().UTC()
	}
	dir := archiveDir(a.prefix, results.Scope, results.GeneratedAt)

	trades, err := marshalJSONL(results.ClearedTrades)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive cleared trades: %w", err)
	}
	if err := a.put(ctx, path.Join(dir, "cleared_trades.jsonl"), trades, jsonlContentType); err != nil {
		return "", err
	}

	payments, err := marshalJSONL(results.Payments)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive payments: %w", err)
	}
	if err := a.put(ctx, path.Join(dir, "payments.jsonl"), payments, jsonlContentType); err != nil {
		return "", err
	}

	fees, err := marshalJSONL(results.Fees)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive fees: %w", err)
	}
	if err := a.put(ctx, path.Join(dir, "fees.jsonl"), fees, jsonlContentType); err != nil {
		return "", err
	}

	sum, err := json.MarshalIndent(summary{
		Scope:         results.Scope,
		ClearedTrades: len(results.ClearedTrades),
		Payments:      len(results.Payments),
		Fees:          len(results.Fees),
		ImbalanceFee:  results.ImbalanceFee,
		ResidualLoad:  results.ResidualLoad,
		Balance:       results.Balance.String(),
		GeneratedAt:   results.GeneratedAt,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: archive summary: %w", err)
	}
	if err := a.put(ctx, path.Join(dir, "summary.json"), sum, "application/json"); err != nil {
		return "", err
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.results", map[string]any{
			"path":    dir,
			"cleared": len(results.ClearedTrades),
			"balance": results.Balance.String(),
		}); err != nil {
			return dir, fmt.Errorf("s3blob: archive audit log: %w", err)
		}
	}
	return dir, nil
}

func (a *ResultArchiver) put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := a.writer.Put(ctx, key, data, contentType); err != nil {
		return fmt.Errorf("s3blob: archive %s: %w", key, err)
	}
	return nil
}

// archiveDir builds the key prefix of one run, e.g.
//
//	experiments/exp1-inst1-3/20261018T120000Z
func archiveDir(prefix, scope string, at time.Time) string {
	return path.Join(prefix, scope, at.UTC().Format("20060102T150405Z"))
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.ResultArchiver = (*ResultArchiver)(nil)

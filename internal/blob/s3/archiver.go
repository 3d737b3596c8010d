package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/vaultshift/internal/domain"
)

// historyPageSize bounds each store query made while exporting history.
const historyPageSize = 500

// HistoryStore is the slice of domain.MigrationStore the archiver reads.
type HistoryStore interface {
	ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.MigrationRecord, error)
}

// ReceiptArchiver implements domain.ReceiptArchiver. Each receipt is one
// JSON object stored under its position:
//
//	receipts/<position>/<migration id>.json
//
// Attempt history is exported separately as monthly JSONL files.
type ReceiptArchiver struct {
	writer  domain.BlobWriter
	reader  domain.BlobReader
	history HistoryStore
	audit   domain.AuditStore
}

// NewReceiptArchiver creates a ReceiptArchiver. history and audit may be nil,
// in which case ExportHistory is unavailable and nothing is audited.
func NewReceiptArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	history HistoryStore,
	audit domain.AuditStore,
) *ReceiptArchiver {
	return &ReceiptArchiver{
		writer:  writer,
		reader:  reader,
		history: history,
		audit:   audit,
	}
}

// ArchiveReceipt uploads receipt and returns its object path.
func (a *ReceiptArchiver) ArchiveReceipt(ctx context.Context, receipt domain.MigrationReceipt) (string, error) {
	if receipt.ID == "" {
		return "", fmt.Errorf("s3blob: archive receipt: %w: empty migration id", domain.ErrInvalidInput)
	}
	buf, err := json.Marshal(domain.NewReceiptDocument(receipt))
	if err != nil {
		return "", fmt.Errorf("s3blob: archive receipt %s marshal: %w", receipt.ID, err)
	}

	path := receiptPath(receipt.PositionID, receipt.ID)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive receipt %s upload: %w", receipt.ID, err)
	}
	return path, nil
}

// LoadReceipt reads back an archived receipt. A receipt that was never
// archived yields domain.ErrNotFound.
func (a *ReceiptArchiver) LoadReceipt(ctx context.Context, position domain.PositionID, id string) (domain.MigrationReceipt, error) {
	body, err := a.reader.Get(ctx, receiptPath(position, id))
	if err != nil {
		return domain.MigrationReceipt{}, fmt.Errorf("s3blob: load receipt %s: %w", id, err)
	}
	defer body.Close()

	var doc domain.ReceiptDocument
	if err := json.NewDecoder(body).Decode(&doc); err != nil {
		return domain.MigrationReceipt{}, fmt.Errorf("s3blob: load receipt %s decode: %w", id, err)
	}
	receipt, err := doc.Receipt()
	if err != nil {
		return domain.MigrationReceipt{}, fmt.Errorf("s3blob: load receipt %s: %w", id, err)
	}
	return receipt, nil
}

// ListReceipts returns the archived receipt objects of position.
func (a *ReceiptArchiver) ListReceipts(ctx context.Context, position domain.PositionID) ([]domain.BlobInfo, error) {
	infos, err := a.reader.List(ctx, receiptPrefix(position))
	if err != nil {
		return nil, fmt.Errorf("s3blob: list receipts of %d: %w", position, err)
	}
	return infos, nil
}

// ExportHistory writes every migration attempt created before the cutoff
// to archive/migrations/YYYY-MM.jsonl and records the export in the audit
// log. An existing export for the same month is left untouched. It returns
// the number of exported records.
func (a *ReceiptArchiver) ExportHistory(ctx context.Context, before time.Time) (int64, error) {
	if a.history == nil {
		return 0, fmt.Errorf("s3blob: export history: no history store configured")
	}

	path := archivePath("migrations", before)
	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: export history: %w", err)
	}
	if exists {
		return 0, nil
	}

	var rows []domain.RecordDocument
	for offset := 0; ; offset += historyPageSize {
		page, err := a.history.ListRecent(ctx, domain.ListOpts{
			Limit:  historyPageSize,
			Offset: offset,
			Until:  &before,
		})
		if err != nil {
			return 0, fmt.Errorf("s3blob: export history query: %w", err)
		}
		for _, rec := range page {
			rows = append(rows, domain.NewRecordDocument(rec))
		}
		if len(page) < historyPageSize {
			break
		}
	}
	if len(rows) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: export history marshal: %w", err)
	}
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: export history upload: %w", err)
	}

	count := int64(len(rows))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.migrations", map[string]any{
			"path":   path,
			"count":  count,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: export history audit log: %w", err)
		}
	}
	return count, nil
}

func receiptPrefix(position domain.PositionID) string {
	return "receipts/" + strconv.FormatUint(uint64(position), 10) + "/"
}

func receiptPath(position domain.PositionID, id string) string {
	return receiptPrefix(position) + id + ".json"
}

// archivePath builds the key of a monthly export, partitioned by the
// year-month of the cutoff.
//
//	archive/migrations/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

// marshalJSONL encodes records as newline-delimited JSON.
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

var _ domain.ReceiptArchiver = (*ReceiptArchiver)(nil)

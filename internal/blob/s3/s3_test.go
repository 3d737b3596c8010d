package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/vaultshift/internal/domain"
)

type memBlobs struct {
	objects map[string][]byte
	types   map[string]string
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for p, b := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

type pagedHistory struct {
	records []domain.MigrationRecord
	calls   int
}

func (h *pagedHistory) ListRecent(_ context.Context, opts domain.ListOpts) ([]domain.MigrationRecord, error) {
	h.calls++
	if opts.Offset >= len(h.records) {
		return nil, nil
	}
	end := min(opts.Offset+opts.Limit, len(h.records))
	return h.records[opts.Offset:end], nil
}

type auditRecorder struct {
	events []string
}

func (a *auditRecorder) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *auditRecorder) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func testReceipt() domain.MigrationReceipt {
	owner := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	return domain.MigrationReceipt{
		ID:                  "mig-1",
		PositionID:          42,
		Caller:              owner,
		DestinationOwner:    owner,
		CollateralOwner:     owner,
		FeeRecipient:        common.HexToAddress("0x00000000000000000000000000000000000000fe"),
		MigratedCollateral:  uint256.NewInt(100),
		Fee:                 uint256.NewInt(3),
		DepositedCollateral: uint256.NewInt(97),
		RepaidDebt:          uint256.NewInt(50),
		FlashBorrowed:       uint256.NewInt(50),
		FlashFee:            uint256.NewInt(1),
		Drawn:               uint256.NewInt(52),
		Converted:           uint256.NewInt(51),
		Surplus:             new(uint256.Int),
		SourceBefore:        domain.Position{ID: 42, Owner: owner, Collateral: uint256.NewInt(100), Debt: uint256.NewInt(50)},
		CompletedAt:         time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC),
	}
}

func TestArchiveReceiptRoundTrip(t *testing.T) {
	blobs := newMemBlobs()
	a := NewReceiptArchiver(blobs, blobs, nil, nil)
	ctx := context.Background()

	path, err := a.ArchiveReceipt(ctx, testReceipt())
	require.NoError(t, err)
	assert.Equal(t, "receipts/42/mig-1.json", path)
	assert.Equal(t, "application/json", blobs.types[path])

	var doc domain.ReceiptDocument
	require.NoError(t, json.Unmarshal(blobs.objects[path], &doc))
	assert.Equal(t, "97", doc.DepositedCollateral)

	got, err := a.LoadReceipt(ctx, 42, "mig-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(97), got.DepositedCollateral.Uint64())
	assert.Equal(t, uint64(52), got.Drawn.Uint64())
	assert.True(t, got.CompletedAt.Equal(testReceipt().CompletedAt))

	infos, err := a.ListReceipts(ctx, 42)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, path, infos[0].Path)

	infos, err = a.ListReceipts(ctx, 4)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestArchiveReceiptRequiresID(t *testing.T) {
	blobs := newMemBlobs()
	a := NewReceiptArchiver(blobs, blobs, nil, nil)
	r := testReceipt()
	r.ID = ""
	_, err := a.ArchiveReceipt(context.Background(), r)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Empty(t, blobs.objects)
}

func TestLoadReceiptMissing(t *testing.T) {
	blobs := newMemBlobs()
	a := NewReceiptArchiver(blobs, blobs, nil, nil)
	_, err := a.LoadReceipt(context.Background(), 1, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExportHistory(t *testing.T) {
	blobs := newMemBlobs()
	history := &pagedHistory{}
	receipt := testReceipt()
	for i := 0; i < historyPageSize+3; i++ {
		rec := domain.MigrationRecord{ID: "r", PositionID: 42, Status: domain.MigrationFailed, ErrorKind: domain.KindSlippageExceeded}
		if i == 0 {
			rec.Status = domain.MigrationSucceeded
			rec.ErrorKind = domain.KindNone
			rec.Receipt = &receipt
		}
		history.records = append(history.records, rec)
	}
	audit := &auditRecorder{}
	a := NewReceiptArchiver(blobs, blobs, history, audit)

	before := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	n, err := a.ExportHistory(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, int64(historyPageSize+3), n)
	assert.Equal(t, 2, history.calls)
	assert.Equal(t, []string{"archive.migrations"}, audit.events)

	data := blobs.objects["archive/migrations/2025-04.jsonl"]
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, historyPageSize+3)
	var first domain.RecordDocument
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NotNil(t, first.Receipt)
	assert.Equal(t, "mig-1", first.Receipt.ID)
	assert.Contains(t, lines[1], `"error_kind":"SlippageExceeded"`)

	// A second export for the same month is a no-op.
	n, err = a.ExportHistory(context.Background(), before)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, history.calls)
}

func TestExportHistoryEmpty(t *testing.T) {
	blobs := newMemBlobs()
	a := NewReceiptArchiver(blobs, blobs, &pagedHistory{}, nil)
	n, err := a.ExportHistory(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blobs.objects)

	_, err = NewReceiptArchiver(blobs, blobs, nil, nil).ExportHistory(context.Background(), time.Now())
	assert.Error(t, err)
}

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "http://localhost:9000", endpointURL("localhost:9000", false))
	assert.Equal(t, "https://minio.internal", endpointURL("minio.internal", true))
	assert.Equal(t, "http://127.0.0.1:9000", endpointURL("http://127.0.0.1:9000", true))
}

func TestBucketKeys(t *testing.T) {
	for prefix, want := range map[string]string{
		"":          "receipts/1/a.json",
		"/":         "receipts/1/a.json",
		"mainnet":   "mainnet/receipts/1/a.json",
		"/mainnet/": "mainnet/receipts/1/a.json",
		"a//b":      "a/b/receipts/1/a.json",
	} {
		b := &Bucket{prefix: cleanPrefix(prefix)}
		assert.Equal(t, want, b.key("/receipts/1/a.json"), "prefix %q", prefix)
	}
}

func TestOpenBucketValidates(t *testing.T) {
	_, err := OpenBucket(context.Background(), BucketConfig{Region: "us-east-1"})
	assert.ErrorContains(t, err, "bucket name")
	_, err = OpenBucket(context.Background(), BucketConfig{Name: "r"})
	assert.ErrorContains(t, err, "region")

	b, err := OpenBucket(context.Background(), BucketConfig{
		Name: "r", Region: "us-east-1", Prefix: "dev", AccessKey: "a", SecretKey: "s",
		Endpoint: "localhost:9000", ForcePathStyle: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "dev/x", b.key("x"))
}

func TestMissing(t *testing.T) {
	assert.True(t, missing(&types.NoSuchKey{}))
	assert.True(t, missing(fmt.Errorf("wrapped: %w", &types.NotFound{})))
	assert.False(t, missing(nil))
	assert.False(t, missing(io.ErrUnexpectedEOF))
}

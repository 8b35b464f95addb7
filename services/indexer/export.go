package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetEvent struct {
	ID          string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Sequence    int64  `parquet:"name=sequence, type=INT64"`
	Type        string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset       string `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	FlowID      int64  `parquet:"name=flow_id, type=INT64"`
	PositionID  int64  `parquet:"name=position_id, type=INT64"`
	Attributes  string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	Fingerprint string `parquet:"name=fingerprint, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt   string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

const exportPageSize = 500

// Export writes every event after sequence `after` into a parquet file in dir
// and returns its path together with the number of rows written.
func (ix *Indexer) Export(ctx context.Context, dir string, after uint64) (string, int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("indexer: export dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("events-%d-%s.parquet", after, ix.clock().UTC().Format("20060102T150405Z")))
	file, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("indexer: create parquet: %w", err)
	}
	pw, err := writer.NewParquetWriter(writerfile.NewWriterFile(file), new(parquetEvent), 1)
	if err != nil {
		file.Close()
		return "", 0, fmt.Errorf("indexer: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	rows := 0
	cursor := after
	for {
		page, err := ix.Events(ctx, Filter{AfterSequence: cursor, Limit: exportPageSize})
		if err != nil {
			pw.WriteStop()
			file.Close()
			return "", rows, err
		}
		for _, rec := range page {
			row := &parquetEvent{
				ID:          rec.ID.String(),
				Sequence:    int64(rec.Sequence),
				Type:        rec.Type,
				Asset:       rec.Asset,
				FlowID:      int64(rec.FlowID),
				PositionID:  int64(rec.PositionID),
				Attributes:  rec.Attributes,
				Fingerprint: rec.Fingerprint,
				CreatedAt:   rec.CreatedAt.Format(time.RFC3339),
			}
			if err := pw.Write(row); err != nil {
				pw.WriteStop()
				file.Close()
				return "", rows, fmt.Errorf("indexer: parquet write: %w", err)
			}
			rows++
			cursor = rec.Sequence
		}
		if len(page) < exportPageSize {
			break
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return "", rows, fmt.Errorf("indexer: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", rows, fmt.Errorf("indexer: close parquet: %w", err)
	}
	ix.logger.Info("exported events", "path", path, "rows", rows)
	return path, rows, nil
}

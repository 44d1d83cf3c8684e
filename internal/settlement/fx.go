package settlement

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/paymeter/settle/internal/config"
	"github.com/paymeter/settle/internal/settlement/reader"
	"github.com/paymeter/settle/internal/settlement/retry"
	"github.com/paymeter/settle/internal/settlement/store"
	"github.com/paymeter/settle/internal/settlement/writer"
)

var Module = fx.Module("settlement",
	fx.Provide(
		store.New,
		func(db *gorm.DB, cfg config.Config) *reader.TargetReader {
			return reader.New(db, cfg.Batch.ChunkSize)
		},
		writer.New,
		retry.New,
		NewRunner,
	),
)

package category

import (
	"context"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("category",
	fx.Provide(func(gdb *gorm.DB) (*Registry, error) {
		return Load(context.Background(), gdb)
	}),
)

package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/paymeter/settle/internal/attempt"
	"github.com/paymeter/settle/internal/category"
	"github.com/paymeter/settle/internal/clock"
	"github.com/paymeter/settle/internal/config"
	"github.com/paymeter/settle/internal/events"
	"github.com/paymeter/settle/internal/migration"
	"github.com/paymeter/settle/internal/observability"
	"github.com/paymeter/settle/internal/scheduler"
	"github.com/paymeter/settle/internal/seed"
	"github.com/paymeter/settle/internal/server"
	"github.com/paymeter/settle/internal/settlement"
	"github.com/paymeter/settle/pkg/db"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		fx.Invoke(func(conn *gorm.DB) error {
			return seed.EnsureCategories(conn)
		}),
		clock.Module,

		category.Module,
		events.Module,
		attempt.Module,
		settlement.Module,
		scheduler.Module,

		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Invoke(func(s *server.Server) {
			s.RegisterAPIRoutes()
		}),
		fx.Invoke(server.RunHTTP),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

package store

import (
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Store is the raw SQL persistence layer for settlement runs. Methods that
// belong to a chunk transaction take the transaction handle explicitly so
// callers decide the commit boundary.
type Store struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func New(db *gorm.DB, genID *snowflake.Node) *Store {
	return &Store{db: db, genID: genID}
}

// DB exposes the underlying pool for transaction scoping.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) NewID() snowflake.ID {
	return s.genID.Generate()
}

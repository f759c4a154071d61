package store

import (
	"github.com/fuse-drs/drs-provider/internal/store/model"
	"gorm.io/gorm"
)

type Store interface {
	Task() Task
	InitialMigration() error
	Close() error
}

type DataStore struct {
	db   *gorm.DB
	task Task
}

func NewStore(db *gorm.DB) Store {
	return &DataStore{
		task: NewTaskStore(db),
		db:   db,
	}
}

func (s *DataStore) Task() Task {
	return s.task
}

// InitialMigration creates the schema with gorm. It is meant for sqlite and
// development databases; postgres deployments run the goose migrations.
func (s *DataStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Task{})
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

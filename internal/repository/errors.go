package repository

import (
	"errors"

	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStaleStatus is returned when a conditional status update matched no row
	// because another unit of work already moved the record on.
	ErrStaleStatus = errors.New("record status changed concurrently")
	ErrOpenTransactionExists = errors.New("payment already has a non-terminal provider transaction")
)

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

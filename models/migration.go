package models

import (
	"gorm.io/gorm"
)

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&Obligation{},
		&Movement{},
		&StatementPeriod{},
		&AdvancePayment{},
		&AdvanceConsumption{},
		&SplitGroup{},
		&SplitInstrument{},
		&ReconciliationRecord{},
		&OutboxMessage{},
		&IdempotencyKey{},
	)
}

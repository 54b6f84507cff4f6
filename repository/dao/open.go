package dao

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Dialector 根据驱动名称选择gorm方言
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(driver) {
	case DriverSQLite, "sqlite3":
		return sqlite.Open(dsn), nil
	case DriverPostgres, "postgresql", "pg":
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

// Open 打开数据库并初始化调度表
func Open(driver, dsn string) (*gorm.DB, error) {
	dialector, err := Dialector(driver, dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}

	if err = InitTable(db); err != nil {
		return nil, fmt.Errorf("init %s store: %w", driver, err)
	}

	return db, nil
}

package db

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fleetgate/pkg/model"
)

// settings locate the admin users database. Read from the environment,
// which main seeds from .env before anything else runs.
type settings struct {
	host string
	port string
	user string
	pass string
	name string
}

func fromEnv() settings {
	return settings{
		host: getenv("MYSQL_HOST", "127.0.0.1"),
		port: getenv("MYSQL_PORT", "3306"),
		user: getenv("MYSQL_USER", "root"),
		pass: getenv("MYSQL_PASS", ""),
		name: getenv("MYSQL_DB", "fleetgate"),
	}
}

func (s settings) dsn() string {
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		return v
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		s.user, s.pass, s.host, s.port, s.name)
}

// serverDSN omits the database so the bootstrap connection can create it.
func (s settings) serverDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/", s.user, s.pass, s.host, s.port)
}

// Open connects to the users database and migrates the schema. A missing
// database is created on the fly so a fresh gateway needs no manual DDL.
func Open() (*gorm.DB, error) {
	s := fromEnv()
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	gdb, err := gorm.Open(mysql.Open(s.dsn()), cfg)
	if err != nil {
		if !strings.Contains(err.Error(), "Unknown database") {
			return nil, fmt.Errorf("open users db: %w", err)
		}
		if cerr := s.createDatabase(); cerr != nil {
			return nil, fmt.Errorf("create users db: %w", cerr)
		}
		if gdb, err = gorm.Open(mysql.Open(s.dsn()), cfg); err != nil {
			return nil, fmt.Errorf("open users db: %w", err)
		}
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(8)

	if err := gdb.AutoMigrate(&model.User{}); err != nil {
		return nil, fmt.Errorf("migrate users db: %w", err)
	}
	return gdb, nil
}

func (s settings) createDatabase() error {
	conn, err := sql.Open("mysql", s.serverDSN())
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` DEFAULT CHARACTER SET utf8mb4", s.name))
	return err
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

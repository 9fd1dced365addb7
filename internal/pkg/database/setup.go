package database

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ManuelReschke/OrgAdmin/app/models"
	"github.com/ManuelReschke/OrgAdmin/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// DB is the shared connection opened by SetupDatabase.
var DB *gorm.DB

// Driver returns DB_DRIVER, defaulting to mysql.
func Driver() string {
	if env.GetEnv("DB_DRIVER", DriverMySQL) == DriverPostgres {
		return DriverPostgres
	}
	return DriverMySQL
}

// DSN builds the connection string for driver from DB_* variables.
func DSN(driver string) string {
	if driver == DriverPostgres {
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			env.GetEnv("DB_HOST", "127.0.0.1"),
			env.GetEnv("DB_USER", ""),
			env.GetEnv("DB_PASSWORD", ""),
			env.GetEnv("DB_NAME", ""),
			env.GetEnv("DB_PORT", "5432"),
			env.GetEnv("DB_SSLMODE", "disable"),
		)
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)
}

func dialector(driver, dsn string) gorm.Dialector {
	if driver == DriverPostgres {
		return postgres.Open(dsn)
	}
	return mysql.New(mysql.Config{
		DSN:                       dsn,
		DefaultStringSize:         256,
		DontSupportRenameIndex:    true,
		DontSupportRenameColumn:   true,
		SkipInitializeWithVersion: false,
	})
}

// SetupDatabase connects with retries and, when DB_AUTO_MIGRATE is true,
// migrates the billing tables. Production schemas come from cmd/migrate.
func SetupDatabase() error {
	driver := Driver()
	dsn := DSN(driver)

	var err error
	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(dialector(driver, dsn), &gorm.Config{
			NowFunc: func() time.Time { return time.Now().UTC() },
		})
		if err == nil {
			if env.GetEnvBool("DB_AUTO_MIGRATE", false) {
				if mErr := AutoMigrate(DB); mErr != nil {
					return fmt.Errorf("auto migrate: %w", mErr)
				}
			}
			log.Infof("[Database] Connected (%s)", driver)
			return nil
		}

		log.Warnf("[Database] Failed to connect (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	return err
}

// AutoMigrate creates or updates the billing tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Organization{},
		&models.SubscriptionPlan{},
		&models.Subscription{},
		&models.SubscriptionPayment{},
		&models.WebhookEvent{},
	)
}

package db

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"k8s.io/apimachinery/pkg/util/errors"

	"github.com/aq-calibration/calibration-engine/pkg/util"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

type Options struct {
	dialect    string
	dbPath     string
	dbPort     int
	dbUsername string
	dbPassword string
	dbHost     string
	dbName     string
	dbLogLevel int
}

func (o *Options) Bind(fs *flag.FlagSet) {
	fs.StringVar(&o.dialect, "runs-db-dialect", util.GetEnv("RUNS_DB_DIALECT", ""), "Training run registry dialect: sqlite, postgres or empty to disable it")
	fs.StringVar(&o.dbPath, "runs-db-path", util.GetEnv("RUNS_DB_PATH", "assets/runs.db"), "SQLite database file")
	fs.IntVar(&o.dbPort, "db-port", util.GetEnvInt("RUNS_DB_PORT", 5432), "Database port number")
	fs.StringVar(&o.dbUsername, "db-username", util.GetEnv("RUNS_DB_USER", ""), "Database username")
	fs.StringVar(&o.dbPassword, "db-password", util.GetEnv("RUNS_DB_PASSWORD", ""), "Database password")
	fs.StringVar(&o.dbHost, "db-host", util.GetEnv("RUNS_DB_HOST", ""), "Database host")
	fs.StringVar(&o.dbName, "db-name", util.GetEnv("RUNS_DB_NAME", ""), "Database name")
	fs.IntVar(&o.dbLogLevel, "db-log-level", 1, "Database log level")
}

// Enabled reports whether a registry is configured.
func (o *Options) Enabled() bool {
	return o.dialect != ""
}

func (o *Options) Validate() error {
	var errs []error
	switch o.dialect {
	case "":
	case DialectSQLite:
		if o.dbPath == "" {
			errs = append(errs, fmt.Errorf("--runs-db-path is not specified"))
		}
	case DialectPostgres:
		if o.dbUsername == "" {
			errs = append(errs, fmt.Errorf("--db-username is not specified"))
		}
		if o.dbPassword == "" {
			errs = append(errs, fmt.Errorf("--db-password is not specified"))
		}
		if o.dbHost == "" {
			errs = append(errs, fmt.Errorf("--db-host is not specified"))
		}
		if o.dbName == "" {
			errs = append(errs, fmt.Errorf("--db-name is not specified"))
		}
	default:
		errs = append(errs, fmt.Errorf("--runs-db-dialect must be %s or %s, got %q", DialectSQLite, DialectPostgres, o.dialect))
	}
	return errors.NewAggregate(errs)
}

func (o *Options) dialector() (gorm.Dialector, error) {
	switch o.dialect {
	case DialectSQLite:
		if err := os.MkdirAll(filepath.Dir(o.dbPath), 0755); err != nil {
			return nil, err
		}
		return sqlite.Open(o.dbPath), nil
	case DialectPostgres:
		url := fmt.Sprintf("host=%s port=%v user=%s dbname=%s password=%s sslmode=disable",
			o.dbHost,
			o.dbPort,
			o.dbUsername,
			o.dbName,
			o.dbPassword)
		return postgres.Open(url), nil
	}
	return nil, fmt.Errorf("training run registry is not configured")
}

func (o *Options) connect() (*gorm.DB, error) {
	dialector, err := o.dialector()
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logger.LogLevel(o.dbLogLevel)),
	})
	if err != nil {
		return nil, err
	}
	return db.Session(&gorm.Session{
		QueryFields: true,
	}), nil
}

func (o *Options) NewRunStore() (RunStore, error) {
	db, err := o.connect()
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize database: %w", err)
	}
	if err = db.AutoMigrate(&TrainingRun{}); err != nil {
		return nil, err
	}
	return &runStore{db: db}, nil
}

package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// slowQueryThreshold marks the latency above which a query is logged at
// warn level even when SQL tracing is off.
const slowQueryThreshold = 200 * time.Millisecond

// gormZapAdapter routes GORM's internal logging (statements, slow-query
// warnings, errors) through the application's zap logger.
type gormZapAdapter struct {
	log   *zap.Logger
	level gormlogger.LogLevel
}

// newZapGORMLogger wraps log as a gormlogger.Interface. gormlogger.Silent
// disables everything; gormlogger.Info traces every statement.
func newZapGORMLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	// Skip through gorm's callback layers to the caller that issued the
	// query.
	return &gormZapAdapter{
		log:   log.WithOptions(zap.AddCallerSkip(3)),
		level: level,
	}
}

// LogMode is called by GORM to derive a logger at a different level, e.g.
// for db.Debug().
func (a *gormZapAdapter) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *a
	clone.level = level
	return &clone
}

func (a *gormZapAdapter) Info(_ context.Context, msg string, args ...interface{}) {
	if a.level >= gormlogger.Info {
		a.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (a *gormZapAdapter) Warn(_ context.Context, msg string, args ...interface{}) {
	if a.level >= gormlogger.Warn {
		a.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (a *gormZapAdapter) Error(_ context.Context, msg string, args ...interface{}) {
	if a.level >= gormlogger.Error {
		a.log.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace logs one executed statement with its latency and row count.
// ErrRecordNotFound is an application-level outcome, not a failure, and is
// never logged as an error.
func (a *gormZapAdapter) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if a.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("caller", utils.FileWithLineNum()),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		a.log.Error("gorm query error", append(fields, zap.Error(err))...)
	case elapsed > slowQueryThreshold:
		a.log.Warn("gorm slow query", fields...)
	case a.level >= gormlogger.Info:
		a.log.Debug("gorm query", fields...)
	}
}

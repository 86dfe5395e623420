package api

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/orbital-hq/orbital/common"
	"github.com/orbital-hq/orbital/db"
)

const (
	accessLogBuffer        = 1024
	accessLogFlushInterval = 5 * time.Second
	accessLogBatchSize     = 100
)

// accessLogger batches per-request rows into the side log so the hot path
// never waits on the accounting table.
type accessLogger struct {
	sidelog *db.SideLog
	entries chan db.AccessLog
	done    chan struct{}
}

func newAccessLogger(sidelog *db.SideLog) *accessLogger {
	a := &accessLogger{
		sidelog: sidelog,
		entries: make(chan db.AccessLog, accessLogBuffer),
		done:    make(chan struct{}),
	}
	go a.flushLoop()
	return a
}

func (a *accessLogger) middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)

		entry := db.AccessLog{
			Method:        c.Request().Method,
			Path:          c.Request().URL.Path,
			Status:        c.Response().Status,
			Username:      usernameFromContext(c),
			IPAddress:     c.RealIP(),
			UserAgent:     c.Request().UserAgent(),
			RequestBytes:  c.Request().ContentLength,
			ResponseBytes: c.Response().Size,
			LatencyMS:     float64(time.Since(start).Microseconds()) / 1000.0,
			Timestamp:     start,
		}

		select {
		case a.entries <- entry:
		default:
			// Full buffer: drop the row rather than stall the request.
		}
		return err
	}
}

func (a *accessLogger) flushLoop() {
	ticker := time.NewTicker(accessLogFlushInterval)
	defer ticker.Stop()

	batch := make([]db.AccessLog, 0, accessLogBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := a.sidelog.SaveAccess(batch); err != nil {
			common.Logger.WithError(err).Warning("failed to flush access log batch")
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-a.entries:
			batch = append(batch, entry)
			if len(batch) >= accessLogBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-a.done:
			for {
				select {
				case entry := <-a.entries:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (a *accessLogger) stop() {
	close(a.done)
}

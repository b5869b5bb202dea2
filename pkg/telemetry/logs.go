// LogObserver derives log records from orphaned and failed spans.
// Emits WARN-severity logs for orphan closes and ERROR-severity logs for failed tools.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/log"
)

// LogObserver emits log records for notable span closes.
type LogObserver struct {
	logger log.Logger
}

// NewLogObserver creates a LogObserver that emits logs via the given LoggerProvider.
func NewLogObserver(lp log.LoggerProvider) *LogObserver {
	return &LogObserver{logger: lp.Logger(meterName)}
}

// Observe emits a WARN record for an orphan close and an ERROR record for a
// tool span that ended in error.
func (l *LogObserver) Observe(info CloseInfo) {
	attrs := []log.KeyValue{
		log.String("span.kind", string(info.Kind)),
		log.String("span.name", info.Name),
		log.Float64("duration_ms", millis(info.Duration)),
	}

	if info.Orphan {
		var rec log.Record
		rec.SetSeverity(log.SeverityWarn)
		rec.SetSeverityText("WARN")
		rec.SetBody(log.StringValue(fmt.Sprintf("orphan %s span closed (%s)", info.Kind, info.Reason)))
		rec.AddAttributes(attrs...)
		rec.AddAttributes(log.String("close.reason", info.Reason))
		l.logger.Emit(context.Background(), rec)
	}

	if info.IsError && info.Kind == KindTool {
		var rec log.Record
		rec.SetSeverity(log.SeverityError)
		rec.SetSeverityText("ERROR")
		rec.SetBody(log.StringValue(fmt.Sprintf("tool failed: %s", info.Name)))
		rec.AddAttributes(attrs...)
		l.logger.Emit(context.Background(), rec)
	}
}

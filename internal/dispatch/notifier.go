package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/Dhrubot/choukidar-sub001/internal/domain"
)

// LogNotifier satisfies Notifier by logging. Real delivery (SMS, email,
// pager) lives outside this core; deployments swap in their own.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("notify")}
}

func (n *LogNotifier) Notify(_ context.Context, r *domain.Report) {
	n.log.Info("incident notification",
		zap.String("report_id", r.ID),
		zap.Bool("gender_sensitive", r.GenderSensitive))
}

func (n *LogNotifier) Alert(_ context.Context, message string, err error) {
	n.log.Error("OPERATOR ALERT: "+message, zap.Error(err))
}

package observability

import "go.uber.org/zap"

// LogObserver writes events as structured zap entries.
type LogObserver struct {
	logger *zap.Logger
}

func NewLogObserver(logger *zap.Logger) *LogObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogObserver{logger: logger}
}

func (o *LogObserver) StateChanged(instanceID, from, to string) {
	o.logger.Info("registration state changed",
		zap.String("instance_id", instanceID),
		zap.String("from", from),
		zap.String("to", to))
}

func (o *LogObserver) CallFailed(op string, err error) {
	o.logger.Warn("registry call failed", zap.String("op", op), zap.Error(err))
}

func (o *LogObserver) HeartbeatThreshold(instanceID string, consecutive int) {
	o.logger.Warn("heartbeat keeps failing",
		zap.String("instance_id", instanceID),
		zap.Int("consecutive_failures", consecutive))
}

func (o *LogObserver) Refreshed(services, instances int, delta bool) {
	o.logger.Debug("registry refreshed",
		zap.Int("services", services),
		zap.Int("instances", instances),
		zap.Bool("delta", delta))
}

func (o *LogObserver) RefreshFailed(err error) {
	o.logger.Warn("registry refresh failed, keeping previous snapshot", zap.Error(err))
}

func (o *LogObserver) RecordRejected(err error) {
	o.logger.Warn("skipping malformed instance record", zap.Error(err))
}

func (o *LogObserver) ResolveMissed(service string, err error) {
	o.logger.Debug("no endpoint resolved", zap.String("service", service), zap.Error(err))
}

package chain

import "go.uber.org/zap"

// Observer receives the formatted prompts a chain sends and the raw
// responses it gets back, keyed by a per-invocation run ID. Implementations
// must be safe for concurrent use: branch calls invoke them in parallel.
type Observer interface {
	PromptFormatted(runID string, branch Branch, prompt string)
	ResponseReceived(runID string, generations []string)
}

// NoOpObserver is the default observer; it discards everything.
type NoOpObserver struct{}

func (NoOpObserver) PromptFormatted(runID string, branch Branch, prompt string) {}
func (NoOpObserver) ResponseReceived(runID string, generations []string)        {}

// ZapObserver logs prompts and responses through a zap logger.
type ZapObserver struct {
	logger *zap.Logger
}

// NewZapObserver creates an observer backed by logger. A nil logger falls
// back to zap's production configuration.
func NewZapObserver(logger *zap.Logger) *ZapObserver {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &ZapObserver{logger: logger}
}

// PromptFormatted implements Observer.
func (o *ZapObserver) PromptFormatted(runID string, branch Branch, prompt string) {
	fields := make([]zap.Field, 0, len(branch)+2)
	fields = append(fields, zap.String("runID", runID))
	for name, value := range branch {
		fields = append(fields, zap.String("input."+name, value))
	}
	fields = append(fields, zap.String("prompt", prompt))
	o.logger.Info("Formatted prompt", fields...)
}

// ResponseReceived implements Observer.
func (o *ZapObserver) ResponseReceived(runID string, generations []string) {
	o.logger.Info("Received generations",
		zap.String("runID", runID),
		zap.Int("count", len(generations)),
		zap.Strings("generations", generations))
}

// MultiObserver fans observer callbacks out to several observers in order.
type MultiObserver []Observer

// PromptFormatted implements Observer.
func (m MultiObserver) PromptFormatted(runID string, branch Branch, prompt string) {
	for _, o := range m {
		o.PromptFormatted(runID, branch, prompt)
	}
}

// ResponseReceived implements Observer.
func (m MultiObserver) ResponseReceived(runID string, generations []string) {
	for _, o := range m {
		o.ResponseReceived(runID, generations)
	}
}

package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

// ConnectionOpened is a no-op.
func (n *NoopCollector) ConnectionOpened(proto string) {}

// ConnectionClosed is a no-op.
func (n *NoopCollector) ConnectionClosed(proto string) {}

// CommandProcessed is a no-op.
func (n *NoopCollector) CommandProcessed(proto string, command string) {}

// MessageAccepted is a no-op.
func (n *NoopCollector) MessageAccepted(result string, sizeBytes int64) {}

// ForwardCompleted is a no-op.
func (n *NoopCollector) ForwardCompleted(outcome string) {}

// AuthAttempt is a no-op.
func (n *NoopCollector) AuthAttempt(proto string, success bool) {}

// MailboxLockConflict is a no-op.
func (n *NoopCollector) MailboxLockConflict() {}

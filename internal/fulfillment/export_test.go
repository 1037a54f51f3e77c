package fulfillment

// Stopping reports whether a Stop call is waiting for running work.
func (e *Engine) Stopping() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.stopping > 0
}

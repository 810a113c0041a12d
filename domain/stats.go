package domain

// StatsRepository provides counters over the stored data.
type StatsRepository interface {
	// CountGateways returns the number of known remote gateways.
	CountGateways() (int, error)
	// CountCaptured returns the number of captured requests.
	CountCaptured() (int, error)
	// CountLogs returns the number of log entries.
	CountLogs() (int, error)
}

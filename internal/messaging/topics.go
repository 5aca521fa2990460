package messaging

// Topic constants for miner messaging
const (
	TopicShareLog   = "miner.sharelog"    // gominer → sharelogd
	TopicPoolEvents = "miner.pool_events" // gominer → sharelogd, alerting
)

package message

// Payloads in this file never leave the process. They are posted onto a
// proactor's receive queue by the MQTT client goroutines and by timers.

// MQTTConnect reports a successful connection of the named client.
type MQTTConnect struct {
	ClientName string
}

func (*MQTTConnect) TypeName() string { return "mqtt.connect" }

// MQTTDisconnect reports a lost connection.
type MQTTDisconnect struct {
	ClientName string
	Reason     string
}

func (*MQTTDisconnect) TypeName() string { return "mqtt.disconnect" }

// MQTTConnectFail reports a failed connection attempt.
type MQTTConnectFail struct {
	ClientName string
	Reason     string
}

func (*MQTTConnectFail) TypeName() string { return "mqtt.connect.fail" }

// MQTTSuback reports that the broker acknowledged a subscription.
type MQTTSuback struct {
	ClientName string
	Topic      string
}

func (*MQTTSuback) TypeName() string { return "mqtt.suback" }

// MQTTReceipt carries raw bytes received on Topic.
type MQTTReceipt struct {
	ClientName string
	Topic      string
	Payload    []byte
}

func (*MQTTReceipt) TypeName() string { return "mqtt.receipt" }

// MQTTProblems reports a client-side failure that is not a connection
// transition, e.g. a rejected subscription.
type MQTTProblems struct {
	ClientName string
	Problem    string
}

func (*MQTTProblems) TypeName() string { return "mqtt.problems" }

// AckTimeout is posted when the ack timer for MessageID fires.
type AckTimeout struct {
	LinkName  string
	MessageID string
}

func (*AckTimeout) TypeName() string { return "proactor.ack.timeout" }

// PingCheck asks the dispatch loop to ping LinkName if it has been quiet.
type PingCheck struct {
	LinkName string
}

func (*PingCheck) TypeName() string { return "proactor.ping.check" }

// WatchdogCheck asks the dispatch loop to look for missed pats.
type WatchdogCheck struct{}

func (*WatchdogCheck) TypeName() string { return "proactor.watchdog.check" }

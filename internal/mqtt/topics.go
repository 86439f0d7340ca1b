//go:build !no_mqtt

package mqtt

import "strings"

// Topic layout under the configured prefix:
//
//	<prefix>/bridge/state     retained "online"/"offline" (also the LWT)
//	<prefix>/status           retained mesh status snapshot, JSON
//	<prefix>/events/<type>    one message per relay event, JSON data
//	<prefix>/command/<name>   inbound commands, JSON body

func bridgeStateTopic(prefix string) string {
	return prefix + "/bridge/state"
}

func statusTopic(prefix string) string {
	return prefix + "/status"
}

func eventTopic(prefix, eventType string) string {
	return prefix + "/events/" + eventType
}

func commandWildcard(prefix string) string {
	return prefix + "/command/+"
}

// commandFromTopic extracts the command name from a received topic, or ""
// when the topic does not match the command layout.
func commandFromTopic(prefix, topic string) string {
	rest, ok := strings.CutPrefix(topic, prefix+"/command/")
	if !ok || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}

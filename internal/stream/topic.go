package stream

// Topic names a logical event category. Topics are only used for routing.
type Topic string

const (
	TopicVehicleTracking Topic = "vehicle-tracking"
	TopicOrderStatus     Topic = "order-status"
	TopicLogisticsData   Topic = "logistics-data"
	TopicAlerts          Topic = "alerts"
)

// DefaultTopics are the topics the dashboard subscribes to out of the box.
var DefaultTopics = []Topic{
	TopicLogisticsData,
	TopicVehicleTracking,
	TopicOrderStatus,
}

// ParseTopics converts raw topic names, skipping empty entries.
func ParseTopics(names []string) []Topic {
	topics := make([]Topic, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		topics = append(topics, Topic(n))
	}

	return topics
}

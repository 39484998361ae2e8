package fabric

import (
	"fmt"
	"strconv"
	"strings"
)

// Topic layout shared by endpoints and the fabric service.

const notificationPrefix = "fabric/notifications/"

func ProfileTopic(endpointID string) string {
	return fmt.Sprintf("fabric/endpoints/%s/profile", endpointID)
}

func TopicListTopic(endpointID string) string {
	return fmt.Sprintf("fabric/endpoints/%s/topics", endpointID)
}

func ConfigurationTopic(endpointID string) string {
	return fmt.Sprintf("fabric/endpoints/%s/configuration", endpointID)
}

func NotificationTopic(topicID int64) string {
	return notificationPrefix + strconv.FormatInt(topicID, 10)
}

func BroadcastTopic(userID string) string {
	return fmt.Sprintf("fabric/users/%s/events/all", userID)
}

func DirectTopic(userID, endpointID string) string {
	return fmt.Sprintf("fabric/users/%s/events/%s", userID, endpointID)
}

// ValidTopicLevel reports whether s can stand as one level of a topic name:
// non-empty and free of the MQTT wildcards and the level separator.
func ValidTopicLevel(s string) bool {
	return s != "" && !strings.ContainsAny(s, "+#/")
}

func parseNotificationTopic(topic string) (int64, error) {
	if !strings.HasPrefix(topic, notificationPrefix) {
		return 0, fmt.Errorf("not a notification topic: %s", topic)
	}
	return strconv.ParseInt(strings.TrimPrefix(topic, notificationPrefix), 10, 64)
}

package redis

import "fmt"

const ns = "tixreserve:v1"

func KeyEvent(eventID int64) string {
	return fmt.Sprintf("%s:event:%d", ns, eventID)
}

func KeyEventAvailability(eventID int64) string {
	return fmt.Sprintf("%s:event:%d:availability", ns, eventID)
}

// KeyEventGeneration counts invalidations of an event's cached views.
func KeyEventGeneration(eventID int64) string {
	return fmt.Sprintf("%s:event:%d:gen", ns, eventID)
}

func KeyRateLimit(scope, id string) string {
	return fmt.Sprintf("%s:rl:%s:%s", ns, scope, id)
}

func KeyIdemPurchase(userID int64, idemKey string) string {
	return fmt.Sprintf("%s:idem:purchase:%d:%s", ns, userID, idemKey)
}

func ChannelEventsChanged() string {
	return ns + ":events:changed"
}
